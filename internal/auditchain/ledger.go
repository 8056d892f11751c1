package auditchain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/artpromedia/evidence-ledger/internal/canonical"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxAppendRetries = 3
	defaultStatsSampleSize  = 10
)

// AppendRecorder is called after every committed append.
type AppendRecorder func(actionType ActionType, signed bool)

// ConflictRecorder is called whenever an append attempt loses a race.
type ConflictRecorder func()

// VerifyRecorder is called with the outcome of every chain verification.
type VerifyRecorder func(valid bool)

// Ledger appends to and verifies per-subject audit chains over a Repository.
// It is safe for concurrent use. Appends to the same subject are serialized;
// appends to different subjects proceed independently.
type Ledger struct {
	repo       Repository
	signer     *Signer // nil = unsigned chain
	logger     *zap.Logger
	now        func() time.Time
	locks      *subjectLocks
	maxRetries int
	policy     VerifyPolicy
	sampleSize int

	sampleOffset atomic.Uint64

	onAppend   AppendRecorder
	onConflict ConflictRecorder
	onVerify   VerifyRecorder
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now as the source of entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMaxAppendRetries bounds how often a conflicting append is retried.
func WithMaxAppendRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

// WithVerifyPolicy sets how breaks propagate through verification.
func WithVerifyPolicy(p VerifyPolicy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithStatsSampleSize sets how many subjects Statistics verifies when no
// subject is given.
func WithStatsSampleSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.sampleSize = n
		}
	}
}

// NewLedger creates a Ledger. signer may be nil for an unsigned chain.
func NewLedger(repo Repository, signer *Signer, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		repo:       repo,
		signer:     signer,
		logger:     logger,
		now:        time.Now,
		locks:      newSubjectLocks(),
		maxRetries: defaultMaxAppendRetries,
		policy:     PolicyIsolate,
		sampleSize: defaultStatsSampleSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetAppendRecorder configures the append metrics callback.
func (l *Ledger) SetAppendRecorder(fn AppendRecorder) { l.onAppend = fn }

// SetConflictRecorder configures the conflict metrics callback.
func (l *Ledger) SetConflictRecorder(fn ConflictRecorder) { l.onConflict = fn }

// SetVerifyRecorder configures the verification metrics callback.
func (l *Ledger) SetVerifyRecorder(fn VerifyRecorder) { l.onVerify = fn }

// Signer returns the configured signer, which may be nil.
func (l *Ledger) Signer() *Signer { return l.signer }

// Policy returns the default verification policy.
func (l *Ledger) Policy() VerifyPolicy { return l.policy }

// AppendRequest describes one action to record.
type AppendRequest struct {
	SubjectID     string
	ActionType    ActionType
	PerformedBy   string
	ActionDetails canonical.Object
	ResourceID    string

	// Content, when non-nil, is hashed for ContentHash instead of
	// ActionDetails. It is not stored.
	Content any
}

// Append records a new entry at the head of the subject's chain.
//
// Encoding and signing errors abort the append. If another writer moves the
// head first the append is retried; when retries are exhausted a
// *ConflictError is returned. Appends are not idempotent: retrying the same
// logical action produces a second, distinct entry.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	if req.SubjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", ErrInvalidEntry)
	}
	if req.ActionType == "" {
		return nil, fmt.Errorf("%w: action type is required", ErrInvalidEntry)
	}
	if req.ActionDetails == nil {
		req.ActionDetails = canonical.Object{}
	}
	if err := canonical.CheckStorable(req.ActionDetails); err != nil {
		return nil, fmt.Errorf("action details: %w", err)
	}

	var content any = req.ActionDetails
	if req.Content != nil {
		content = req.Content
	}
	contentHash, err := canonical.Hash(content)
	if err != nil {
		return nil, fmt.Errorf("hash content: %w", err)
	}

	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		entry, err := l.appendOnce(ctx, req, contentHash)
		if err == nil {
			l.logger.Debug("audit entry appended",
				zap.String("subject_id", entry.SubjectID),
				zap.String("action_type", string(entry.ActionType)),
				zap.String("chain_hash", entry.ChainHash),
				zap.Bool("signed", entry.Signed()),
			)
			if l.onAppend != nil {
				l.onAppend(entry.ActionType, entry.Signed())
			}
			return entry, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		if l.onConflict != nil {
			l.onConflict()
		}
		l.logger.Warn("audit append conflict",
			zap.String("subject_id", req.SubjectID),
			zap.Int("attempt", attempt),
		)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, &ConflictError{SubjectID: req.SubjectID, Attempts: l.maxRetries}
}

// appendOnce reads the head, links, signs and persists while holding the
// subject's lock. The repository re-checks the head, so writers in other
// processes surface as ErrConflict.
func (l *Ledger) appendOnce(ctx context.Context, req AppendRequest, contentHash string) (*Entry, error) {
	unlock := l.locks.lock(req.SubjectID)
	defer unlock()

	head, found, err := l.repo.Head(ctx, req.SubjectID)
	if err != nil {
		return nil, storageErr("read head", err)
	}

	prev := NullHash
	ts := normalizeTime(l.now())
	if found {
		prev = head.ChainHash
		if !ts.After(head.Timestamp) {
			ts = head.Timestamp.Add(time.Microsecond)
		}
	}

	chainHash, err := Link(contentHash, prev, ts, req.ActionDetails)
	if err != nil {
		return nil, fmt.Errorf("link entry: %w", err)
	}

	sig, _, err := l.signer.Sign(chainHash)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:            uuid.NewString(),
		SubjectID:     req.SubjectID,
		ResourceID:    req.ResourceID,
		ActionType:    req.ActionType,
		ActionDetails: req.ActionDetails,
		PerformedBy:   req.PerformedBy,
		Timestamp:     ts,
		ContentHash:   contentHash,
		PreviousHash:  prev,
		ChainHash:     chainHash,
		Signature:     sig,
	}
	if err := l.repo.Append(ctx, entry); err != nil {
		return nil, storageErr("append", err)
	}
	return entry.clone(), nil
}

// Query returns entries matching f in chain order.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	entries, err := l.repo.List(ctx, f)
	if err != nil {
		return nil, storageErr("list", err)
	}
	return entries, nil
}

// Subjects returns subject ids in ascending order. limit 0 = all.
func (l *Ledger) Subjects(ctx context.Context, limit int) ([]string, error) {
	subjects, err := l.repo.ListSubjects(ctx, limit)
	if err != nil {
		return nil, storageErr("list subjects", err)
	}
	return subjects, nil
}

// Get returns a single entry by id. found is false when it does not exist.
func (l *Ledger) Get(ctx context.Context, id string) (*Entry, bool, error) {
	e, found, err := l.repo.Get(ctx, id)
	if err != nil {
		return nil, false, storageErr("get", err)
	}
	return e, found, nil
}
