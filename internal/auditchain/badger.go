package auditchain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout:
//
//	e/<subject>\x00<seq>  entry JSON, seq is a big-endian uint64
//	h/<subject>           badgerHead JSON
//	i/<id>                entry key
//	c/<chain_hash>        entry id
const (
	badgerEntryPrefix = "e/"
	badgerHeadPrefix  = "h/"
	badgerIDPrefix    = "i/"
	badgerChainPrefix = "c/"
)

// BadgerConfig configures an embedded BadgerDB store.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM; data is lost on Close.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

type badgerHead struct {
	ChainHash string    `json:"chain_hash"`
	Timestamp time.Time `json:"ts"`
	Seq       uint64    `json:"seq"`
}

// badgerLogger routes BadgerDB's internal logging to zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }

// BadgerRepository stores audit chains in an embedded BadgerDB. Appends run
// in a single read-write transaction, so a concurrent writer that moved the
// head makes the commit fail with ErrConflict.
type BadgerRepository struct {
	db     *badger.DB
	logger *zap.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadgerRepository opens the store described by cfg.
func OpenBadgerRepository(cfg BadgerConfig, logger *zap.Logger) (*BadgerRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{s: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	r := &BadgerRepository{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		r.stopGC = make(chan struct{})
		r.gcDone = make(chan struct{})
		go r.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return r, nil
}

func (r *BadgerRepository) runGC(interval time.Duration, ratio float64) {
	defer close(r.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopGC:
			return
		case <-ticker.C:
			err := r.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("badger value log gc failed", zap.Error(err))
			}
		}
	}
}

// Close stops background GC and closes the database.
func (r *BadgerRepository) Close() error {
	if r.stopGC != nil {
		close(r.stopGC)
		<-r.gcDone
		r.stopGC = nil
	}
	return r.db.Close()
}

func badgerEntryKey(subjectID string, seq uint64) []byte {
	key := make([]byte, 0, len(badgerEntryPrefix)+len(subjectID)+9)
	key = append(key, badgerEntryPrefix...)
	key = append(key, subjectID...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, seq)
}

func badgerSubjectPrefix(subjectID string) []byte {
	return append([]byte(badgerEntryPrefix+subjectID), 0)
}

func readBadgerHead(txn *badger.Txn, subjectID string) (badgerHead, bool, error) {
	var h badgerHead
	item, err := txn.Get([]byte(badgerHeadPrefix + subjectID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return h, false, nil
	}
	if err != nil {
		return h, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &h)
	})
	return h, err == nil, err
}

// Head implements Repository.
func (r *BadgerRepository) Head(_ context.Context, subjectID string) (Head, bool, error) {
	var (
		h     badgerHead
		found bool
	)
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		h, found, err = readBadgerHead(txn, subjectID)
		return err
	})
	if err != nil {
		return Head{}, false, &StorageError{Op: "read head", Err: err}
	}
	if !found {
		return Head{}, false, nil
	}
	return Head{ChainHash: h.ChainHash, Timestamp: normalizeTime(h.Timestamp)}, true, nil
}

var errBadgerHeadMoved = errors.New("head moved")

// Append implements Repository.
func (r *BadgerRepository) Append(_ context.Context, e *Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		head, found, err := readBadgerHead(txn, e.SubjectID)
		if err != nil {
			return err
		}
		expected := NullHash
		if found {
			expected = head.ChainHash
		}
		if e.PreviousHash != expected {
			return errBadgerHeadMoved
		}
		if _, err := txn.Get([]byte(badgerChainPrefix + e.ChainHash)); err == nil {
			return errBadgerHeadMoved
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq := uint64(0)
		if found {
			seq = head.Seq + 1
		}
		key := badgerEntryKey(e.SubjectID, seq)
		next, err := json.Marshal(badgerHead{ChainHash: e.ChainHash, Timestamp: e.Timestamp, Seq: seq})
		if err != nil {
			return err
		}

		for _, kv := range [][2][]byte{
			{key, value},
			{[]byte(badgerHeadPrefix + e.SubjectID), next},
			{[]byte(badgerIDPrefix + e.ID), key},
			{[]byte(badgerChainPrefix + e.ChainHash), []byte(e.ID)},
		} {
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
		r.logger.Debug("audit entry stored",
			zap.String("subject_id", e.SubjectID),
			zap.String("chain_hash", e.ChainHash),
		)
		return nil
	case errors.Is(err, errBadgerHeadMoved), errors.Is(err, badger.ErrConflict):
		return ErrConflict
	default:
		return &StorageError{Op: "append entry", Err: err}
	}
}

func decodeBadgerEntry(item *badger.Item) (*Entry, error) {
	var e Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return nil, err
	}
	e.Timestamp = normalizeTime(e.Timestamp)
	return &e, nil
}

// List implements Repository.
func (r *BadgerRepository) List(_ context.Context, f Filter) ([]*Entry, error) {
	prefix := []byte(badgerEntryPrefix)
	if f.SubjectID != "" {
		prefix = badgerSubjectPrefix(f.SubjectID)
	}

	var out []*Entry
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			e, err := decodeBadgerEntry(it.Item())
			if err != nil {
				return err
			}
			if f.matches(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "list entries", Err: err}
	}

	sortChainOrder(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Get implements Repository.
func (r *BadgerRepository) Get(_ context.Context, id string) (*Entry, bool, error) {
	var e *Entry
	err := r.db.View(func(txn *badger.Txn) error {
		ref, err := txn.Get([]byte(badgerIDPrefix + id))
		if err != nil {
			return err
		}
		key, err := ref.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		e, err = decodeBadgerEntry(item)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get entry", Err: err}
	}
	return e, true, nil
}

// Summarize implements Repository.
func (r *BadgerRepository) Summarize(ctx context.Context, subjectID string) (Summary, error) {
	entries, err := r.List(ctx, Filter{SubjectID: subjectID})
	if err != nil {
		return Summary{}, err
	}
	s := Summary{ByAction: make(map[ActionType]int)}
	subjects := make(map[string]struct{})
	for _, e := range entries {
		s.Entries++
		s.ByAction[e.ActionType]++
		if e.Signed() {
			s.Signed++
		}
		subjects[e.SubjectID] = struct{}{}
	}
	s.Subjects = len(subjects)
	return s, nil
}

// ListSubjects implements Repository.
func (r *BadgerRepository) ListSubjects(_ context.Context, limit int) ([]string, error) {
	var subjects []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerHeadPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			subjects = append(subjects, strings.TrimPrefix(string(it.Item().Key()), badgerHeadPrefix))
			if limit > 0 && len(subjects) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "list subjects", Err: err}
	}
	return subjects, nil
}
