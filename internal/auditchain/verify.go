package auditchain

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// VerifyPolicy decides what verification expects after a broken link.
type VerifyPolicy string

const (
	// PolicyIsolate continues from each entry's stored chain hash, so every
	// independent break is reported once and later intact entries verify.
	PolicyIsolate VerifyPolicy = "isolate"

	// PolicyCascade continues from the recomputed chain hash, so every entry
	// after the first divergence is reported as broken too.
	PolicyCascade VerifyPolicy = "cascade"
)

// ParseVerifyPolicy parses a policy name. The empty string means PolicyIsolate.
func ParseVerifyPolicy(s string) (VerifyPolicy, error) {
	switch VerifyPolicy(s) {
	case "", PolicyIsolate:
		return PolicyIsolate, nil
	case PolicyCascade:
		return PolicyCascade, nil
	}
	return "", fmt.Errorf("unknown verify policy %q", s)
}

// BreakKind classifies a broken link.
type BreakKind string

const (
	BreakChainHash          BreakKind = "chain_hash_mismatch"
	BreakPreviousHash       BreakKind = "previous_hash_mismatch"
	BreakFork               BreakKind = "fork"
	BreakDuplicateChainHash BreakKind = "duplicate_chain_hash"
)

// BrokenLink is one integrity finding at a chain position.
type BrokenLink struct {
	Position        int       `json:"position"`
	EntryID         string    `json:"entry_id"`
	Kind            BreakKind `json:"kind"`
	Expected        string    `json:"expected"`
	Actual          string    `json:"actual"`
	RelatedPosition *int      `json:"related_position,omitempty"` // earlier entry for fork and duplicate findings
}

// InvalidSignature records a signature that does not verify against the
// stored chain hash.
type InvalidSignature struct {
	Position  int    `json:"position"`
	EntryID   string `json:"entry_id"`
	ChainHash string `json:"chain_hash"`
}

// VerificationIssue records an entry that could not be checked at all.
type VerificationIssue struct {
	Position int    `json:"position"`
	EntryID  string `json:"entry_id"`
	Message  string `json:"message"`
}

// VerificationReport is the result of walking one subject's chain.
// Valid is true iff BrokenLinks, InvalidSignatures and Errors are all empty.
type VerificationReport struct {
	SubjectID         string              `json:"subject_id"`
	Valid             bool                `json:"valid"`
	Policy            VerifyPolicy        `json:"policy"`
	TotalEntries      int                 `json:"total_entries"`
	VerifiedEntries   int                 `json:"verified_entries"`
	SignaturesChecked bool                `json:"signatures_checked"`
	BrokenLinks       []BrokenLink        `json:"broken_links"`
	InvalidSignatures []InvalidSignature  `json:"invalid_signatures"`
	Errors            []VerificationIssue `json:"errors"`
}

// FirstBreak returns the lowest flagged position, or -1 when the chain is valid.
func (r *VerificationReport) FirstBreak() int {
	first := -1
	consider := func(p int) {
		if first == -1 || p < first {
			first = p
		}
	}
	for _, b := range r.BrokenLinks {
		consider(b.Position)
	}
	for _, s := range r.InvalidSignatures {
		consider(s.Position)
	}
	for _, e := range r.Errors {
		consider(e.Position)
	}
	return first
}

// VerifyOptions tunes a single verification.
type VerifyOptions struct {
	SkipSignatures bool
	Policy         VerifyPolicy // "" = the ledger's default
}

// VerifyEntries replays the chain over entries, which must be in chain
// order. It never fails: integrity problems are findings in the report.
// Signatures are checked only when signer can verify and opts allow it.
func VerifyEntries(subjectID string, entries []*Entry, signer *Signer, opts VerifyOptions) *VerificationReport {
	policy := opts.Policy
	if policy == "" {
		policy = PolicyIsolate
	}
	report := &VerificationReport{
		SubjectID:         subjectID,
		Policy:            policy,
		TotalEntries:      len(entries),
		SignaturesChecked: !opts.SkipSignatures && signer.CanVerify(),
		BrokenLinks:       []BrokenLink{},
		InvalidSignatures: []InvalidSignature{},
		Errors:            []VerificationIssue{},
	}

	flagged := make([]bool, len(entries))
	claimedPrev := make(map[string]int, len(entries))
	seenChain := make(map[string]int, len(entries))
	expectedPrev := NullHash

	for i, e := range entries {
		recomputed, err := Link(e.ContentHash, expectedPrev, e.Timestamp, e.ActionDetails)
		switch {
		case err != nil:
			report.Errors = append(report.Errors, VerificationIssue{
				Position: i, EntryID: e.ID, Message: err.Error(),
			})
			flagged[i] = true
		case recomputed != e.ChainHash:
			report.BrokenLinks = append(report.BrokenLinks, BrokenLink{
				Position: i, EntryID: e.ID, Kind: BreakChainHash,
				Expected: recomputed, Actual: e.ChainHash,
			})
			flagged[i] = true
		}

		if report.SignaturesChecked && e.Signature != "" && !signer.Verify(e.ChainHash, e.Signature) {
			report.InvalidSignatures = append(report.InvalidSignatures, InvalidSignature{
				Position: i, EntryID: e.ID, ChainHash: e.ChainHash,
			})
			flagged[i] = true
		}

		if e.PreviousHash != expectedPrev {
			report.BrokenLinks = append(report.BrokenLinks, BrokenLink{
				Position: i, EntryID: e.ID, Kind: BreakPreviousHash,
				Expected: expectedPrev, Actual: e.PreviousHash,
			})
			flagged[i] = true
		}

		if j, ok := claimedPrev[e.PreviousHash]; ok {
			related := j
			report.BrokenLinks = append(report.BrokenLinks, BrokenLink{
				Position: i, EntryID: e.ID, Kind: BreakFork,
				Expected: expectedPrev, Actual: e.PreviousHash, RelatedPosition: &related,
			})
			flagged[i] = true
		} else {
			claimedPrev[e.PreviousHash] = i
		}

		if j, ok := seenChain[e.ChainHash]; ok {
			related := j
			report.BrokenLinks = append(report.BrokenLinks, BrokenLink{
				Position: i, EntryID: e.ID, Kind: BreakDuplicateChainHash,
				Expected: recomputed, Actual: e.ChainHash, RelatedPosition: &related,
			})
			flagged[i] = true
		} else {
			seenChain[e.ChainHash] = i
		}

		if policy == PolicyCascade && err == nil {
			expectedPrev = recomputed
		} else {
			expectedPrev = e.ChainHash
		}
	}

	for _, f := range flagged {
		if !f {
			report.VerifiedEntries++
		}
	}
	report.Valid = len(report.BrokenLinks) == 0 &&
		len(report.InvalidSignatures) == 0 &&
		len(report.Errors) == 0
	return report
}

// Verify walks the subject's chain and reports every integrity finding.
// A storage failure is returned as an error, never as a finding.
func (l *Ledger) Verify(ctx context.Context, subjectID string, opts VerifyOptions) (*VerificationReport, error) {
	entries, err := l.repo.List(ctx, Filter{SubjectID: subjectID})
	if err != nil {
		return nil, storageErr("list", err)
	}
	if opts.Policy == "" {
		opts.Policy = l.policy
	}

	report := VerifyEntries(subjectID, entries, l.signer, opts)
	if !report.Valid {
		l.logger.Warn("audit chain integrity check failed",
			zap.String("subject_id", subjectID),
			zap.Int("first_break", report.FirstBreak()),
			zap.Int("broken_links", len(report.BrokenLinks)),
			zap.Int("invalid_signatures", len(report.InvalidSignatures)),
		)
	}
	if l.onVerify != nil {
		l.onVerify(report.Valid)
	}
	return report, nil
}
