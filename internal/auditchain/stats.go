package auditchain

import (
	"context"
	"fmt"
)

// IntegritySample summarizes chain verification over a set of subjects.
type IntegritySample struct {
	SampledSubjects int      `json:"sampled_subjects"`
	ValidSubjects   int      `json:"valid_subjects"`
	Rate            float64  `json:"rate"`
	InvalidSubjects []string `json:"invalid_subjects"`
}

// Stats describes the ledger as a whole or a single subject.
type Stats struct {
	SubjectID      string             `json:"subject_id,omitempty"`
	TotalEntries   int                `json:"total_entries"`
	Subjects       int                `json:"subjects"`
	ActionTypes    map[ActionType]int `json:"action_types"`
	SignedEntries  int                `json:"signed_entries"`
	SignedFraction float64            `json:"signed_fraction"`
	Integrity      *IntegritySample   `json:"chain_integrity,omitempty"`
}

// Statistics counts entries for subjectID, or for the whole ledger when it
// is empty. The ledger-wide form also verifies a bounded sample of subjects;
// use Integrity for a full pass.
func (l *Ledger) Statistics(ctx context.Context, subjectID string) (*Stats, error) {
	sum, err := l.repo.Summarize(ctx, subjectID)
	if err != nil {
		return nil, storageErr("summarize", err)
	}

	stats := &Stats{
		SubjectID:     subjectID,
		TotalEntries:  sum.Entries,
		Subjects:      sum.Subjects,
		ActionTypes:   sum.ByAction,
		SignedEntries: sum.Signed,
	}
	if stats.ActionTypes == nil {
		stats.ActionTypes = map[ActionType]int{}
	}
	if sum.Entries > 0 {
		stats.SignedFraction = float64(sum.Signed) / float64(sum.Entries)
	}

	if subjectID == "" {
		sample, err := l.Integrity(ctx, l.sampleSize)
		if err != nil {
			return nil, err
		}
		stats.Integrity = sample
	}
	return stats, nil
}

// Integrity verifies up to limit subjects (0 = every subject). Successive
// bounded calls rotate through the subject list, so every subject is
// eventually sampled. It is O(entries verified).
func (l *Ledger) Integrity(ctx context.Context, limit int) (*IntegritySample, error) {
	subjects, err := l.repo.ListSubjects(ctx, 0)
	if err != nil {
		return nil, storageErr("list subjects", err)
	}
	subjects = l.nextSample(subjects, limit)

	sample := &IntegritySample{InvalidSubjects: []string{}}
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report, err := l.Verify(ctx, subject, VerifyOptions{})
		if err != nil {
			return nil, fmt.Errorf("verify subject %q: %w", subject, err)
		}
		sample.SampledSubjects++
		if report.Valid {
			sample.ValidSubjects++
		} else {
			sample.InvalidSubjects = append(sample.InvalidSubjects, subject)
		}
	}
	if sample.SampledSubjects > 0 {
		sample.Rate = float64(sample.ValidSubjects) / float64(sample.SampledSubjects)
	} else {
		sample.Rate = 1
	}
	return sample, nil
}

// nextSample returns limit subjects starting at the rotating sample offset,
// wrapping around the end of the list.
func (l *Ledger) nextSample(subjects []string, limit int) []string {
	if limit <= 0 || len(subjects) <= limit {
		return subjects
	}
	start := int((l.sampleOffset.Add(uint64(limit)) - uint64(limit)) % uint64(len(subjects)))
	out := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, subjects[(start+i)%len(subjects)])
	}
	return out
}
