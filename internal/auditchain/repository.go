package auditchain

import "context"

// Filter selects entries for List. Zero-valued fields do not filter.
type Filter struct {
	SubjectID  string
	ActionType ActionType
	ResourceID string
	Limit      int // 0 = no limit
}

func (f Filter) matches(e *Entry) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.ActionType != "" && e.ActionType != f.ActionType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	return true
}

// Summary holds the counts behind Statistics.
type Summary struct {
	Entries  int
	Signed   int
	Subjects int
	ByAction map[ActionType]int
}

// Repository is the append-only, subject-partitioned store behind a Ledger.
// MemoryRepository, PostgresRepository, SQLiteRepository and BadgerRepository
// implement it.
//
// Entries are returned in chain order: timestamp ascending, ties broken by
// insertion order. Failures other than ErrConflict are *StorageError.
type Repository interface {
	// Head returns the latest entry's chain hash and timestamp for a subject.
	// found is false when the subject has no entries.
	Head(ctx context.Context, subjectID string) (head Head, found bool, err error)

	// Append persists e atomically. It returns ErrConflict if the subject's
	// current head is not e.PreviousHash, or if e would duplicate an existing
	// chain hash or previous hash.
	Append(ctx context.Context, e *Entry) error

	// List returns matching entries in chain order.
	List(ctx context.Context, f Filter) ([]*Entry, error)

	// Get returns the entry with the given id. found is false when absent.
	Get(ctx context.Context, id string) (e *Entry, found bool, err error)

	// Summarize counts entries for one subject, or for all when subjectID is "".
	Summarize(ctx context.Context, subjectID string) (Summary, error)

	// ListSubjects returns subject ids in ascending order. limit 0 = all.
	ListSubjects(ctx context.Context, limit int) ([]string, error)
}
