package auditchain

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository is an in-memory, thread-safe Repository.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryRepository struct {
	mu        sync.RWMutex
	order     []*Entry // every entry in insertion order
	bySubject map[string][]*Entry
	byID      map[string]*Entry
	chains    map[string]struct{}
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bySubject: make(map[string][]*Entry),
		byID:      make(map[string]*Entry),
		chains:    make(map[string]struct{}),
	}
}

// Head implements Repository.
func (r *MemoryRepository) Head(_ context.Context, subjectID string) (Head, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.bySubject[subjectID]
	if len(entries) == 0 {
		return Head{}, false, nil
	}
	last := entries[len(entries)-1]
	return Head{ChainHash: last.ChainHash, Timestamp: last.Timestamp}, true, nil
}

// Append implements Repository.
func (r *MemoryRepository) Append(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	expected := NullHash
	if entries := r.bySubject[e.SubjectID]; len(entries) > 0 {
		expected = entries[len(entries)-1].ChainHash
	}
	if e.PreviousHash != expected {
		return ErrConflict
	}
	if _, dup := r.chains[e.ChainHash]; dup {
		return ErrConflict
	}

	stored := e.clone()
	r.order = append(r.order, stored)
	r.bySubject[e.SubjectID] = append(r.bySubject[e.SubjectID], stored)
	r.byID[stored.ID] = stored
	r.chains[stored.ChainHash] = struct{}{}
	return nil
}

// List implements Repository. Returned entries are copies.
func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	source := r.order
	if f.SubjectID != "" {
		source = r.bySubject[f.SubjectID]
	}

	var out []*Entry
	for _, e := range source {
		if f.matches(e) {
			out = append(out, e.clone())
		}
	}
	sortChainOrder(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Entry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false, nil
	}
	return e.clone(), true, nil
}

// Summarize implements Repository.
func (r *MemoryRepository) Summarize(_ context.Context, subjectID string) (Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{ByAction: make(map[ActionType]int)}
	source := r.order
	if subjectID != "" {
		source = r.bySubject[subjectID]
		if len(source) > 0 {
			s.Subjects = 1
		}
	} else {
		s.Subjects = len(r.bySubject)
	}
	for _, e := range source {
		s.Entries++
		s.ByAction[e.ActionType]++
		if e.Signed() {
			s.Signed++
		}
	}
	return s, nil
}

// ListSubjects implements Repository.
func (r *MemoryRepository) ListSubjects(_ context.Context, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subjects := make([]string, 0, len(r.bySubject))
	for s := range r.bySubject {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	if limit > 0 && len(subjects) > limit {
		subjects = subjects[:limit]
	}
	return subjects, nil
}

// sortChainOrder orders entries by timestamp, keeping insertion order for ties.
func sortChainOrder(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
