package auditchain

import (
	"sync"
	"testing"
)

func TestSubjectLocks_releaseIdleSubjects(t *testing.T) {
	locks := newSubjectLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("doc-1")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("%d goroutines held the same subject lock", maxSeen)
	}
	if n := locks.len(); n != 0 {
		t.Errorf("expected idle locks to be dropped, %d remain", n)
	}
}

func TestSubjectLocks_distinctSubjectsDoNotBlock(t *testing.T) {
	locks := newSubjectLocks()
	unlockA := locks.lock("a")
	unlockB := locks.lock("b") // would deadlock if subjects shared a mutex
	if n := locks.len(); n != 2 {
		t.Errorf("expected 2 held locks, got %d", n)
	}
	unlockB()
	unlockA()
}
