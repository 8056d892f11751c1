package auditchain

import (
	"errors"
	"fmt"
)

// ErrConflict is returned by a Repository when the subject's head moved
// between reading it and appending, or when the append would fork the chain.
var ErrConflict = errors.New("audit chain head moved")

// ErrInvalidEntry is returned when an append request lacks required fields.
var ErrInvalidEntry = errors.New("invalid audit entry")

// StorageError wraps a repository read or write failure. A storage fault is
// never evidence of tampering.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConflictError is returned when concurrent appends to one subject exhausted
// the retry budget. The caller should retry the whole logical action.
type ConflictError struct {
	SubjectID string
	Attempts  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("append to subject %q conflicted %d times", e.SubjectID, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrConflict) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
