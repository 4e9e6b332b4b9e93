package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrStaleSnapshot is returned by apply operations when the account (or
	// its open position set) changed since it was read.
	ErrStaleSnapshot = errors.New("stale account snapshot")

	// ErrAccountNotFound is wrapped in an InconsistentStateError when an
	// account disappears between listing and applying.
	ErrAccountNotFound = errors.New("account not found")
)

// TransientStoreError marks I/O failures (timeouts, connectivity loss,
// serialization conflicts) that are expected to clear on a later tick.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error (%s): %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// InconsistentStateError marks data-integrity violations. The account is
// skipped for the current tick.
type InconsistentStateError struct {
	OwnerID uuid.UUID
	Reason  string
	Err     error
}

func (e *InconsistentStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inconsistent state for account %s: %s: %v", e.OwnerID, e.Reason, e.Err)
	}
	return fmt.Sprintf("inconsistent state for account %s: %s", e.OwnerID, e.Reason)
}

func (e *InconsistentStateError) Unwrap() error { return e.Err }

// Inconsistent builds an InconsistentStateError with a formatted reason.
func Inconsistent(ownerID uuid.UUID, format string, args ...interface{}) error {
	return &InconsistentStateError{OwnerID: ownerID, Reason: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is (or wraps) a TransientStoreError.
func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}

// IsInconsistent reports whether err is (or wraps) an InconsistentStateError.
func IsInconsistent(err error) bool {
	var i *InconsistentStateError
	return errors.As(err, &i)
}
