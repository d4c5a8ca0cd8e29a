package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConflicted indicates an unresolved conflict already exists for
	// the logical id; further conflicting writes are rejected, never merged
	// silently into the pending conflict.
	ErrAlreadyConflicted = errors.New("backup: unresolved conflict already recorded for entry")
	// ErrConflictNotFound indicates the conflict id does not exist or belongs
	// to another user.
	ErrConflictNotFound = errors.New("backup: conflict not found")
	// ErrAlreadyResolved indicates the conflict reached its terminal state.
	ErrAlreadyResolved = errors.New("backup: conflict already resolved")
	// ErrMissingMergedPayload indicates a merged resolution without ciphertext.
	ErrMissingMergedPayload = errors.New("backup: merged resolution requires ciphertext and iv")
	// ErrBackupNotFound indicates no stored backup matches the logical id.
	ErrBackupNotFound = errors.New("backup: not found")
)

// ServiceError carries a machine-readable operation.reason code with a cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
