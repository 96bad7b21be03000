package users

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedOperation is returned when an operation cannot apply to the account's provenance.
	ErrUnsupportedOperation = errors.New("users: operation not supported for this account")
	// ErrUserNotFound indicates no local record matched the lookup.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrInvalidIdentity indicates sign-in claims did not carry a usable subject.
	ErrInvalidIdentity = errors.New("users: invalid identity")

	errMissingDatabase = errors.New("users: database connection required")
)

func unsupported(operation string, provenance Provenance) error {
	return fmt.Errorf("%w: %s on %s account", ErrUnsupportedOperation, operation, provenance)
}

// ValidationError reports input rejected before any local or remote write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("users: invalid %s: %s", e.Field, e.Reason)
}

// SyncError reports a remote propagation failure after the local change was committed.
// The local record already holds the new value.
type SyncError struct {
	Field string
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("users: %s saved locally but not synced to the identity provider: %v", e.Field, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
