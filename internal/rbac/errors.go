package rbac

import "errors"

var (
	// ErrNotFound indicates that a referenced user, role or permission does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrValidation indicates malformed input: identity claims, list parameters, names.
	ErrValidation = errors.New("rbac: validation failed")
	// ErrStorageUnavailable indicates the backing store could not be reached.
	ErrStorageUnavailable = errors.New("rbac: storage unavailable")
)

// IsRetryable reports whether an external caller may retry the failed operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
