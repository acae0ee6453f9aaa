package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPeriod      = errors.New("invalid period")
	ErrInvalidID          = errors.New("invalid id")
	ErrOwnerRequired      = errors.New("owner id required")
	ErrInvalidDuration    = errors.New("invalid lock duration")
	ErrMissingIdentityKey = errors.New("payload missing identity key")

	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrHoldNotFound        = errors.New("hold not found")
	ErrHoldExpired         = errors.New("hold expired")
	ErrAlreadyCommitted    = errors.New("hold already committed")
	ErrLockHeld            = errors.New("lock held by another owner")
	ErrConflictPending     = errors.New("conflict pending resolution")
	ErrDuplicateCreate     = errors.New("create conflict: id already exists")

	ErrPermissionDenied = errors.New("permission denied")
)

// ErrorClass drives the retry and rollback policy: validation and conflict
// errors surface immediately, transient errors retry up to the cap, fatal
// errors roll back and escalate.
type ErrorClass int

const (
	ClassValidation ErrorClass = iota
	ClassConflict
	ClassTransient
	ClassFatal
)

// NetworkError wraps a connectivity or timeout failure so callers can
// classify it as transient without inspecting driver-specific errors.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Classify maps an error onto the retry taxonomy. Unknown errors are
// treated as fatal so a bug never loops forever in a retry path.
func Classify(err error) ErrorClass {
	var netErr *NetworkError
	switch {
	case errors.As(err, &netErr):
		return ClassTransient
	case errors.Is(err, ErrResourceUnavailable),
		errors.Is(err, ErrHoldNotFound),
		errors.Is(err, ErrHoldExpired),
		errors.Is(err, ErrAlreadyCommitted),
		errors.Is(err, ErrLockHeld),
		errors.Is(err, ErrConflictPending),
		errors.Is(err, ErrDuplicateCreate):
		return ClassConflict
	case errors.Is(err, ErrInvalidPeriod),
		errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrOwnerRequired),
		errors.Is(err, ErrInvalidDuration),
		errors.Is(err, ErrMissingIdentityKey):
		return ClassValidation
	default:
		return ClassFatal
	}
}

// Retryable reports whether the submission pipeline may retry the error.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
