package logs

import (
	"errors"
	"fmt"
)

// ErrUnknownDevice is returned when a request names a device the directory does not know.
var ErrUnknownDevice = errors.New("unknown device")

// ValidationError reports a malformed entry or an oversized batch.
type ValidationError struct {
	Index  int // position of the offending entry, -1 for batch-level problems
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Index < 0:
		return fmt.Sprintf("invalid batch: %s", e.Reason)
	case e.Field == "":
		return fmt.Sprintf("invalid log %d: %s", e.Index, e.Reason)
	default:
		return fmt.Sprintf("invalid log %d: %s %s", e.Index, e.Field, e.Reason)
	}
}

// AuthorizationError reports a caller acting outside its scope.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "unauthorized: " + e.Reason
}

// RateLimitedError reports a caller that exceeded its request budget.
type RateLimitedError struct {
	Key string
}

func (e *RateLimitedError) Error() string {
	return "rate limited: " + e.Key
}

// BackendError reports a store that is unavailable or rejected a write.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func backendError(op string, err error) error {
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}
