package jobs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrJobNotFound is returned by storage when no row matches the given id.
	ErrJobNotFound = errors.New("job not found")

	// ErrServiceUnavailable indicates the queue broker is misconfigured or
	// unreachable. Callers at the HTTP boundary map it to a 503.
	ErrServiceUnavailable = errors.New("job queue unavailable")
)

// UserNotFoundError is raised during job creation when the claimed user id
// does not exist and no anonymous session is available to fall back to.
type UserNotFoundError struct {
	UserID string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user not found: %s", e.UserID)
}

// InvariantViolationError rejects an illegal state-transition request, such
// as retrying a job that has not failed. Code is an HTTP-style status code,
// always in the client-correctable 400 class.
type InvariantViolationError struct {
	Code    int
	Message string
}

func (e *InvariantViolationError) Error() string {
	return e.Message
}

func newInvariantViolation(format string, args ...interface{}) *InvariantViolationError {
	return &InvariantViolationError{
		Code:    http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
	}
}
