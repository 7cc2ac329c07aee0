package release

import (
	"fmt"
	"net/http"
)

// Error is an upstream check failure with a machine-readable code. Codes map
// onto HTTP statuses at the REST layer.
type Error struct {
	Code   string
	Status int
	msg    string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any Error with the same code, so sentinel comparisons work on
// wrapped instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) wrap(cause error) *Error {
	return &Error{Code: e.Code, Status: e.Status, msg: e.msg, cause: cause}
}

var (
	ErrNotFound      = &Error{Code: "REPOSITORY_NOT_FOUND", Status: http.StatusNotFound, msg: "repository or release not found"}
	ErrRateLimited   = &Error{Code: "RATE_LIMIT_EXCEEDED", Status: http.StatusTooManyRequests, msg: "upstream API rate limit exceeded"}
	ErrTimeout       = &Error{Code: "REQUEST_TIMEOUT", Status: http.StatusRequestTimeout, msg: "upstream request timed out"}
	ErrNetwork       = &Error{Code: "NETWORK_ERROR", Status: http.StatusServiceUnavailable, msg: "could not reach upstream release API"}
	ErrRequestFailed = &Error{Code: "UPDATE_CHECK_FAILED", Status: http.StatusInternalServerError, msg: "upstream release check failed"}
)
