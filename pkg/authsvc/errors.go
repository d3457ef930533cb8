package authsvc

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a definitive upstream rejection (4xx). Never retried:
// the same request will fail the same way.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("authsvc: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("authsvc: status %d", e.StatusCode)
}

// IsAPIError reports whether err is an upstream 4xx rejection.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// TimeoutError reports that the upstream did not answer within the
// per-request timeout. Distinct from a transport failure so callers
// can tell "service too slow" from "service rejected the request".
// Never retried.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("authsvc: request timed out after %s", e.Timeout)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
