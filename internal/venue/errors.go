package venue

import (
	"fmt"
	"net/http"
)

// APIError is a non-2xx reply from the info endpoint. 4xx responses are
// semantic and must not be retried; 5xx and 429 are transient.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue api status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may be reissued.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// DecodeError is a well-formed HTTP reply whose body did not match the
// expected shape. Callers drop the affected record and move on; a
// decode failure never aborts a cycle.
type DecodeError struct {
	Op  string // info operation, e.g. "clearinghouseState"
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
