package gateway

import (
	"errors"
	"fmt"
)

// ErrTimeout matches any TransportError caused by a deadline.
var ErrTimeout = errors.New("gateway: timeout")

// TransportError means the gateway could not be reached or did not answer in time.
// Callers retry on the next poll tick.
type TransportError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("gateway %s: timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// APIError is a response the gateway produced but refused.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error: status=%d msg=%s", e.StatusCode, e.Message)
}
