package upstream

import (
	"errors"
	"fmt"
)

var ErrTransport = errors.New("upstream transport failure")

// APIError means the platform answered and flagged the call as failed. It is never retried.
type APIError struct {
	Operation string
	Code      string
	Message   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream: %s failed (%s): %s", e.Operation, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream: %s failed: %s", e.Operation, e.Message)
}

// TransportError means no usable answer was obtained after all attempts.
type TransportError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream: %s failed after %d attempt(s): %v", e.Operation, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}
