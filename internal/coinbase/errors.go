package coinbase

import (
	"errors"
	"fmt"
)

// APIError is a structured rejection reported by the exchange itself. These
// are not retryable unless the code is in the known-transient set: the same
// request is expected to fail identically.
type APIError struct {
	Code    string
	Message string
}

func (e APIError) Error() string {
	return fmt.Sprintf("coinbase api error %s: %s", e.Code, e.Message)
}

// Codes the exchange documents as safe to retry after backoff.
var transientAPICodes = map[string]struct{}{
	"RATE_LIMIT_EXCEEDED": {},
	"INTERNAL_ERROR":      {},
	"SERVICE_UNAVAILABLE": {},
}

// Transient reports whether the rejection is in the retry allowlist.
func (e APIError) Transient() bool {
	_, ok := transientAPICodes[e.Code]
	return ok
}

// TransportError is a network-layer failure: timeout, connection reset, or a
// body that could not be read or decoded. The outcome of the request is
// unknown, so callers retry under a bounded-backoff policy and reconcile.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("coinbase transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AsAPIError unwraps an exchange-reported rejection, if err carries one.
func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return APIError{}, false
}

// IsTransient reports whether err may be retried: any transport failure, or
// an exchange rejection carrying a transient code.
func IsTransient(err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Transient()
	}
	return false
}
