package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass buckets a failed provider call by how the orchestrator must
// react to it.
type ErrorClass string

const (
	// ClassTransient covers timeouts, connection resets, 5xx and 429:
	// retried with backoff before escalating.
	ClassTransient ErrorClass = "transient"
	// ClassAuthRevoked means the provider rejected our access token: the
	// connection moves to CONSENT_CHANGED and nothing is retried until the
	// creator re-consents.
	ClassAuthRevoked ErrorClass = "auth_revoked"
	// ClassFatal covers account-deleted / channel-not-found style answers:
	// not retryable, needs operator or owner intervention.
	ClassFatal ErrorClass = "fatal"
)

// CallError is a classified failure of one whole provider call.
type CallError struct {
	Class      ErrorClass
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider call failed (%s, status=%d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider call failed (%s): %v", e.Class, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// ClassOf extracts the class from err, defaulting to transient for plain
// transport errors that were never classified.
func ClassOf(err error) ErrorClass {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}

// ClassifyStatus maps an HTTP status to an error class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuthRevoked
	case status == http.StatusNotFound || status == http.StatusGone:
		return ClassFatal
	case status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	default:
		// unexpected 4xx: our request shape is wrong, retrying won't help
		return ClassFatal
	}
}

// Retryable reports whether a transport-level error is worth another
// attempt inside the same call. Context cancellation means the pass was
// preempted, not that the network is flaky.
func Retryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// MalformedItemError marks a single item in a page that failed to map.
// Absorbed per item, never bubbled up to abort the page.
type MalformedItemError struct {
	ProviderItemID string
	Reason         string
}

func (e *MalformedItemError) Error() string {
	return fmt.Sprintf("malformed item %q: %s", e.ProviderItemID, e.Reason)
}
