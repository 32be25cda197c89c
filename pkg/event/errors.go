package event

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is bad input. Never retried, surfaces as a 4xx to callers.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// TransientError is a store, DB or webhook failure that is worth retrying
// with backoff before dead-lettering.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PoisonError is a non-retryable downstream rejection (4xx other than 429).
// The message goes straight to the dead-letter queue.
type PoisonError struct {
	Status int
	Body   string
}

func (e *PoisonError) Error() string {
	return fmt.Sprintf("downstream rejected request with status %d: %s", e.Status, e.Body)
}

// FatalError is unrecoverable misconfiguration. The process exits nonzero.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// ClassifyStatus maps a webhook HTTP status to the error taxonomy. 2xx is
// success (nil), 429 and 5xx are transient, any other 4xx is poison.
func ClassifyStatus(status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &TransientError{Op: "webhook", Err: fmt.Errorf("status %d", status)}
	case status >= 400 && status < 500:
		return &PoisonError{Status: status, Body: body}
	default:
		return &TransientError{Op: "webhook", Err: fmt.Errorf("status %d", status)}
	}
}

// IsRetryable reports whether err should keep the message claimed for another
// attempt. Anything that isn't validation, poison or fatal is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var pe *PoisonError
	var fe *FatalError
	if errors.As(err, &ve) || errors.As(err, &pe) || errors.As(err, &fe) {
		return false
	}
	return true
}

// IsPoison reports whether err must dead-letter the message without retry.
func IsPoison(err error) bool {
	var pe *PoisonError
	return errors.As(err, &pe)
}
