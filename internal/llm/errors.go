package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes a backend failure.
type ErrorKind string

const (
	ErrKindAuth      ErrorKind = "auth"
	ErrKindRateLimit ErrorKind = "rate-limit"
	ErrKindServer    ErrorKind = "server"
	ErrKindNetwork   ErrorKind = "network"
	ErrKindMalformed ErrorKind = "malformed-response"
	ErrKindNotFound  ErrorKind = "not-found"
	ErrKindCancelled ErrorKind = "cancellation"
	ErrKindUnknown   ErrorKind = "unknown"
)

// BackendError is a categorized backend failure. Status is the HTTP status
// when the failure came from a response, zero otherwise.
type BackendError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Kind extracts the error category from err, defaulting to unknown.
func Kind(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrKindCancelled
	}
	return ErrKindUnknown
}

const maxErrBody = 256

// classifyStatus maps a non-2xx HTTP response to a categorized error.
func classifyStatus(status int, body []byte) *BackendError {
	msg := string(body)
	if len(msg) > maxErrBody {
		msg = msg[:maxErrBody] + "..."
	}

	kind := ErrKindUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrKindAuth
	case status == http.StatusTooManyRequests:
		kind = ErrKindRateLimit
	case status >= 500:
		kind = ErrKindServer
	}
	return &BackendError{Kind: kind, Status: status, Message: msg}
}

// wrapTransport converts a transport-level failure into a categorized error,
// preserving cancellation.
func wrapTransport(err error) *BackendError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Kind: ErrKindCancelled, Message: err.Error(), Err: err}
	}
	return &BackendError{Kind: ErrKindNetwork, Message: err.Error(), Err: err}
}
