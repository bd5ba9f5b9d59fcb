// Package mailerr defines the error taxonomy shared by providers, the sync
// driver and the upload worker.
package mailerr

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrAuthenticationNeeded halts sync for an account until the user signs in again.
	ErrAuthenticationNeeded = errors.New("authentication needed")
	// ErrCanceled is returned when a job observes cancellation. It is never user visible.
	ErrCanceled = errors.New("sync canceled")
	// ErrNotFound is returned by the store for missing rows.
	ErrNotFound = errors.New("not found")
	// ErrSyncTokenExpired means the provider no longer accepts a stored delta
	// token; the caller falls back to a full sync.
	ErrSyncTokenExpired = errors.New("sync token expired")
)

// NetworkError wraps transport failures. Always retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError is a provider response with a non-success status.
type APIError struct {
	HTTPStatus   int
	ProviderCode string
	Message      string
}

func (e *APIError) Error() string {
	if e.ProviderCode != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.HTTPStatus, e.ProviderCode, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.HTTPStatus, e.Message)
}

// Retryable reports 5xx and 429 responses.
func (e *APIError) Retryable() bool {
	return e.HTTPStatus >= 500 || e.HTTPStatus == http.StatusTooManyRequests
}

// SetupError means no adapter is registered for a provider type.
type SetupError struct {
	Provider string
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("no provider adapter registered for %q", e.Provider)
}

// Class is the coarse handling category of an error
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassPermanent
	ClassAuth
	ClassSetup
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAuth:
		return "auth"
	case ClassSetup:
		return "setup"
	case ClassCanceled:
		return "canceled"
	}
	return "unknown"
}

// FromHTTPStatus builds the error for a failed provider response. 401 maps
// to ErrAuthenticationNeeded.
func FromHTTPStatus(status int, code, message string) error {
	if status == http.StatusUnauthorized {
		return errors.Wrap(ErrAuthenticationNeeded, message)
	}
	return &APIError{HTTPStatus: status, ProviderCode: code, Message: message}
}

// Classify sorts err into a Class. Unknown errors are permanent so they are
// surfaced instead of retried forever.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if stderrors.Is(err, ErrCanceled) || stderrors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if stderrors.Is(err, ErrAuthenticationNeeded) {
		return ClassAuth
	}
	var setupErr *SetupError
	if stderrors.As(err, &setupErr) {
		return ClassSetup
	}
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		if apiErr.Retryable() {
			return ClassTransient
		}
		return ClassPermanent
	}
	var netErrWrap *NetworkError
	if stderrors.As(err, &netErrWrap) {
		return ClassTransient
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassPermanent
}

func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

func IsAuthenticationNeeded(err error) bool {
	return Classify(err) == ClassAuth
}

func IsCanceled(err error) bool {
	return Classify(err) == ClassCanceled
}
