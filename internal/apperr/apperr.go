// Package apperr defines the error taxonomy shared by every stage of a chat turn.
// Errors are classified where they originate; callers only ever see the Kind and a
// safe, categorized message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind categorizes an error for the caller.
type Kind string

const (
	KindValidation              Kind = "validation"
	KindAdmissionDenied         Kind = "admission_denied"
	KindAdmissionUnavailable    Kind = "admission_unavailable"
	KindMissingCredential       Kind = "missing_credential"
	KindProviderAuth            Kind = "provider_auth"
	KindProviderQuota           Kind = "provider_quota"
	KindProviderUnavailable     Kind = "provider_unavailable"
	KindProviderInvalidResponse Kind = "provider_invalid_response"
	KindPersistence             Kind = "persistence"
	KindNotFound                Kind = "not_found"
	KindInternal                Kind = "internal"
)

// HTTPStatus returns the status code the routing layer should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindMissingCredential:
		return http.StatusBadRequest
	case KindAdmissionDenied, KindProviderQuota:
		return http.StatusTooManyRequests
	case KindAdmissionUnavailable, KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindProviderAuth:
		return http.StatusUnauthorized
	case KindProviderInvalidResponse:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the same request later.
func (k Kind) Retryable() bool {
	switch k {
	case KindAdmissionDenied, KindAdmissionUnavailable, KindProviderQuota, KindProviderUnavailable:
		return true
	}
	return false
}

// Error is a classified error. Message is safe to show to callers; Err carries the
// underlying cause for server-side logging only.
type Error struct {
	Kind       Kind
	Message    string
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error without an underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithProvider sets the provider the error relates to and returns e.
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Public returns the message that may be shown to the caller. Unclassified errors
// never leak their text.
func Public(err error) string {
	if e, ok := As(err); ok && e.Message != "" {
		return e.Message
	}
	return "an unexpected error occurred, please try again"
}
