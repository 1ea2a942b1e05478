package notaryerr

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable category of a notarization error.
type Kind string

const (
	KindInput               Kind = "input"
	KindEncoding            Kind = "encoding"
	KindNetworkUnavailable  Kind = "network_unavailable"
	KindSubmissionRejected  Kind = "submission_rejected"
	KindPayloadTooLarge     Kind = "payload_too_large"
	KindUnknownNetwork      Kind = "unknown_network"
	KindNetworkDeprecated   Kind = "network_deprecated"
	KindNetworkMaintenance  Kind = "network_maintenance"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
)

// Error carries a Kind, a human message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInput               = &Error{Kind: KindInput}
	ErrEncoding            = &Error{Kind: KindEncoding}
	ErrNetworkUnavailable  = &Error{Kind: KindNetworkUnavailable}
	ErrSubmissionRejected  = &Error{Kind: KindSubmissionRejected}
	ErrPayloadTooLarge     = &Error{Kind: KindPayloadTooLarge}
	ErrUnknownNetwork      = &Error{Kind: KindUnknownNetwork}
	ErrNetworkDeprecated   = &Error{Kind: KindNetworkDeprecated}
	ErrNetworkMaintenance  = &Error{Kind: KindNetworkMaintenance}
	ErrConfirmationTimeout = &Error{Kind: KindConfirmationTimeout}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrConflict            = &Error{Kind: KindConflict}
)

// ErrEmptyInput is returned when a document set or leaf list has no elements.
var ErrEmptyInput = New(KindInput, "document set is empty")

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether retrying the same operation can succeed.
// Only transport-level unavailability qualifies; rejections, reverts and
// oversized payloads are logically invalid and never retried.
func Retryable(err error) bool {
	return KindOf(err) == KindNetworkUnavailable
}
