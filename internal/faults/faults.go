// README: Error kinds returned by module services; the request layer maps kinds to transport codes.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a business-rule failure. Infrastructure failures (store
// unreachable and similar) are returned as plain wrapped errors and carry no
// Kind; KindOf reports Internal for those.
type Kind string

const (
	Validation         Kind = "VALIDATION_ERROR"
	NotFound           Kind = "NOT_FOUND"
	Forbidden          Kind = "FORBIDDEN"
	InvalidStatus      Kind = "INVALID_STATUS"
	Expired            Kind = "EXPIRED"
	DuplicateOffer     Kind = "DUPLICATE_OFFER"
	NoProviders        Kind = "NO_PROVIDERS"
	Conflict           Kind = "CONCURRENT_MODIFICATION"
	Unavailable        Kind = "UNAVAILABLE"
	InvalidCoordinates Kind = "INVALID_COORDINATES"
	Internal           Kind = "INTERNAL"
)

// Error pairs a machine-readable kind with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can match with errors.Is(err, faults.New(kind, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind from err, or Internal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
