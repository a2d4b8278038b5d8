// Package apierr classifies failures from the platform backend.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
)

// Kind is the broad category of a failure.
type Kind int

// Failure kinds.
const (
	KindNetwork Kind = iota + 1
	KindAuth
	KindValidation
	KindNotFound
	KindServer
	KindBusiness
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server"
	case KindBusiness:
		return "business"
	default:
		return "unknown"
	}
}

// sentinel maps each kind onto the errdefs taxonomy so callers can use
// errdefs.IsNotFound and friends.
func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return errdefs.ErrUnavailable
	case KindAuth:
		return errdefs.ErrUnauthenticated
	case KindValidation:
		return errdefs.ErrInvalidArgument
	case KindNotFound:
		return errdefs.ErrNotFound
	case KindServer:
		return errdefs.ErrInternal
	case KindBusiness:
		return errdefs.ErrFailedPrecondition
	default:
		return errdefs.ErrUnknown
	}
}

// Error is a classified backend or local failure.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Op == "" {
		return msg
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, msg, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap exposes both the errdefs sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New returns an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Network wraps a transport failure.
func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// Validation returns a local validation failure.
func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

// Business returns a failure of a domain rule.
func Business(op, message string) *Error {
	return New(KindBusiness, op, message)
}

// FromStatus classifies an HTTP response status. A zero status means the
// request never reached the server.
func FromStatus(op string, status int, message string) *Error {
	return &Error{Kind: KindForStatus(status), Op: op, Status: status, Message: message}
}

// KindForStatus maps an HTTP status code onto a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == 0:
		return KindNetwork
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindBusiness
	case status >= 500:
		return KindServer
	default:
		return KindBusiness
	}
}

// KindOf returns the Kind of err, or zero if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message returns the user-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
