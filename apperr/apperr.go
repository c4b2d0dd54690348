// Package apperr defines the error taxonomy shared by the try-on subsystem.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuth                Kind = "auth"
	KindTransport           Kind = "transport"
	KindRemoteRejection     Kind = "remote_rejection"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindConnectivity        Kind = "connectivity"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInternal            Kind = "internal"
)

var (
	ErrFileNotFound        = errors.New("local file not found")
	ErrAuthExpired         = errors.New("credentials expired")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSubmissionInFlight  = errors.New("a try-on is already in flight for this profile")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid job status transition")
	ErrAlreadyExists       = errors.New("already exists")
)

// Error carries a Kind alongside the failing operation name.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) *Error   { return New(KindValidation, op, err) }
func Auth(op string, err error) *Error         { return New(KindAuth, op, err) }
func Transport(op string, err error) *Error    { return New(KindTransport, op, err) }
func Rejection(op string, err error) *Error    { return New(KindRemoteRejection, op, err) }
func Connectivity(op string, err error) *Error { return New(KindConnectivity, op, err) }
func NotFound(op string, err error) *Error     { return New(KindNotFound, op, err) }
func Conflict(op string, err error) *Error     { return New(KindConflict, op, err) }

func InsufficientCredits(op string) *Error {
	return New(KindInsufficientCredits, op, ErrInsufficientCredits)
}

// Validationf is a shorthand for a validation error with a formatted message.
func Validationf(op, format string, args ...interface{}) *Error {
	return Validation(op, fmt.Errorf(format, args...))
}

// KindOf returns the Kind of the outermost *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	return Is(err, KindTransport)
}

// FromStatus maps a non-2xx HTTP response from a collaborator onto the taxonomy.
func FromStatus(op string, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := fmt.Errorf("status %d: %s", status, msg)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth(op, fmt.Errorf("%w: %v", ErrAuthExpired, err))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return Transport(op, err)
	case status == http.StatusNotFound:
		return NotFound(op, err)
	default:
		return Validation(op, err)
	}
}
