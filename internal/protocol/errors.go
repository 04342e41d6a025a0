package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lorawan-server/lpwan-bridge/internal/mapper"
)

// Error classes. Every error leaving a handler, the session manager or the
// sync engine matches exactly one of these with errors.Is.
var (
	ErrAuth         = errors.New("authentication failed")
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrTransient    = errors.New("transient network error")
	ErrConflict     = errors.New("conflict")
	ErrSync         = errors.New("sync failed")
	ErrDelivery     = errors.New("delivery failed")
	ErrNotSupported = mapper.ErrUnsupported
)

// Error is a classified error carrying the operation and, for vendor
// responses, the HTTP status.
type Error struct {
	Class      error
	Op         string
	StatusCode int
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Class.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the error class.
func (e *Error) Is(target error) bool {
	return target == e.Class
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewAuthError returns an AuthError.
func NewAuthError(op, msg string, err error) error {
	return &Error{Class: ErrAuth, Op: op, Msg: msg, Err: err}
}

// NewNotFoundError returns a NotFoundError.
func NewNotFoundError(op, msg string) error {
	return &Error{Class: ErrNotFound, Op: op, Msg: msg}
}

// NewValidationError returns a ValidationError.
func NewValidationError(op, msg string) error {
	return &Error{Class: ErrValidation, Op: op, Msg: msg}
}

// NewTransientError returns a TransientNetworkError.
func NewTransientError(op string, err error) error {
	return &Error{Class: ErrTransient, Op: op, Err: err}
}

// NewConflictError returns a ConflictError.
func NewConflictError(op, msg string) error {
	return &Error{Class: ErrConflict, Op: op, Msg: msg}
}

// NewDeliveryError returns a DeliveryError.
func NewDeliveryError(op string, err error) error {
	return &Error{Class: ErrDelivery, Op: op, Err: err}
}

// NewSyncError wraps the final error of a per-network sync.
func NewSyncError(op string, err error) error {
	return &Error{Class: ErrSync, Op: op, Err: err}
}

// FromStatus classifies a vendor HTTP response.
func FromStatus(op string, status int, body string) error {
	if len(body) > 256 {
		body = body[:256]
	}
	var class error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		class = ErrAuth
	case status == http.StatusNotFound:
		class = ErrNotFound
	case status == http.StatusConflict:
		class = ErrConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		class = ErrValidation
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		class = ErrTransient
	default:
		class = ErrValidation
	}
	return &Error{Class: class, Op: op, StatusCode: status, Msg: strings.TrimSpace(body)}
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTransient reports whether err is a TransientNetworkError.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotSupported reports whether the vendor has no such concept.
func IsNotSupported(err error) bool { return errors.Is(err, ErrNotSupported) }
