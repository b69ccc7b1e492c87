package errs

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrConflict          = errors.New("conflict")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrTransientDispatch = errors.New("transient dispatch failure")
	ErrPoisonMessage     = errors.New("poison message")
)

// Kinded is an error that belongs to one of the taxonomy sentinels while
// keeping its own message.
type Kinded struct {
	kind error
	msg  string
}

// New returns an error with message msg that matches kind under errors.Is.
func New(kind error, msg string) error {
	return &Kinded{kind: kind, msg: msg}
}

func (e *Kinded) Error() string { return e.msg }

func (e *Kinded) Unwrap() error { return e.kind }

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }

func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// HTTPStatus maps the taxonomy onto response codes.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransientDispatch):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to return to a client for err: the kinded
// message, or a generic one for internal and dispatch failures.
func PublicMessage(err error) string {
	switch HTTPStatus(err) {
	case http.StatusOK:
		return ""
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusServiceUnavailable:
		return "dispatch temporarily unavailable"
	}
	var kinded *Kinded
	if errors.As(err, &kinded) {
		return kinded.Error()
	}
	return err.Error()
}
