// Package verrors classifies errors into the small set of kinds the HTTP
// layer and the queue workers care about. Workers retry Transient errors and
// drop everything else; the HTTP layer maps kinds to status codes.
package verrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Unknown Kind = iota
	Auth
	Validation
	Conflict
	NotFound
	Transient
	PermanentProvider
	Invariant
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case Transient:
		return "transient"
	case PermanentProvider:
		return "permanent_provider"
	case Invariant:
		return "invariant"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// E wraps err with a kind. A nil err returns nil.
func E(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Errorf builds a new error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost kind attached to err, or Unknown.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a worker should retry the unit of work.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Auth:
		return http.StatusUnauthorized
	case Validation:
		return http.StatusUnprocessableEntity
	case Conflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
