// Package ferrors classifies errors by tagged kind rather than by Go
// type, using cockroachdb/errors for stack traces and Is-based
// classification. The kinds mirror the control plane's error taxonomy:
// Validation, Unauthorized, NotFound, Conflict, Transient, Superseded,
// Internal.
package ferrors

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind tags an error with one of the control plane's error categories.
type Kind string

const (
	Validation   Kind = "validation"
	Unauthorized Kind = "unauthorized"
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	Transient    Kind = "transient"
	Superseded   Kind = "superseded"
	Internal     Kind = "internal"
)

// sentinels are the markers errors.Is matches against; never returned
// directly, only used with errors.Mark/errors.Is.
var sentinels = map[Kind]error{
	Validation:   errors.New("validation"),
	Unauthorized: errors.New("unauthorized"),
	NotFound:     errors.New("not_found"),
	Conflict:     errors.New("conflict"),
	Transient:    errors.New("transient"),
	Superseded:   errors.New("superseded"),
	Internal:     errors.New("internal"),
}

// New creates a new error tagged with kind.
func New(kind Kind, msg string) error {
	return errors.Mark(errors.WithStack(errors.New(msg)), sentinels[kind])
}

// Newf creates a new formatted error tagged with kind.
func Newf(kind Kind, format string, args ...interface{}) error {
	return errors.Mark(errors.WithStack(errors.Newf(format, args...)), sentinels[kind])
}

// Wrap wraps err, tagging it with kind, with a contextual message.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), sentinels[kind])
}

// Wrapf wraps err, tagging it with kind, with a formatted contextual message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), sentinels[kind])
}

// Is reports whether err is tagged with kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, sentinels[kind])
}

// KindOf returns the tagged kind of err, or Internal if err carries none
// of the recognized tags.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return Internal
}

// wireCodes are the PascalCase error codes spec §7 names
// (Validation/Unauthorized/NotFound/Conflict/Transient/Superseded/
// Internal), distinct from the lowercase sentinel strings Kind carries
// internally.
var wireCodes = map[Kind]string{
	Validation:   "Validation",
	Unauthorized: "Unauthorized",
	NotFound:     "NotFound",
	Conflict:     "Conflict",
	Transient:    "Transient",
	Superseded:   "Superseded",
	Internal:     "Internal",
}

// WireCode returns the wire-protocol error code for kind, e.g.
// Unauthorized.WireCode() == "Unauthorized".
func (k Kind) WireCode() string {
	if code, ok := wireCodes[k]; ok {
		return code
	}
	return wireCodes[Internal]
}

// KindFromWireCode parses a wire-protocol error code (case-insensitively)
// back into a Kind, defaulting to Internal for anything unrecognized.
func KindFromWireCode(code string) Kind {
	for kind, wire := range wireCodes {
		if strings.EqualFold(wire, code) {
			return kind
		}
	}
	return Internal
}

// HTTPStatus maps a Kind to the status code the REST surface returns for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Transient:
		return http.StatusServiceUnavailable
	case Superseded:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
