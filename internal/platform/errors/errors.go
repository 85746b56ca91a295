// Package errors provides the coded error type shared by the importer, its
// queue repo and the ops HTTP surface. Import it as perr
package errors

import (
	stderrs "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an error for retry decisions, run outcomes and HTTP
// status mapping. Codes marshal as their names
type ErrorCode uint16

const (
	ErrorCodeUnknown ErrorCode = iota
	ErrorCodePanic
	ErrorCodeUnavailable
	ErrorCodeTooManyRequests
	ErrorCodeConflict
	ErrorCodeForbidden
	ErrorCodeInvalidArgument
	ErrorCodeValidation
	ErrorCodeJSON
	ErrorCodeNotFound
	ErrorCodeDB

	// ErrorCodeThrottled is a remote API throttle signal, by status or usage headers
	ErrorCodeThrottled
	// ErrorCodeRuntimeExceeded means the job wide runtime budget ran out
	ErrorCodeRuntimeExceeded
	// ErrorCodeEntitySkipped is fatal for one entity: suspended account or page sizes exhausted
	ErrorCodeEntitySkipped
	// ErrorCodeRetryCeiling means a report spent its attempts
	ErrorCodeRetryCeiling
	// ErrorCodeWarning requeues a queue item without failing it
	ErrorCodeWarning
)

type codeInfo struct {
	name      string
	status    int
	transient bool
}

var codes = map[ErrorCode]codeInfo{
	ErrorCodeUnknown:         {"unknown", http.StatusInternalServerError, false},
	ErrorCodePanic:           {"panic", http.StatusInternalServerError, false},
	ErrorCodeUnavailable:     {"unavailable", http.StatusServiceUnavailable, true},
	ErrorCodeTooManyRequests: {"too_many_requests", http.StatusTooManyRequests, true},
	ErrorCodeConflict:        {"conflict", http.StatusConflict, false},
	ErrorCodeForbidden:       {"forbidden", http.StatusForbidden, false},
	ErrorCodeInvalidArgument: {"invalid_argument", http.StatusUnprocessableEntity, false},
	ErrorCodeValidation:      {"validation", http.StatusBadRequest, false},
	ErrorCodeJSON:            {"json", http.StatusBadRequest, false},
	ErrorCodeNotFound:        {"not_found", http.StatusNotFound, false},
	ErrorCodeDB:              {"db", http.StatusInternalServerError, false},
	ErrorCodeThrottled:       {"throttled", http.StatusTooManyRequests, true},
	ErrorCodeRuntimeExceeded: {"runtime_exceeded", http.StatusGatewayTimeout, false},
	ErrorCodeEntitySkipped:   {"entity_skipped", http.StatusInternalServerError, false},
	ErrorCodeRetryCeiling:    {"retry_ceiling", http.StatusInternalServerError, false},
	ErrorCodeWarning:         {"warning", http.StatusInternalServerError, false},
}

func (c ErrorCode) String() string {
	if ci, ok := codes[c]; ok {
		return ci.name
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// MarshalText writes the code name
func (c ErrorCode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText accepts a code name
func (c *ErrorCode) UnmarshalText(b []byte) error {
	for k, ci := range codes {
		if ci.name == string(b) {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("unknown error code %q", b)
}

// HTTPStatusCode maps a code onto a response status. Unmapped codes are 500
func HTTPStatusCode(c ErrorCode) int {
	if ci, ok := codes[c]; ok {
		return ci.status
	}
	return http.StatusInternalServerError
}

// Error carries a code, a message, an optional offending field and the cause
type Error struct {
	orig  error
	msg   string
	code  ErrorCode
	field string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return e.msg + ": " + e.orig.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.orig }

// Code returns the error code
func (e *Error) Code() ErrorCode { return e.code }

// Field returns the offending field, if any
func (e *Error) Field() string { return e.field }

// Wire is the error part of a JSON response. Message omits the wrapped cause
type Wire struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
}

// WireFrom converts any error for a response body. Foreign errors are unknown
func WireFrom(err error) Wire {
	if err == nil {
		return Wire{}
	}
	if e, ok := As(err); ok {
		return Wire{Code: e.code, Message: e.msg, Field: e.field}
	}
	return Wire{Code: ErrorCodeUnknown, Message: err.Error()}
}

// As returns the outermost *Error in err's chain
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Root returns the deepest wrapped cause
func Root(err error) error {
	for err != nil {
		u := stderrs.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
	return nil
}

// CodeOf returns the outermost code in err's chain, or Unknown
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.code
	}
	return ErrorCodeUnknown
}

// IsCode reports whether err's outermost code is code
func IsCode(err error, code ErrorCode) bool { return CodeOf(err) == code }

// HTTPStatus maps any error onto a response status
func HTTPStatus(err error) int { return HTTPStatusCode(CodeOf(err)) }

// WithField returns a copy of err naming the offending field. Foreign errors
// are returned unchanged
func WithField(err error, field string) error {
	if e, ok := As(err); ok {
		c := *e
		c.field = field
		return &c
	}
	return err
}

func New(code ErrorCode, msg string) error { return &Error{code: code, msg: msg} }

func Newf(code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...)}
}

func Wrap(orig error, code ErrorCode, msg string) error {
	return &Error{code: code, msg: msg, orig: orig}
}

func Wrapf(orig error, code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...), orig: orig}
}

func NotFoundf(format string, a ...any) error { return Newf(ErrorCodeNotFound, format, a...) }

func InvalidArgf(format string, a ...any) error { return Newf(ErrorCodeInvalidArgument, format, a...) }

func JSONErrf(format string, a ...any) error { return Newf(ErrorCodeJSON, format, a...) }

func PanicErrf(format string, a ...any) error { return Newf(ErrorCodePanic, format, a...) }

func Conflictf(format string, a ...any) error { return Newf(ErrorCodeConflict, format, a...) }

func Throttledf(format string, a ...any) error { return Newf(ErrorCodeThrottled, format, a...) }

func Unavailablef(format string, a ...any) error { return Newf(ErrorCodeUnavailable, format, a...) }

// Retryable reports whether another attempt may succeed: throttle and
// unavailable codes, or a transient Postgres failure anywhere in the chain.
// Budget, skip and ceiling codes never retry
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		switch {
		case codes[e.code].transient:
			return true
		case e.code == ErrorCodeRuntimeExceeded, e.code == ErrorCodeEntitySkipped, e.code == ErrorCodeRetryCeiling:
			return false
		}
	}
	return pgTransient(err)
}
