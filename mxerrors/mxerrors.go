// Package mxerrors implements the error taxonomy of spec.md §7: a closed
// set of Kind values, each mapped to an HTTP status and a Matrix errcode.
//
// Grounded on original_source/src/error.rs (ErrorKind enum and
// ResponseError::status_code/error_response), reimplemented as a Go error
// type rather than an import of gomatrixserverlib/spec.MatrixError — see
// DESIGN.md for why that package is excluded as a dependency.
package mxerrors

import (
	"fmt"
	"net/http"
)

type Kind int

const (
	Forbidden Kind = iota
	UnknownToken
	MissingToken
	UsernameTaken
	NotFound
	UserNotFound
	RoomNotFound
	BadJSON
	NotJSON
	MissingParam
	InvalidParam
	UnsupportedRoomVersion
	PasswordError
	TxnIDExists
	LimitExceeded
	Unimplemented
	DBError
	AddEventError
	Unknown
)

// httpAndCode maps each Kind to (HTTP status, Matrix errcode) per spec.md §7.
func (k Kind) httpAndCode() (int, string) {
	switch k {
	case Forbidden:
		return http.StatusForbidden, "M_FORBIDDEN"
	case UnknownToken:
		return http.StatusForbidden, "M_UNKNOWN_TOKEN"
	case MissingToken:
		return http.StatusForbidden, "M_MISSING_TOKEN"
	case UsernameTaken:
		return http.StatusForbidden, "M_USER_IN_USE"
	case NotFound, UserNotFound, RoomNotFound:
		return http.StatusNotFound, "M_NOT_FOUND"
	case BadJSON:
		return http.StatusBadRequest, "M_BAD_JSON"
	case NotJSON:
		return http.StatusBadRequest, "M_NOT_JSON"
	case MissingParam:
		return http.StatusBadRequest, "M_MISSING_PARAM"
	case InvalidParam:
		return http.StatusBadRequest, "M_INVALID_PARAM"
	case UnsupportedRoomVersion:
		return http.StatusBadRequest, "M_UNSUPPORTED_ROOM_VERSION"
	case PasswordError, TxnIDExists:
		return http.StatusBadRequest, "M_UNKNOWN"
	case LimitExceeded:
		return http.StatusTooManyRequests, "M_LIMIT_EXCEEDED"
	case Unimplemented:
		return http.StatusNotImplemented, "M_UNKNOWN"
	case DBError, AddEventError, Unknown:
		return http.StatusInternalServerError, "M_UNKNOWN"
	default:
		return http.StatusInternalServerError, "M_UNKNOWN"
	}
}

// Error is a *Error value wrapping Kind, a human-readable message and an
// optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus and ErrCode expose the §7 mapping for the HTTP boundary.
func (e *Error) HTTPStatus() int {
	status, _ := e.Kind.httpAndCode()
	return status
}

func (e *Error) ErrCode() string {
	_, code := e.Kind.httpAndCode()
	return code
}

// Body is the {"errcode":..., "error":...} wire envelope.
type Body struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func (e *Error) Body() Body {
	return Body{ErrCode: e.ErrCode(), Error: e.Message}
}
