package gate

import (
	"errors"
	"net/http"
)

// Code classifies a business-rule failure.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidStatus       Code = "INVALID_STATUS"
	CodePHIOverrideRequired Code = "PHI_OVERRIDE_REQUIRED"
	CodeNotPHIBlocked       Code = "NOT_PHI_BLOCKED"
	CodeExpired             Code = "EXPIRED"
	CodeNotApproved         Code = "NOT_APPROVED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeArchiveFailed       Code = "ARCHIVE_GENERATION_FAILED"
)

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidStatus, CodePHIOverrideRequired, CodeNotPHIBlocked:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeNotApproved, CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed business failure. State is the request state observed
// when the operation was refused, if any.
type Error struct {
	Code    Code
	Message string
	State   State
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(c Code, msg string, s State) *Error {
	return &Error{Code: c, Message: msg, State: s}
}

// CodeOf returns the Code carried by err, or "" for infrastructure errors.
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// Store sentinels. Implementations return these, possibly wrapped.
var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the stored version moved since it was read.
	ErrConflict = errors.New("version conflict")
)

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
func isConflict(err error) bool { return errors.Is(err, ErrConflict) }
