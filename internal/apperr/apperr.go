// Package apperr defines coded application errors shared by the socket and
// REST surfaces.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeProtocol          = "PROTOCOL"
	CodeOversize          = "OVERSIZE"
	CodeEmptyStack        = "EMPTY_STACK"
	CodePersistence       = "PERSISTENCE"
	CodeLivenessTimeout   = "LIVENESS_TIMEOUT"
	CodeBridgeUnavailable = "BRIDGE_UNAVAILABLE"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInternal          = "INTERNAL_ERROR"
)

// AppError carries a machine-readable code alongside a client-facing message.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && (t.Message == "" || e.Message == t.Message)
}

func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// WithDetails returns a copy so shared sentinels are never mutated.
func (e *AppError) WithDetails(details string) *AppError {
	out := *e
	out.Details = details
	return &out
}

var (
	ErrNothingToUndo   = New(CodeEmptyStack, "Nothing to undo")
	ErrNothingToRedo   = New(CodeEmptyStack, "Nothing to redo")
	ErrOversize        = New(CodeOversize, "op too large")
	ErrUnauthorized    = New(CodeUnauthorized, "authentication required")
	ErrForbidden       = New(CodeForbidden, "not the project owner")
	ErrVersionNotFound = New(CodeNotFound, "version not found")
	ErrProjectNotFound = New(CodeNotFound, "project not found")
	ErrUnknownOpKind   = New(CodeInvalidInput, "unknown op kind")
	ErrInvalidOp       = New(CodeInvalidInput, "invalid op")
	ErrBridgeDown      = New(CodeBridgeUnavailable, "fan-out bridge unavailable")
)

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeEmptyStack, CodeInvalidInput, CodeOversize, CodeProtocol:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBridgeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func IsEmptyStack(err error) bool {
	return CodeOf(err) == CodeEmptyStack
}

func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}
