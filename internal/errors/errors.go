// Package errors defines coded domain errors shared by the HTTP API and the
// bot. The code decides the HTTP status and the error code clients see; the
// message is what an admin reads.
//
//	if errors.Is(err, errors.ErrPlatformPermanent) {
//	    alertAdmin(err)
//	}
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Is is errors.Is, re-exported so callers need one import.
var Is = errors.Is

// Code is a machine-readable error code.
type Code string

const (
	CodeNotFound             Code = "NOT_FOUND"
	CodeAlreadyExists        Code = "ALREADY_EXISTS"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeForbidden            Code = "FORBIDDEN"
	CodeValidation           Code = "VALIDATION"
	CodeConflict             Code = "CONFLICT"
	CodeInternal             Code = "INTERNAL"
	CodeInvalidCredentials   Code = "INVALID_CREDENTIALS"
	CodePlatformTransient    Code = "PLATFORM_TRANSIENT"
	CodePlatformPermanent    Code = "PLATFORM_PERMANENT"
	CodeRecipientUnreachable Code = "RECIPIENT_UNREACHABLE"
)

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeConflict:
		return http.StatusConflict
	case CodeUnauthorized, CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusBadRequest
	case CodePlatformTransient:
		return http.StatusBadGateway
	case CodePlatformPermanent:
		return http.StatusFailedDependency
	case CodeRecipientUnreachable:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Error is a coded domain error.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so a custom message still
// satisfies errors.Is against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus returns the response status for this error.
func (e *Error) HTTPStatus() int { return e.Code.HTTPStatus() }

// WithDetails returns a copy carrying details.
func (e *Error) WithDetails(details any) *Error {
	c := *e
	c.Details = details
	return &c
}

// WithCause returns a copy wrapping err.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.cause = err
	return &c
}

// Sentinels for errors.Is.
var (
	ErrNotFound             = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAlreadyExists        = &Error{Code: CodeAlreadyExists, Message: "already exists"}
	ErrValidation           = &Error{Code: CodeValidation, Message: "validation error"}
	ErrConflict             = &Error{Code: CodeConflict, Message: "conflict"}
	ErrPlatformTransient    = &Error{Code: CodePlatformTransient, Message: "platform temporarily unavailable"}
	ErrPlatformPermanent    = &Error{Code: CodePlatformPermanent, Message: "platform rejected the operation"}
	ErrRecipientUnreachable = &Error{Code: CodeRecipientUnreachable, Message: "recipient unreachable"}
)

func newError(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

func NotFoundf(format string, args ...any) *Error {
	return newError(CodeNotFound, fmt.Sprintf(format, args...))
}

func AlreadyExists(msg string) *Error { return newError(CodeAlreadyExists, msg) }

func AlreadyExistsf(format string, args ...any) *Error {
	return newError(CodeAlreadyExists, fmt.Sprintf(format, args...))
}

func Forbidden(msg string) *Error { return newError(CodeForbidden, msg) }

func Validation(msg string) *Error { return newError(CodeValidation, msg) }

func Validationf(format string, args ...any) *Error {
	return newError(CodeValidation, fmt.Sprintf(format, args...))
}

// ValidationWithDetails carries per-field messages for the response body.
func ValidationWithDetails(msg string, details any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

func Conflict(msg string) *Error { return newError(CodeConflict, msg) }

func InvalidCredentials(msg string) *Error { return newError(CodeInvalidCredentials, msg) }

// PlatformTransient is a timeout or rate limit at the channel platform.
func PlatformTransient(msg string) *Error { return newError(CodePlatformTransient, msg) }

// PlatformPermanent is a missing privilege or bad configuration at the
// channel platform. Retrying will not help.
func PlatformPermanent(msg string) *Error { return newError(CodePlatformPermanent, msg) }

// RecipientUnreachable is a user who blocked the bot or no longer exists.
func RecipientUnreachable(msg string) *Error { return newError(CodeRecipientUnreachable, msg) }

// Wrap wraps err with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}
