package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches AppErrors by code so copies produced by WithInternal/WithField still match their sentinel.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithField returns a copy of the AppError annotated with the offending request field.
func (e *AppError) WithField(field string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Field = field
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrInvalidCredentials = &AppError{
		Code:       "INVALID_CREDENTIALS",
		Message:    "Invalid credentials",
		StatusCode: http.StatusUnauthorized,
	}

	ErrAccountDisabled = &AppError{
		Code:       "ACCOUNT_DISABLED",
		Message:    "Account is disabled",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrPasswordMismatch = &AppError{
		Code:       "PASSWORD_MISMATCH",
		Message:    "Passwords don't match",
		StatusCode: http.StatusBadRequest,
	}

	ErrOldPasswordIncorrect = &AppError{
		Code:       "OLD_PASSWORD_INCORRECT",
		Message:    "Old password is incorrect",
		StatusCode: http.StatusBadRequest,
	}

	ErrWeakPassword = &AppError{
		Code:       "WEAK_PASSWORD",
		Message:    "Password is too weak",
		StatusCode: http.StatusBadRequest,
	}

	// ErrTokenInvalid deliberately covers unknown, expired and consumed tokens alike.
	ErrTokenInvalid = &AppError{
		Code:       "TOKEN_INVALID",
		Message:    "Invalid or expired token",
		StatusCode: http.StatusBadRequest,
	}

	ErrAlreadyVerified = &AppError{
		Code:       "ALREADY_VERIFIED",
		Message:    "Email is already verified",
		StatusCode: http.StatusConflict,
	}

	ErrEmailTaken = &AppError{
		Code:       "EMAIL_TAKEN",
		Message:    "A user with this email already exists",
		StatusCode: http.StatusConflict,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrServiceUnavailable = &AppError{
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "Service temporarily unavailable, please retry",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrRateLimit = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Rate limit exceeded. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}

// NewFieldError builds a 400 validation error bound to a single request field.
func NewFieldError(field, message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		Field:      field,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
