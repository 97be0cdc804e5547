package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeAuthRequired     ErrorCode = "AUTHENTICATION_REQUIRED"
	ErrCodeAuthFailed       ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeInvalidToken     ErrorCode = "INVALID_TOKEN"
	ErrCodeJoinTokenMissing ErrorCode = "JOIN_TOKEN_MISSING"
	ErrCodeOriginNotAllowed ErrorCode = "ORIGIN_NOT_ALLOWED"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeContentNotFound     ErrorCode = "CONTENT_NOT_FOUND"
	ErrCodeParticipantNotFound ErrorCode = "PARTICIPANT_NOT_FOUND"
	ErrCodeRecipientNotFound   ErrorCode = "RECIPIENT_NOT_FOUND"
	ErrCodeConflict            ErrorCode = "CONFLICT"

	// Session state
	ErrCodeSessionExpired ErrorCode = "SESSION_EXPIRED"

	// Capacity & Rate Limiting
	ErrCodeHostLimitExceeded ErrorCode = "HOST_LIMIT_EXCEEDED"
	ErrCodeCapacityExceeded  ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func AuthenticationRequired() *AppError {
	return New(ErrCodeAuthRequired, "Authentication required")
}

func AuthenticationFailed(cause error) *AppError {
	return Wrap(ErrCodeAuthFailed, "Authentication failed", cause)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func JoinTokenMissing() *AppError {
	return New(ErrCodeJoinTokenMissing, "Participant has not joined the session")
}

func OriginNotAllowed(origin string) *AppError {
	return New(ErrCodeOriginNotAllowed, fmt.Sprintf("Origin not allowed: %q", origin))
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ContentNotFound(ref string) *AppError {
	return New(ErrCodeContentNotFound, fmt.Sprintf("Content not found: %s", ref))
}

func ParticipantNotFound() *AppError {
	return New(ErrCodeParticipantNotFound, "Participant not found")
}

func RecipientNotFound() *AppError {
	return New(ErrCodeRecipientNotFound, "Recipient not found")
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func SessionExpired() *AppError {
	return New(ErrCodeSessionExpired, "Session has expired")
}

func HostLimitExceeded(limit int) *AppError {
	return New(ErrCodeHostLimitExceeded, fmt.Sprintf("Too many active sessions hosted (limit %d)", limit))
}

func CapacityExceeded() *AppError {
	return New(ErrCodeCapacityExceeded, "Netplay capacity reached, try again later")
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
