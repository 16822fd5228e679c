// Package apperr provides the platform's typed error values.
//
// Every business failure carries a bit-stable numeric code. Codes are grouped
// in ranges: 1xxx validation, 2xxx not-found, 3xxx conflict, 4xxx auth,
// 5xxx external/transient, 6xxx internal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a standardized platform error.
type Error struct {
	Code       int            `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    details,
	}
}

// WithMessage returns a copy of the error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		Code:       e.Code,
		Message:    message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
	}
}

// Validation errors (1xxx). End-user messages are Hebrew; the numeric code is
// the stable contract.
var (
	ErrValidation = &Error{
		Code:       1000,
		Message:    "קלט לא תקין",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidPhone = &Error{
		Code:       1001,
		Message:    "מספר טלפון לא תקין",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidAddress = &Error{
		Code:       1002,
		Message:    "כתובת לא תקינה",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidName = &Error{
		Code:       1003,
		Message:    "שם לא תקין",
		StatusCode: http.StatusBadRequest,
	}

	ErrAmountOutOfRange = &Error{
		Code:       1004,
		Message:    "סכום לא תקין",
		StatusCode: http.StatusBadRequest,
	}

	ErrInjectionDetected = &Error{
		Code:       1005,
		Message:    "קלט לא תקין",
		StatusCode: http.StatusBadRequest,
	}
)

// Not-found errors (2xxx).
var (
	ErrUserNotFound = &Error{
		Code:       2001,
		Message:    "משתמש לא נמצא",
		StatusCode: http.StatusNotFound,
	}

	ErrDeliveryNotFound = &Error{
		Code:       2002,
		Message:    "משלוח לא נמצא",
		StatusCode: http.StatusNotFound,
	}

	ErrStationNotFound = &Error{
		Code:       2003,
		Message:    "תחנה לא נמצאה",
		StatusCode: http.StatusNotFound,
	}

	ErrWalletNotFound = &Error{
		Code:       2004,
		Message:    "ארנק לא נמצא",
		StatusCode: http.StatusNotFound,
	}
)

// Conflict / business errors (3xxx).
var (
	ErrDuplicateCharge = &Error{
		Code:       3001,
		Message:    "המשלוח כבר חויב",
		StatusCode: http.StatusConflict,
	}

	ErrInsufficientCredit = &Error{
		Code:       3002,
		Message:    "חריגה ממסגרת האשראי",
		StatusCode: http.StatusConflict,
	}

	ErrDeliveryNotAvailable = &Error{
		Code:       3003,
		Message:    "המשלוח כבר נתפס",
		StatusCode: http.StatusConflict,
	}

	ErrInvalidStateTransition = &Error{
		Code:       3004,
		Message:    "פעולה לא אפשרית במצב הנוכחי",
		StatusCode: http.StatusConflict,
	}

	ErrCourierBlacklisted = &Error{
		Code:       3005,
		Message:    "אינך מורשה לקחת משלוחים מתחנה זו",
		StatusCode: http.StatusConflict,
	}

	ErrAlreadyMember = &Error{
		Code:       3006,
		Message:    "המשתמש כבר משויך לתחנה",
		StatusCode: http.StatusConflict,
	}
)

// Auth errors (4xxx).
var (
	ErrAdminKey = &Error{
		Code:       4001,
		Message:    "invalid admin key",
		StatusCode: http.StatusUnauthorized,
	}

	ErrInvalidToken = &Error{
		Code:       4002,
		Message:    "invalid or expired token",
		StatusCode: http.StatusUnauthorized,
	}

	ErrWrongOTP = &Error{
		Code:       4003,
		Message:    "קוד שגוי או שפג תוקפו",
		StatusCode: http.StatusUnauthorized,
	}

	ErrRateLimited = &Error{
		Code:       4004,
		Message:    "יותר מדי בקשות, נסה שוב מאוחר יותר",
		StatusCode: http.StatusTooManyRequests,
	}
)

// External / transient errors (5xxx).
var (
	ErrServiceUnavailable = &Error{
		Code:       5001,
		Message:    "שירות לא זמין כרגע",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrUpstreamTimeout = &Error{
		Code:       5002,
		Message:    "שירות לא זמין כרגע",
		StatusCode: http.StatusGatewayTimeout,
	}

	ErrUpstreamFailure = &Error{
		Code:       5003,
		Message:    "שירות לא זמין כרגע",
		StatusCode: http.StatusBadGateway,
	}
)

// ErrInternal is returned for unexpected server errors (6xxx).
var ErrInternal = &Error{
	Code:       6000,
	Message:    "אירעה שגיאה, נסה שוב",
	StatusCode: http.StatusInternalServerError,
}

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *Error {
	return &Error{
		Code:       ErrValidation.Code,
		Message:    ErrValidation.Message,
		StatusCode: http.StatusBadRequest,
		Details: map[string]any{
			"field": field,
			"error": message,
		},
	}
}

// Is reports whether err carries the same stable code as target.
func Is(err error, target *Error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// As converts an error to *Error, falling back to ErrInternal for
// unexpected errors so callers never leak raw error text to end users.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return ErrInternal
}

// IsTransient reports whether the error belongs to the external/transient
// range and may be retried.
func IsTransient(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code >= 5000 && appErr.Code < 6000
	}
	return false
}
