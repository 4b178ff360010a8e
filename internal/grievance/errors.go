package grievance

import (
	"errors"
	"fmt"
)

// Error kinds returned by the Service. Match with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrPermission = errors.New("permission denied")
	ErrNotFound   = errors.New("not found")
)

// Error is a typed failure carrying a caller-facing reason.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

// Unwrap returns the error kind.
func (e *Error) Unwrap() error { return e.Kind }

// Validationf returns a validation error.
func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Reason: fmt.Sprintf(format, args...)}
}

// Permissionf returns a permission error.
func Permissionf(format string, args ...any) error {
	return &Error{Kind: ErrPermission, Reason: fmt.Sprintf(format, args...)}
}

// NotFound returns a not-found error for a grievance ID.
func NotFound(id string) error {
	return &Error{Kind: ErrNotFound, Reason: fmt.Sprintf("grievance %s not found", id)}
}

// Reason extracts the caller-facing reason from err, or "" if err is not an *Error.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
