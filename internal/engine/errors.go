package engine

import (
	"errors"
	"fmt"

	"workorder-backend/internal/metadata"
	"workorder-backend/internal/store"
)

// Sentinels for errors.Is; every AppError unwraps to one of them.
var (
	ErrUnknownEntity     = metadata.ErrUnknownEntity
	ErrValidation        = errors.New("validation failed")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrProtectedResource = errors.New("protected resource")
	ErrConstraint        = errors.New("constraint violation")
)

type AppError struct {
	Code        string        `json:"code"`
	Status      int           `json:"-"`
	Message     string        `json:"message"`
	Details     []ErrorDetail `json:"details,omitempty"`
	MinimumRole string        `json:"minimum_role,omitempty"`

	kind error
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.kind
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func UnknownEntityError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_ENTITY",
		Status:  404,
		Message: fmt.Sprintf("Unknown entity: %s", name),
		kind:    ErrUnknownEntity,
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  400,
		Message: "Validation failed",
		Details: details,
		kind:    ErrValidation,
	}
}

// fieldError is a single-detail ValidationError.
func fieldError(field, rule, format string, args ...any) *AppError {
	return ValidationError([]ErrorDetail{{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)}})
}

// UnauthorizedError is returned when no usable caller identity is present.
func UnauthorizedError(msg string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Status:  401,
		Message: msg,
		kind:    ErrPermissionDenied,
	}
}

// PermissionDeniedError never carries row data, only the role needed.
func PermissionDeniedError(d Decision) *AppError {
	return &AppError{
		Code:        "FORBIDDEN",
		Status:      403,
		Message:     d.Reason,
		MinimumRole: d.MinimumRole,
		kind:        ErrPermissionDenied,
	}
}

// NotFoundError is used both for absent rows and rows hidden by row-level
// rules; the two must look identical to the caller.
func NotFoundError(entity string, id any) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %v not found", entity, id),
		kind:    ErrNotFound,
	}
}

func ProtectedResourceError(entity string, value any) *AppError {
	return &AppError{
		Code:    "PROTECTED_RESOURCE",
		Status:  403,
		Message: fmt.Sprintf("%s %q is system-protected and cannot be modified or deleted", entity, fmt.Sprint(value)),
		kind:    ErrProtectedResource,
	}
}

func ConstraintError(msg string) *AppError {
	return &AppError{
		Code:    "CONFLICT",
		Status:  409,
		Message: msg,
		kind:    ErrConstraint,
	}
}

// mapStoreError translates driver constraint errors into ConstraintError and
// wraps everything else with op context.
func mapStoreError(d store.Dialect, op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	mapped := d.MapError(err)
	switch {
	case errors.Is(mapped, store.ErrUniqueViolation):
		return ConstraintError("A record with the same unique value already exists")
	case errors.Is(mapped, store.ErrForeignKeyViolation):
		return ConstraintError("The record references, or is referenced by, rows that block this change")
	}
	return fmt.Errorf("%s: %w", op, err)
}
