package store

import "fmt"

// ValidationError wraps field-specific input errors so callers can map
// them to client-error responses instead of server faults.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for a named field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
