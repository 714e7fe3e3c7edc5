package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")
)

// ValidationError wraps a config validation failure with its location.
type ValidationError struct {
	Section string
	Field   string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config %s.%s: %v", e.Section, e.Field, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Section, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError from a plain message.
func NewValidationError(section, field, msg string) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: errors.New(msg)}
}

// LoadError wraps any failure while reading or parsing a config file.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
