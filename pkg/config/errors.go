package config

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can branch on with errors.Is.
var (
	// ErrConfigNotFound indicates an explicitly named config file is missing.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrInvalidYAML indicates the config file failed to parse.
	ErrInvalidYAML = errors.New("invalid YAML syntax")
)

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Component string
	Field     string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s.%s: %v", e.Component, e.Field, e.Err)
	}
	return fmt.Sprintf("validation failed for %s: %v", e.Component, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a validation error for a component field.
func NewValidationError(component, field string, err error) *ValidationError {
	return &ValidationError{Component: component, Field: field, Err: err}
}

// LoadError reports a failure to read or parse a config file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load config file %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
