package models

import (
	"fmt"
	"strings"
)

// ValidationErrors accumulates field-level validation failures.
type ValidationErrors struct {
	fields []string
	errs   []error
}

// Add records a validation failure for a field.
func (v *ValidationErrors) Add(field string, err error) {
	v.fields = append(v.fields, field)
	v.errs = append(v.errs, err)
}

// AddMessage records a validation failure described by a plain message.
func (v *ValidationErrors) AddMessage(field, message string) {
	v.Add(field, fmt.Errorf("%s", message))
}

// Err returns the accumulated error, or nil if no failures were recorded.
func (v *ValidationErrors) Err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return v
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	parts := make([]string, 0, len(v.errs))
	for i, err := range v.errs {
		parts = append(parts, fmt.Sprintf("%s: %v", v.fields[i], err))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
