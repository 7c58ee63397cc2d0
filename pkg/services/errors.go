// Package services provides the repository layer over the embedded store.
package services

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all services. The API layer maps these to
// HTTP status codes.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
)

// ValidationError reports a rejected input value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
