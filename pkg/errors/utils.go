package errors

import (
	"errors"
	"fmt"
)

// Common error checks
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Coded is implemented by every error type that carries a stable code
type Coded interface {
	error
	ErrorCode() Code
}

// CodeOf returns the code of the first coded error in the chain, or CodeInternal
func CodeOf(err error) Code {
	var coded Coded
	if As(err, &coded) {
		return coded.ErrorCode()
	}
	return CodeInternal
}

// IsValidationError checks if the error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return As(err, &validationErr)
}

// IsConflictError checks if the error is a ConflictError
func IsConflictError(err error) bool {
	var conflictErr *ConflictError
	return As(err, &conflictErr)
}

// IsNotFoundError checks if the error is a NotFoundError
func IsNotFoundError(err error) bool {
	var notFoundErr *NotFoundError
	return As(err, &notFoundErr)
}

// IsStorageError checks if the error is a StorageError
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return As(err, &storageErr)
}

// IsIndexInconsistencyError checks if the error is an IndexInconsistencyError
func IsIndexInconsistencyError(err error) bool {
	var inconsistencyErr *IndexInconsistencyError
	return As(err, &inconsistencyErr)
}

// IsConfigError checks if the error is a ConfigError
func IsConfigError(err error) bool {
	var configErr *ConfigError
	return As(err, &configErr)
}

// Error creation helpers

// NewValidationError creates a new ValidationError
func NewValidationError(code Code, field string, value interface{}, message string) error {
	return &ValidationError{
		Code:    code,
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewVersionExistsError creates a ConflictError for an already published version
func NewVersionExistsError(key string) error {
	return &ConflictError{
		Code:     CodeVersionExists,
		Resource: "release",
		Key:      key,
	}
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource, key string) error {
	return &NotFoundError{
		Resource: resource,
		Key:      key,
	}
}

// NewConfigError creates a new ConfigError
func NewConfigError(parameter string, value interface{}, err error) error {
	return &ConfigError{
		Parameter: parameter,
		Value:     value,
		Err:       err,
	}
}

// Error wrapping helpers

// WrapStorageError wraps an existing error with storage context
func WrapStorageError(err error, op, backend, path string) error {
	if err == nil {
		return nil
	}
	return &StorageError{
		Op:      op,
		Backend: backend,
		Path:    path,
		Err:     err,
	}
}

// ErrorContextf adds context to an error
func ErrorContextf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
