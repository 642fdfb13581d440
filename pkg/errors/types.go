package errors

import (
	"fmt"
	"strings"
)

// Code is a stable, machine-readable error identifier returned to API clients
type Code string

// Error codes
const (
	CodeInvalidSemver        Code = "INVALID_SEMVER"
	CodeInvalidTarball       Code = "INVALID_TARBALL"
	CodeInvalidChartMetadata Code = "INVALID_CHART_METADATA"
	CodeNotFilePart          Code = "NOT_FILE_PART"
	CodeInvalidPath          Code = "INVALID_PATH"
	CodeInvalidBody          Code = "INVALID_BODY"
	CodeVersionExists        Code = "VERSION_EXISTS"
	CodeEntityNotFound       Code = "ENTITY_NOT_FOUND"
	CodeStorageFailure       Code = "STORAGE_FAILURE"
	CodeIndexInconsistent    Code = "INDEX_INCONSISTENT"
	CodeInvalidConfiguration Code = "INVALID_CONFIGURATION"
	CodeInternal             Code = "INTERNAL_SERVER_ERROR"
)

// Common error types
type (
	// ValidationError is returned when client input is rejected
	ValidationError struct {
		Code    Code        // Machine-readable code
		Field   string      // Field that failed validation
		Value   interface{} // Invalid value
		Message string      // Validation message
	}

	// ConflictError is returned when a resource already exists
	ConflictError struct {
		Code     Code   // Machine-readable code
		Resource string // Kind of resource, e.g. "release"
		Key      string // Identifier of the conflicting resource
	}

	// NotFoundError is returned when a repository, release or file is absent
	NotFoundError struct {
		Resource string // Kind of resource
		Key      string // Identifier that was looked up
	}

	// StorageError wraps storage backend failures
	StorageError struct {
		Op      string // Operation that failed
		Backend string // Backend name
		Path    string // Object path if applicable
		Err     error  // Original error
	}

	// IndexInconsistencyError reports drift between an owner's index and the release registry
	IndexInconsistencyError struct {
		Owner   int64    // Owner whose index drifted
		Missing []string // chart@version pairs with a release but no entry
		Stale   []string // chart@version pairs with an entry but no release

		Duplicated []string // chart@version pairs listed more than once
		Mismatched []string // chart@version pairs whose digest differs from the stored tarball
	}

	// ConfigError wraps configuration-related errors
	ConfigError struct {
		Parameter string      // Parameter that caused the error
		Value     interface{} // Invalid value
		Err       error       // Original error
	}
)

// Error implementations

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for field %q with value %v: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation failed for field %q: %s", e.Field, e.Message)
}

// ErrorCode returns the machine-readable code
func (e *ValidationError) ErrorCode() Code { return e.Code }

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.Key)
}

// ErrorCode returns the machine-readable code
func (e *ConflictError) ErrorCode() Code { return e.Code }

func (e *NotFoundError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %q was not found", e.Resource, e.Key)
	}
	return fmt.Sprintf("%s was not found", e.Resource)
}

// ErrorCode returns the machine-readable code
func (e *NotFoundError) ErrorCode() Code { return CodeEntityNotFound }

func (e *StorageError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "storage operation %q failed", e.Op)
	if e.Backend != "" {
		fmt.Fprintf(&sb, " on backend %q", e.Backend)
	}
	if e.Path != "" {
		fmt.Fprintf(&sb, " for path %q", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the machine-readable code
func (e *StorageError) ErrorCode() Code { return CodeStorageFailure }

func (e *IndexInconsistencyError) Error() string {
	return fmt.Sprintf("index for owner %d is inconsistent: %d missing, %d stale, %d duplicated, %d mismatched entries",
		e.Owner, len(e.Missing), len(e.Stale), len(e.Duplicated), len(e.Mismatched))
}

// ErrorCode returns the machine-readable code
func (e *IndexInconsistencyError) ErrorCode() Code { return CodeIndexInconsistent }

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for parameter %q with value %v: %v", e.Parameter, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the machine-readable code
func (e *ConfigError) ErrorCode() Code { return CodeInvalidConfiguration }
