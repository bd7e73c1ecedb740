// Package errors provides custom error types and error handling utilities.
package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error codes.
const (
	// Run configuration and input errors.
	CodeConfig          = "CONFIG_ERROR"
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeMissingShard    = "MISSING_SHARD"
	CodeDataConsistency = "DATA_CONSISTENCY"

	// Collaborator and runtime errors.
	CodeModel       = "MODEL_ERROR"
	CodeInternal    = "INTERNAL_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout     = "TIMEOUT"
	CodeStorage     = "STORAGE_ERROR"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// GRPCStatus maps the error onto a gRPC status so scoring servers can
// return it unchanged.
func (e *AppError) GRPCStatus() *status.Status {
	var c codes.Code
	switch e.Code {
	case CodeConfig, CodeValidation, CodeDataConsistency:
		c = codes.InvalidArgument
	case CodeNotFound, CodeMissingShard:
		c = codes.NotFound
	case CodeUnavailable:
		c = codes.Unavailable
	case CodeTimeout:
		c = codes.DeadlineExceeded
	default:
		c = codes.Internal
	}
	return status.New(c, e.Error())
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Convenience constructors.

// ConfigError creates an unsupported-configuration error.
func ConfigError(message string) *AppError {
	return New(CodeConfig, message)
}

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// NotFoundError creates a not found error.
func NotFoundError(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// MissingShardError reports a shard output that is absent, empty or malformed.
func MissingShardError(shard int, reason string, err error) *AppError {
	return Wrap(CodeMissingShard, reason, err).WithDetail("shard", fmt.Sprintf("%d", shard))
}

// ModelError creates a scoring model error.
func ModelError(message string, err error) *AppError {
	return Wrap(CodeModel, message, err)
}

// DataConsistencyError creates a data consistency error.
func DataConsistencyError(message string) *AppError {
	return New(CodeDataConsistency, message)
}

// InternalError creates an internal error.
func InternalError(message string, err error) *AppError {
	return Wrap(CodeInternal, message, err)
}

// StorageError creates a result persistence error.
func StorageError(message string, err error) *AppError {
	return Wrap(CodeStorage, message, err)
}

// TimeoutError creates a timeout error for a specific operation.
func TimeoutError(operation string) *AppError {
	message := "operation timed out"
	if operation != "" {
		message = fmt.Sprintf("%s timed out", operation)
	}
	return New(CodeTimeout, message)
}

// ServiceUnavailableError creates a service unavailable error.
func ServiceUnavailableError(service string) *AppError {
	message := "service unavailable"
	if service != "" {
		message = fmt.Sprintf("%s is unavailable", service)
	}
	return New(CodeUnavailable, message)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// IsCode reports whether any AppError in err's chain carries code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsNotFound checks if error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsConfig checks if error is a configuration error.
func IsConfig(err error) bool {
	return IsCode(err, CodeConfig)
}

// IsMissingShard checks if error is a missing shard error.
func IsMissingShard(err error) bool {
	return IsCode(err, CodeMissingShard)
}

// IsModel checks if error is a scoring model error.
func IsModel(err error) bool {
	return IsCode(err, CodeModel)
}

// IsDataConsistency checks if error is a data consistency error.
func IsDataConsistency(err error) bool {
	return IsCode(err, CodeDataConsistency)
}
