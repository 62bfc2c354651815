// Package errors provides structured error handling for hybridmem
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/memtensor/hybridmem/pkg/types"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Identity errors
	ErrCodeIdentityMissing ErrorCode = "IDENTITY_MISSING"

	// Resource errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// System errors
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"

	// Store errors
	ErrCodeStoreError       ErrorCode = "STORE_ERROR"
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeQueryFailed      ErrorCode = "QUERY_FAILED"

	// Engine stage errors
	ErrCodeClassification ErrorCode = "CLASSIFICATION_FAILED"
	ErrCodeCache          ErrorCode = "CACHE_ERROR"
	ErrCodeConsolidation  ErrorCode = "CONSOLIDATION_FAILED"

	// LLM errors
	ErrCodeLLMError    ErrorCode = "LLM_ERROR"
	ErrCodeLLMAPIError ErrorCode = "LLM_API_ERROR"

	// Configuration errors
	ErrCodeConfigError    ErrorCode = "CONFIG_ERROR"
	ErrCodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG_INVALID"
)

// EngineError represents a structured error raised by the engine
type EngineError struct {
	Type    types.ErrorType        `json:"type"`
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewEngineError creates a new engine error
func NewEngineError(errType types.ErrorType, code ErrorCode, message string) *EngineError {
	return &EngineError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// NewEngineErrorWithCause creates a new engine error with a cause
func NewEngineErrorWithCause(errType types.ErrorType, code ErrorCode, message string, cause error) *EngineError {
	return &EngineError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Validation error constructors
func NewValidationError(message string) *EngineError {
	return NewEngineError(types.ErrorTypeValidation, ErrCodeValidation, message)
}

func NewInvalidInputError(message string) *EngineError {
	return NewEngineError(types.ErrorTypeValidation, ErrCodeInvalidInput, message)
}

func NewMissingFieldError(field string) *EngineError {
	return NewEngineError(types.ErrorTypeValidation, ErrCodeMissingField,
		fmt.Sprintf("missing required field: %s", field)).WithDetail("field", field)
}

// NewIdentityError reports that no usable owner identifier was supplied
func NewIdentityError(operation string) *EngineError {
	return NewEngineError(types.ErrorTypeIdentity, ErrCodeIdentityMissing,
		fmt.Sprintf("%s requires a subject or user identifier", operation)).WithDetail("operation", operation)
}

// Resource error constructors
func NewNotFoundError(resource string) *EngineError {
	return NewEngineError(types.ErrorTypeNotFound, ErrCodeNotFound,
		fmt.Sprintf("%s not found", resource)).WithDetail("resource", resource)
}

// System error constructors
func NewInternalError(message string) *EngineError {
	return NewEngineError(types.ErrorTypeInternal, ErrCodeInternal, message)
}

func NewInternalErrorWithCause(message string, cause error) *EngineError {
	return NewEngineErrorWithCause(types.ErrorTypeInternal, ErrCodeInternal, message, cause)
}

func NewServiceUnavailableError(service string) *EngineError {
	return NewEngineError(types.ErrorTypeInternal, ErrCodeServiceUnavailable,
		fmt.Sprintf("%s service is unavailable", service)).WithDetail("service", service)
}

func NewTimeoutError(operation string) *EngineError {
	return NewEngineError(types.ErrorTypeInternal, ErrCodeTimeout,
		fmt.Sprintf("%s operation timed out", operation)).WithDetail("operation", operation)
}

// Store error constructors
func NewStoreError(message string, cause error) *EngineError {
	return NewEngineErrorWithCause(types.ErrorTypeExternal, ErrCodeStoreError, message, cause)
}

func NewConnectionFailedError(target string, cause error) *EngineError {
	return NewEngineErrorWithCause(types.ErrorTypeExternal, ErrCodeConnectionFailed,
		fmt.Sprintf("failed to connect to %s", target), cause).WithDetail("target", target)
}

func NewQueryFailedError(query string, cause error) *EngineError {
	return NewEngineErrorWithCause(types.ErrorTypeExternal, ErrCodeQueryFailed,
		"query execution failed", cause).WithDetail("query", query)
}

// Engine stage error constructors
func NewClassificationError(message string, cause error) *EngineError {
	return NewEngineErrorWithCause(types.ErrorTypeExternal, ErrCodeClassification, message, cause)
}

func NewCacheError(message string, cause error) *EngineError {
	return NewEngineErrorWithCause(types.ErrorTypeInternal, ErrCodeCache, message, cause)
}

func NewConsolidationError(message string, cause error) *EngineError {
	return NewEngineErrorWithCause(types.ErrorTypeInternal, ErrCodeConsolidation, message, cause)
}

// LLM error constructors
func NewLLMError(message string) *EngineError {
	return NewEngineError(types.ErrorTypeExternal, ErrCodeLLMError, message)
}

func NewLLMAPIError(message string, cause error) *EngineError {
	return NewEngineErrorWithCause(types.ErrorTypeExternal, ErrCodeLLMAPIError, message, cause)
}

// Configuration error constructors
func NewConfigError(message string) *EngineError {
	return NewEngineError(types.ErrorTypeValidation, ErrCodeConfigError, message)
}

func NewConfigNotFoundError(configPath string) *EngineError {
	return NewEngineError(types.ErrorTypeNotFound, ErrCodeConfigNotFound,
		fmt.Sprintf("configuration file not found: %s", configPath)).WithDetail("config_path", configPath)
}

func NewConfigInvalidError(message string) *EngineError {
	return NewEngineError(types.ErrorTypeValidation, ErrCodeConfigInvalid, message)
}

// IsEngineError checks if an error is an EngineError anywhere in its chain
func IsEngineError(err error) bool {
	return GetEngineError(err) != nil
}

// GetEngineError extracts the first EngineError from an error chain
func GetEngineError(err error) *EngineError {
	var engineErr *EngineError
	if stderrors.As(err, &engineErr) {
		return engineErr
	}
	return nil
}

// HasCode reports whether err carries code
func HasCode(err error, code ErrorCode) bool {
	e := GetEngineError(err)
	return e != nil && e.Code == code
}

// IsIdentityError reports whether err is an identity error
func IsIdentityError(err error) bool {
	return HasCode(err, ErrCodeIdentityMissing)
}

// IsConfigError reports whether err is a configuration error
func IsConfigError(err error) bool {
	e := GetEngineError(err)
	if e == nil {
		return false
	}
	switch e.Code {
	case ErrCodeConfigError, ErrCodeConfigInvalid, ErrCodeConfigNotFound:
		return true
	}
	return false
}

// WrapError wraps an error as an EngineError
func WrapError(err error, errType types.ErrorType, code ErrorCode, message string) *EngineError {
	return NewEngineErrorWithCause(errType, code, message, err)
}

// ErrorList represents a list of errors
type ErrorList struct {
	Errors []*EngineError `json:"errors"`
}

// Error implements the error interface
func (el *ErrorList) Error() string {
	var messages []string
	for _, err := range el.Errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// Add adds an error to the list
func (el *ErrorList) Add(err *EngineError) {
	el.Errors = append(el.Errors, err)
}

// HasErrors returns true if there are errors
func (el *ErrorList) HasErrors() bool {
	return len(el.Errors) > 0
}

// ToError returns the ErrorList as an error if it has errors, otherwise nil
func (el *ErrorList) ToError() error {
	if el.HasErrors() {
		return el
	}
	return nil
}

// NewErrorList creates a new error list
func NewErrorList() *ErrorList {
	return &ErrorList{
		Errors: make([]*EngineError, 0),
	}
}
