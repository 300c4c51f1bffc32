// Package errors provides the structured error type used across rescache, with
// error codes, categories and component/operation context.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode represents a structured error code.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Cache admission and resources
	ErrCodeEntryTooLarge     ErrorCode = "ENTRY_TOO_LARGE"
	ErrCodeMemoryUnavailable ErrorCode = "MEMORY_UNAVAILABLE"

	// Content loading
	ErrCodeLoadFailed         ErrorCode = "LOAD_FAILED"
	ErrCodeDecodeFailed       ErrorCode = "DECODE_FAILED"
	ErrCodeUnknownPlaceholder ErrorCode = "UNKNOWN_PLACEHOLDER"

	// Analytics sink
	ErrCodeSinkFailed      ErrorCode = "SINK_FAILED"
	ErrCodeSinkUnavailable ErrorCode = "SINK_UNAVAILABLE"

	// Storage
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"

	// State and internal
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryResource      ErrorCategory = "resource"
	CategoryLoader        ErrorCategory = "loader"
	CategorySink          ErrorCategory = "sink"
	CategoryStorage       ErrorCategory = "storage"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:      CategoryConfiguration,
	ErrCodeConfigLoad:         CategoryConfiguration,
	ErrCodeConfigValidation:   CategoryConfiguration,
	ErrCodeEntryTooLarge:      CategoryResource,
	ErrCodeMemoryUnavailable:  CategoryResource,
	ErrCodeLoadFailed:         CategoryLoader,
	ErrCodeDecodeFailed:       CategoryLoader,
	ErrCodeUnknownPlaceholder: CategoryLoader,
	ErrCodeSinkFailed:         CategorySink,
	ErrCodeSinkUnavailable:    CategorySink,
	ErrCodeObjectNotFound:     CategoryStorage,
	ErrCodeStorageRead:        CategoryStorage,
	ErrCodeStorageWrite:       CategoryStorage,
	ErrCodeAlreadyStarted:     CategoryState,
}

// retryable lists the codes a caller may reasonably retry.
var retryable = map[ErrorCode]bool{
	ErrCodeStorageRead:     true,
	ErrCodeStorageWrite:    true,
	ErrCodeSinkFailed:      true,
	ErrCodeSinkUnavailable: true,
}

// RescacheError represents a structured error with context and metadata.
type RescacheError struct {
	Code      ErrorCode              `json:"code"`
	Category  ErrorCategory          `json:"category"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Component string                 `json:"component,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Retryable bool                   `json:"retryable"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

// NewError creates a new error with category and retry defaults derived from the code.
func NewError(code ErrorCode, message string) *RescacheError {
	return &RescacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Details:   make(map[string]interface{}),
		Retryable: retryable[code],
		Timestamp: time.Now(),
	}
}

// Wrap creates a new error with the given cause.
func Wrap(cause error, code ErrorCode, message string) *RescacheError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if category, ok := categories[code]; ok {
		return category
	}
	return CategoryInternal
}

// Error implements the error interface.
func (e *RescacheError) Error() string {
	var sb strings.Builder
	if e.Component != "" {
		sb.WriteString("[")
		sb.WriteString(e.Component)
		if e.Operation != "" {
			sb.WriteString(":")
			sb.WriteString(e.Operation)
		}
		sb.WriteString("] ")
	}
	sb.WriteString(string(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *RescacheError) Unwrap() error {
	return e.Cause
}

// Is matches any RescacheError carrying the same code.
func (e *RescacheError) Is(target error) bool {
	if t, ok := target.(*RescacheError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *RescacheError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("RescacheError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *RescacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// WithDetail adds detailed information to an error
func (e *RescacheError) WithDetail(key string, value interface{}) *RescacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *RescacheError) WithComponent(component string) *RescacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *RescacheError) WithOperation(operation string) *RescacheError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *RescacheError) WithCause(cause error) *RescacheError {
	e.Cause = cause
	return e
}

// HasCode reports whether err (or anything it wraps) is a RescacheError with code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &RescacheError{Code: code})
}

// CodeOf returns the code of the outermost RescacheError in err's chain, or
// ErrCodeInternalError when there is none.
func CodeOf(err error) ErrorCode {
	var re *RescacheError
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternalError
}
