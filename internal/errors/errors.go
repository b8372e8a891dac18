// Package errors provides structured error handling for reachscan operations.
// It defines error codes and typed errors for configuration, scanning,
// geolocation and persistence failures, with helpers for classifying them.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"

	// Network and scanning errors.
	CodeUnsupportedAddressFamily ErrorCode = "UNSUPPORTED_ADDRESS_FAMILY"
	CodeHostUnreachable          ErrorCode = "HOST_UNREACHABLE"
	CodeScanFailed               ErrorCode = "SCAN_FAILED"
	CodeTargetInvalid            ErrorCode = "TARGET_INVALID"

	// Geolocation errors.
	CodeProviderFailed     ErrorCode = "PROVIDER_FAILED"
	CodeProvidersExhausted ErrorCode = "PROVIDERS_EXHAUSTED"

	// Persistence errors.
	CodePersistenceConnection ErrorCode = "PERSISTENCE_CONNECTION"
	CodePersistenceWrite      ErrorCode = "PERSISTENCE_WRITE"
	CodePersistencePartial    ErrorCode = "PERSISTENCE_PARTIAL"
	CodePersistenceMigration  ErrorCode = "PERSISTENCE_MIGRATION"
)

// ScanError represents an error that occurred during scanning operations.
type ScanError struct {
	Code    ErrorCode
	Message string
	Target  string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// GeolocationError represents a failed country lookup. The resolver itself
// never returns one; callers that want provider exhaustion to be an error
// build it with ErrProvidersExhausted.
type GeolocationError struct {
	Code     ErrorCode
	Message  string
	Provider string
	IP       string
	Cause    error
}

// Error implements the error interface.
func (e *GeolocationError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Provider != "" {
		msg = fmt.Sprintf("%s (provider: %s)", msg, e.Provider)
	}
	if e.IP != "" {
		msg = fmt.Sprintf("%s (ip: %s)", msg, e.IP)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *GeolocationError) Unwrap() error {
	return e.Cause
}

// WrapGeolocationError wraps a provider failure.
func WrapGeolocationError(provider, ip string, err error) *GeolocationError {
	return &GeolocationError{
		Code:     CodeProviderFailed,
		Message:  "Geolocation provider failed",
		Provider: provider,
		IP:       ip,
		Cause:    err,
	}
}

// PersistenceError represents storage-related errors.
type PersistenceError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Failed    int
	Total     int
	Cause     error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation: %s)", msg, e.Operation)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// NewPersistenceError creates a new persistence error.
func NewPersistenceError(code ErrorCode, message string) *PersistenceError {
	return &PersistenceError{
		Code:    code,
		Message: message,
	}
}

// WrapPersistenceError wraps an existing error as a persistence error.
func WrapPersistenceError(code ErrorCode, message string, err error) *PersistenceError {
	return &PersistenceError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field: %s)", msg, e.Field)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from the first typed error in the chain.
func GetCode(err error) ErrorCode {
	var scanErr *ScanError
	if stderrors.As(err, &scanErr) {
		return scanErr.Code
	}
	var geoErr *GeolocationError
	if stderrors.As(err, &geoErr) {
		return geoErr.Code
	}
	var persistErr *PersistenceError
	if stderrors.As(err, &persistErr) {
		return persistErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodePersistenceConnection, CodePersistenceWrite, CodePersistencePartial, CodeScanFailed:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeValidation, CodePersistenceMigration:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrUnsupportedAddressFamily creates an error for non-IPv4 input.
func ErrUnsupportedAddressFamily(target string) *ScanError {
	return NewScanErrorWithTarget(CodeUnsupportedAddressFamily, "Only IPv4 addresses are supported", target)
}

// ErrInvalidTarget creates an error for unparseable scan targets.
func ErrInvalidTarget(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "Invalid target specification", target)
}

// ErrProvidersExhausted creates an error for a lookup where every provider failed.
func ErrProvidersExhausted(ip string) *GeolocationError {
	return &GeolocationError{
		Code:    CodeProvidersExhausted,
		Message: "All geolocation providers failed",
		IP:      ip,
	}
}

// ErrPersistenceConnection creates an error for storage connection failures.
func ErrPersistenceConnection(err error) *PersistenceError {
	return WrapPersistenceError(CodePersistenceConnection, "Failed to connect to storage", err)
}

// ErrPartialBatch creates an error for a batch where some records failed.
func ErrPartialBatch(failed, total int, lastErr error) *PersistenceError {
	return &PersistenceError{
		Code:      CodePersistencePartial,
		Message:   fmt.Sprintf("%d out of %d records failed to store", failed, total),
		Operation: "store results",
		Failed:    failed,
		Total:     total,
		Cause:     lastErr,
	}
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
