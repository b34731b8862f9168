package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeApplication   ErrorType = "application"
	ErrorTypeAgent         ErrorType = "agent"
	ErrorTypeProcess       ErrorType = "process"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeIO            ErrorType = "io"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeCancelled     ErrorType = "cancelled"
)

// Context keys shared across packages
const (
	ContextKeyField    = "field"
	ContextKeyExitCode = "exit_code"
	ContextKeyCommand  = "command"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ContextString renders the context map as sorted key=value pairs
func (e *DomainError) ContextString() string {
	if len(e.Context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
	}
	return strings.Join(parts, " ")
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewConfigurationError creates an error for an invalid or missing configuration field
func NewConfigurationError(field, message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfiguration, message, cause).WithContext(ContextKeyField, field)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewApplicationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeApplication, message, cause)
}

func NewAgentError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeAgent, message, cause)
}

// NewAgentExitedError reports that the agent process terminated on its own.
// The exit code is propagated as the supervisor's own exit code.
func NewAgentExitedError(exitCode int, cause error) *DomainError {
	return NewDomainError(ErrorTypeAgent, "agent process exited unexpectedly", cause).
		WithContext(ContextKeyExitCode, exitCode)
}

// NewProcessError creates an error for a generic spawn/execution failure
func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Error checking helpers
func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsConfigurationError(err error) bool { return isType(err, ErrorTypeConfiguration) }
func IsNetworkError(err error) bool       { return isType(err, ErrorTypeNetwork) }
func IsApplicationError(err error) bool   { return isType(err, ErrorTypeApplication) }
func IsAgentError(err error) bool         { return isType(err, ErrorTypeAgent) }
func IsProcessError(err error) bool       { return isType(err, ErrorTypeProcess) }
func IsTimeoutError(err error) bool       { return isType(err, ErrorTypeTimeout) }
func IsValidationError(err error) bool    { return isType(err, ErrorTypeValidation) }
func IsIOError(err error) bool            { return isType(err, ErrorTypeIO) }
func IsInternalError(err error) bool      { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool     { return isType(err, ErrorTypeCancelled) }

// ContextValue looks up a context value on the outermost DomainError that carries it
func ContextValue(err error, key string) (interface{}, bool) {
	for err != nil {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) {
			return nil, false
		}
		if v, ok := domainErr.Context[key]; ok {
			return v, true
		}
		err = domainErr.Cause
	}
	return nil, false
}

// ExitCode maps an error returned by the orchestrator to the process exit code:
// 0 for nil, the agent's own code for an agent exit, 1 for everything else.
// Zero is reserved for graceful shutdown, so an agent that exits 0 on its own
// still yields 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Type == ErrorTypeAgent {
		if v, ok := domainErr.Context[ContextKeyExitCode]; ok {
			if code, ok := v.(int); ok && code > 0 {
				return code
			}
		}
	}
	return 1
}

// ErrorCollection aggregates errors for bulk operations such as teardown
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
