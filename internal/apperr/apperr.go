// Package apperr is the switch runtime's standardized application error:
// a structured error carrying a stable code, the component/operation it
// came from, and optional metadata for structured logging. It is
// distinct from the matchtable package's typed ErrCode, which is the
// table API's result contract, not a logging concern.
package apperr

import (
	"fmt"
	"runtime"
	"time"
)

// Severity classifies how urgently an error needs operator attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

const (
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeConfigNotFound    = "CONFIG_NOT_FOUND"
	CodeConfigWatchFailed = "CONFIG_WATCH_FAILED"
	CodeAuditConnectError = "AUDIT_CONNECT_FAILED"
	CodeTableFull         = "TABLE_FULL"
	CodeTableNotFound     = "TABLE_NOT_FOUND"
	CodeProfileNotFound   = "PROFILE_NOT_FOUND"
	CodeCheckpointFailed  = "CHECKPOINT_FAILED"
	CodeAuditPublishError = "AUDIT_PUBLISH_FAILED"
	CodeControlPlaneBad   = "CONTROL_PLANE_BAD_REQUEST"
)

// Error is the runtime's structured error type.
type Error struct {
	Code       string
	Message    string
	Component  string
	Operation  string
	Cause      error
	StackTrace string
	Metadata   map[string]interface{}
	Timestamp  time.Time
	Severity   Severity
}

// New builds an Error with default (medium) severity, stamping the
// caller's file:line.
func New(code, component, operation, message string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
		Severity:   SeverityMedium,
	}
}

// NewCritical builds an Error already marked critical.
func NewCritical(code, component, operation, message string) *Error {
	e := New(code, component, operation, message)
	e.Severity = SeverityCritical
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap sets the underlying cause and returns e for chaining.
func (e *Error) Wrap(cause error) *Error {
	e.Cause = cause
	return e
}

// WithMetadata attaches one structured-logging field and returns e.
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Fields renders e as a flat map suitable for logrus.WithFields.
func (e *Error) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"error_code":      e.Code,
		"error_component": e.Component,
		"error_operation":  e.Operation,
		"error_severity":  string(e.Severity),
	}
	for k, v := range e.Metadata {
		f["meta_"+k] = v
	}
	return f
}
