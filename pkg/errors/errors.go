// Package errors provides structured error handling for pljs.
//
// Two kinds of error cross the engine/host boundary:
//   - Script errors: JavaScript syntax or runtime exceptions, carrying a
//     message plus an optional reconstructed source-location detail.
//   - Host errors: relational-layer failures (catalog lookups, query
//     execution, disallowed types), propagated unchanged as ordinary
//     wrapped Go errors.
//
// Both are represented by *Error; IsScript distinguishes them. Error codes
// follow a hierarchical scheme:
//   - 1xxx: Configuration errors
//   - 2xxx: Catalog errors
//   - 3xxx: Compilation/validation errors
//   - 4xxx: Execution errors
//   - 5xxx: Conversion errors
//   - 6xxx: Storage errors
//   - 9xxx: Internal errors
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is a numeric error code for programmatic handling.
type Code int

// Error codes by category
const (
	// Configuration errors (1xxx)
	ErrCodeConfigInvalid Code = 1001
	ErrCodeConfigParse   Code = 1002

	// Catalog errors (2xxx)
	ErrCodeFuncNotFound   Code = 2001
	ErrCodeCatalogLookup  Code = 2002
	ErrCodeCatalogInvalid Code = 2003

	// Compilation/validation errors (3xxx)
	ErrCodeCompileFailed    Code = 3001
	ErrCodeDisallowedType   Code = 3002
	ErrCodeTriggerArgs      Code = 3003
	ErrCodeStartProcFailed  Code = 3004
	ErrCodeModuleLoadFailed Code = 3005

	// Execution errors (4xxx)
	ErrCodeScriptException Code = 4001
	ErrCodeSessionFailed   Code = 4002
	ErrCodeNoRowSink       Code = 4003
	ErrCodeEnvReleased     Code = 4004

	// Conversion errors (5xxx)
	ErrCodeConvertValue Code = 5001
	ErrCodeConvertRow   Code = 5002

	// Storage errors (6xxx)
	ErrCodeStorageConnect Code = 6001
	ErrCodeStorageQuery   Code = 6002
	ErrCodeStorageExec    Code = 6003

	// Internal errors (9xxx)
	ErrCodeInternal Code = 9001
)

// String returns the error code as a string.
func (c Code) String() string {
	return fmt.Sprintf("E%04d", c)
}

// Category returns the category for this code.
func (c Code) Category() string {
	switch {
	case c >= 1000 && c < 2000:
		return "configuration"
	case c >= 2000 && c < 3000:
		return "catalog"
	case c >= 3000 && c < 4000:
		return "compilation"
	case c >= 4000 && c < 5000:
		return "execution"
	case c >= 5000 && c < 6000:
		return "conversion"
	case c >= 6000 && c < 7000:
		return "storage"
	case c >= 9000:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a structured error with code, context, and optional cause.
type Error struct {
	Code    Code
	Message string

	// Detail holds the reconstructed source location for script errors
	// ("fn() LINE 3: ..."), empty otherwise.
	Detail string

	// Script marks errors raised by the scripting engine, as opposed to
	// host (relational-layer) errors.
	Script bool

	// Context
	Fields map[string]interface{}

	// Error chain
	Cause error

	Time   time.Time
	OpName string // Operation that failed (e.g. "ProcCache.GetOrCompile")
}

// Error implements the error interface.
func (e *Error) Error() string {
	var buf strings.Builder

	buf.WriteString(e.Code.String())
	buf.WriteString(": ")
	buf.WriteString(e.Message)

	if e.Detail != "" {
		buf.WriteString(" (")
		buf.WriteString(e.Detail)
		buf.WriteString(")")
	}

	if e.Cause != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Cause.Error())
	}

	return buf.String()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithField adds a context field to the error.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithOp sets the operation name.
func (e *Error) WithOp(op string) *Error {
	e.OpName = op
	return e
}

// Builder helps construct errors fluently.
type Builder struct {
	code    Code
	message string
	detail  string
	script  bool
	cause   error
	fields  map[string]interface{}
	op      string
}

// New starts building a new error with the given code.
func New(code Code, message string) *Builder {
	return &Builder{code: code, message: message}
}

// Newf starts building a new error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Builder {
	return &Builder{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and message.
func Wrap(cause error, code Code, message string) *Builder {
	return &Builder{code: code, message: message, cause: cause}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(cause error, code Code, format string, args ...interface{}) *Builder {
	return &Builder{code: code, message: fmt.Sprintf(format, args...), cause: cause}
}

// Script creates a script-kind error with the given message, stripping a
// redundant "Error: " prefix produced when user code wraps another Error.
func Script(code Code, message string) *Builder {
	return &Builder{code: code, message: StripErrorPrefix(message), script: true}
}

// StripErrorPrefix removes a leading "Error: " from a message.
func StripErrorPrefix(msg string) string {
	return strings.TrimPrefix(msg, "Error: ")
}

// WithDetail sets the source-location detail.
func (b *Builder) WithDetail(detail string) *Builder {
	b.detail = detail
	return b
}

// WithCause adds a cause to the error.
func (b *Builder) WithCause(err error) *Builder {
	b.cause = err
	return b
}

// WithField adds a context field.
func (b *Builder) WithField(key string, value interface{}) *Builder {
	if b.fields == nil {
		b.fields = make(map[string]interface{})
	}
	b.fields[key] = value
	return b
}

// WithOp sets the operation name.
func (b *Builder) WithOp(op string) *Builder {
	b.op = op
	return b
}

// Build creates the Error.
func (b *Builder) Build() *Error {
	return &Error{
		Code:    b.code,
		Message: b.message,
		Detail:  b.detail,
		Script:  b.script,
		Cause:   b.cause,
		Fields:  b.fields,
		OpName:  b.op,
		Time:    time.Now(),
	}
}

// Err is a shorthand for Build() that returns error interface.
func (b *Builder) Err() error {
	return b.Build()
}

// Helper constructors for common cases

// NotFound creates a "not found" error for the given entity.
func NotFound(entity, identifier string) *Builder {
	return Newf(ErrCodeFuncNotFound, "%s not found: %s", entity, identifier).
		WithField("entity", entity).
		WithField("identifier", identifier)
}

// Internal creates an internal error for unexpected conditions.
func Internal(msg string) *Builder {
	return New(ErrCodeInternal, msg)
}

// Extraction helpers

// GetCode extracts the error code from an error, or returns ErrCodeInternal.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// GetDetail extracts the source-location detail from an error.
func GetDetail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}

// IsScript reports whether an error originated in the scripting engine.
func IsScript(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Script
	}
	return false
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// Standard library compatibility

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
