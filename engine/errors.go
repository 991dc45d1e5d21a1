package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable machine-readable error class.
type Code string

// Error codes surfaced by engine operations.
const (
	CodeAuthorization Code = "AUTHORIZATION"
	CodeValidation    Code = "VALIDATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeInvalidState  Code = "INVALID_STATE"
	CodeConcurrency   Code = "CONCURRENCY"
	CodeEngine        Code = "ENGINE"
	CodeExternal      Code = "EXTERNAL_SERVICE"
)

// Error is the typed failure every engine operation returns. Message is
// human-readable; Path optionally points at the offending structure
// (a form field, a definition step). Stack traces never leave the engine.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a typed engine error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the engine code from an error chain, or empty.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// FieldError is one form-field violation.
type FieldError struct {
	FieldKey string `json:"field_key"`
	Message  string `json:"message"`
}

// FormError aggregates field violations from a form submission.
type FormError struct {
	Fields []FieldError `json:"fields"`
}

func (e *FormError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.FieldKey, f.Message)
	}
	return "form validation failed: " + strings.Join(parts, "; ")
}

// AsEngineError converts any error into the typed form, mapping form
// errors to VALIDATION and unknown errors to ENGINE.
func AsEngineError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var fe *FormError
	if errors.As(err, &fe) {
		path := ""
		if len(fe.Fields) > 0 {
			path = fe.Fields[0].FieldKey
		}
		return &Error{Code: CodeValidation, Message: fe.Error(), Path: path}
	}
	return &Error{Code: CodeEngine, Message: err.Error()}
}
