// Package toolerrors provides the structured error type capabilities return
// when an invocation fails. Every ToolError carries a Class telling the loop
// whether the failure is transient (surfaced to the reasoning step so it can
// retry or change strategy) or fatal (terminates the run).
package toolerrors

import (
	"errors"
	"fmt"
)

// Class classifies a capability failure.
type Class string

const (
	// ClassRetryable marks transient failures such as rate limiting or I/O
	// hiccups. The run continues and the failure becomes an observation.
	ClassRetryable Class = "retryable"
	// ClassFatal marks failures that must terminate the run.
	ClassFatal Class = "fatal"
)

// ToolError is a capability failure with a human readable message, a
// classification and an optional cause chain. The chain is kept as ToolErrors
// so it survives serialization across delegated child runs while errors.Is
// and errors.As keep working through Unwrap.
type ToolError struct {
	// Message is a summary safe to show to the reasoning provider.
	Message string
	// Class is the failure classification. The zero value is treated as fatal.
	Class Class
	// Cause links to the underlying failure.
	Cause *ToolError
}

// Retryable returns a transient ToolError wrapping cause.
func Retryable(message string, cause error) *ToolError {
	return newError(message, ClassRetryable, cause)
}

// Fatal returns a non-retryable ToolError wrapping cause.
func Fatal(message string, cause error) *ToolError {
	return newError(message, ClassFatal, cause)
}

// Retryablef formats a transient ToolError.
func Retryablef(format string, args ...any) *ToolError {
	return newError(fmt.Sprintf(format, args...), ClassRetryable, nil)
}

// Fatalf formats a fatal ToolError.
func Fatalf(format string, args ...any) *ToolError {
	return newError(fmt.Sprintf(format, args...), ClassFatal, nil)
}

// FromError converts err into a ToolError chain. Errors that already contain a
// ToolError are returned as is; anything else becomes an unclassified chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// ClassOf reports the classification of err: the first classified ToolError in
// the chain wins and unclassified errors are fatal.
func ClassOf(err error) Class {
	for te := FromError(err); te != nil; te = te.Cause {
		if te.Class != "" {
			return te.Class
		}
	}
	return ClassFatal
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	return err != nil && ClassOf(err) == ClassRetryable
}

// Error implements error.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the cause.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

func newError(message string, class Class, cause error) *ToolError {
	if message == "" {
		if cause != nil {
			message = cause.Error()
		} else {
			message = "capability error"
		}
	}
	return &ToolError{Message: message, Class: class, Cause: FromError(cause)}
}
