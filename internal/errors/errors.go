// Package errors provides error values that carry an operation, a component
// and the stack at which they were created, and maps them onto HTTP status
// codes for the job API.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/copyleftdev/paramtune/internal/objective"
	"github.com/copyleftdev/paramtune/internal/optimization"
)

var (
	// ErrNotFound marks a lookup of a job that does not exist.
	ErrNotFound = stderrors.New("not found")
	// ErrInvalidRequest marks a malformed request body or parameter.
	ErrInvalidRequest = stderrors.New("invalid request")
	// ErrConflict marks an operation that does not apply to the job's state.
	ErrConflict = stderrors.New("conflict")
	// ErrUnavailable marks a request refused because the service is at capacity.
	ErrUnavailable = stderrors.New("unavailable")
)

// Error represents an error with context and stack trace.
type Error struct {
	// The underlying error that was returned
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// The stack trace
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var builder strings.Builder

	if e.Component != "" {
		builder.WriteString(e.Component)
	}
	if e.Operation != "" {
		if builder.Len() > 0 {
			builder.WriteString(" ")
		}
		builder.WriteString(e.Operation)
	}
	if e.Message != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Message)
	}
	if e.Err != nil {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error with a message.
func New(msg string) *Error {
	return &Error{
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Wrap wraps an error with additional context. An *Error being wrapped keeps
// its stack.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}

	e := &Error{Err: err, Message: msg}
	var inner *Error
	if stderrors.As(err, &inner) && len(inner.Stack) > 0 {
		e.Stack = inner.Stack
	} else {
		e.Stack = getStackTrace()
	}
	return e
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, getStackTrace, and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// HTTPStatus maps err onto the status code the job API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case Is(err, ErrNotFound):
		return http.StatusNotFound
	case Is(err, ErrConflict):
		return http.StatusConflict
	case Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case Is(err, ErrInvalidRequest),
		Is(err, optimization.ErrInvalidConfig),
		Is(err, objective.ErrUnknownObjective),
		Is(err, objective.ErrInvalidExpression):
		return http.StatusBadRequest
	case Is(err, optimization.ErrCalibrationDegenerate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
