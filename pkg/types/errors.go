package types

import (
	"errors"
	"fmt"
)

// Detection error kinds. Every failure aborts the whole request.
var (
	// ErrInvalidRequest indicates a malformed request, such as a missing answer.
	ErrInvalidRequest = errors.New("invalid detection request")

	// ErrInvalidParameter indicates a threshold, stride or budget outside its valid range.
	ErrInvalidParameter = errors.New("invalid detection parameter")

	// ErrModelAdapter indicates the classifier failed or returned malformed probabilities.
	ErrModelAdapter = errors.New("model adapter failure")

	// ErrCanceled indicates the request was canceled before completion.
	ErrCanceled = errors.New("detection canceled")
)

// RequestError describes an invalid request field.
type RequestError struct {
	Field   string
	Message string
}

func (e *RequestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid request field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid request: %s", e.Message)
}

// Is implements errors.Is support for RequestError.
func (e *RequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// NewRequestError creates a new RequestError.
func NewRequestError(field, message string) *RequestError {
	return &RequestError{Field: field, Message: message}
}

// ParameterError describes a configuration input outside its valid range.
type ParameterError struct {
	Name    string
	Value   any
	Message string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s=%v: %s", e.Name, e.Value, e.Message)
}

// Is implements errors.Is support for ParameterError.
func (e *ParameterError) Is(target error) bool {
	return target == ErrInvalidParameter
}

// NewParameterError creates a new ParameterError.
func NewParameterError(name string, value any, message string) *ParameterError {
	return &ParameterError{Name: name, Value: value, Message: message}
}

// AdapterError wraps a classifier failure. Window is -1 when the failure is
// not tied to a single window.
type AdapterError struct {
	Adapter string
	Window  int
	Message string
	Err     error
}

func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("model adapter %q", e.Adapter)
	if e.Window >= 0 {
		msg += fmt.Sprintf(" window %d", e.Window)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is implements errors.Is support for AdapterError.
func (e *AdapterError) Is(target error) bool {
	return target == ErrModelAdapter
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError.
func NewAdapterError(adapter string, window int, message string, err error) *AdapterError {
	return &AdapterError{Adapter: adapter, Window: window, Message: message, Err: err}
}

// CanceledError records the stage at which a request was abandoned.
// It unwraps to the context error so errors.Is(err, context.Canceled) holds.
type CanceledError struct {
	Stage string
	Err   error
}

func (e *CanceledError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("detection canceled during %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("detection canceled during %s", e.Stage)
}

// Is implements errors.Is support for CanceledError.
func (e *CanceledError) Is(target error) bool {
	return target == ErrCanceled
}

func (e *CanceledError) Unwrap() error {
	return e.Err
}

// NewCanceledError creates a new CanceledError.
func NewCanceledError(stage string, err error) *CanceledError {
	return &CanceledError{Stage: stage, Err: err}
}
