package utils

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError wraps a panic value as an error
type PanicError struct {
	Value      interface{}
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// RecoverAsError recovers from a panic and converts it to an error.
// It should be called with defer at the beginning of a function.
// The errPtr should be a pointer to the error return value.
//
// Example:
//
//	func score() (err error) {
//	    defer RecoverAsError(&err)
//	    // ... code that might panic
//	}
func RecoverAsError(errPtr *error) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		*errPtr = &PanicError{
			Value:      r,
			StackTrace: stack,
		}
		slog.Error("Recovered from panic", "panic", r, "stack", stack)
	}
}

// Guard runs fn and converts a panic into a PanicError.
// It is meant for errgroup workers, which do not recover panics themselves.
func Guard(fn func() error) (err error) {
	defer RecoverAsError(&err)
	return fn()
}

// RecoverWithCallback recovers from a panic and calls the callback with the error.
// Useful when you can't use the error return pattern.
func RecoverWithCallback(callback func(error)) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		err := &PanicError{
			Value:      r,
			StackTrace: stack,
		}
		slog.Error("Recovered from panic", "panic", r, "stack", stack)
		if callback != nil {
			callback(err)
		}
	}
}

// SafeGo runs a function in a goroutine with panic recovery.
// Any panic is logged and passed to the optional error handler.
func SafeGo(fn func(), onError func(error)) {
	go func() {
		defer RecoverWithCallback(onError)
		fn()
	}()
}
