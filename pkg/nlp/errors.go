package nlp

import (
	"errors"
	"fmt"
)

// Common classifier client errors
var (
	// ErrRateLimit indicates the rate limit has been exceeded
	ErrRateLimit = errors.New("rate limit exceeded. Please try again later")

	// ErrEmptyResponse indicates the model returned an empty response
	ErrEmptyResponse = errors.New("the model returned an empty response")

	// ErrUnknownProvider indicates no factory is registered for a provider
	ErrUnknownProvider = errors.New("unknown classifier provider")
)

// RateLimitError represents a rate limit error with optional custom message
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return "rate limit exceeded. Please try again later"
	}
	return e.Message
}

// Is implements errors.Is support for RateLimitError.
func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok || target == ErrRateLimit
}

// NewRateLimitError creates a new rate limit error with optional custom message
func NewRateLimitError(message ...string) *RateLimitError {
	err := &RateLimitError{}
	if len(message) > 0 {
		err.Message = message[0]
	}
	return err
}

// EmptyResponseError represents an empty response error
type EmptyResponseError struct {
	Message string
}

func (e *EmptyResponseError) Error() string {
	return e.Message
}

// Is implements errors.Is support for EmptyResponseError.
func (e *EmptyResponseError) Is(target error) bool {
	_, ok := target.(*EmptyResponseError)
	return ok || target == ErrEmptyResponse
}

// NewEmptyResponseError creates a new empty response error (message is required)
func NewEmptyResponseError(message string) *EmptyResponseError {
	return &EmptyResponseError{Message: message}
}

// StatusError is returned when a model server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("model server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("model server returned status %d: %s", e.StatusCode, e.Detail)
}

// HTTPStatusCode returns the response status.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}
