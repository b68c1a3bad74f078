// Package serviceerr carries the coded error type shared by the fieldsync services.
package serviceerr

import (
	"errors"
	"fmt"
)

// Error pairs a stable "<operation>.<reason>" code with an optional cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" identifier.
func (e *Error) Code() string {
	return e.code
}

// New builds an Error for the operation and reason.
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &Error{code: code, err: cause}
}

// CodeOf extracts the code from err when it wraps an *Error.
func CodeOf(err error) string {
	var serviceError *Error
	if errors.As(err, &serviceError) {
		return serviceError.code
	}
	return ""
}
