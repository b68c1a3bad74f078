package mutations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a dispatch failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindClient     ErrorKind = "client"
	KindTransient  ErrorKind = "transient"
	KindConflict   ErrorKind = "conflict"
	KindAuth       ErrorKind = "auth"
	KindCapacity   ErrorKind = "capacity"
	KindNotFound   ErrorKind = "not_found"
)

// Retryable reports whether a failure of this kind is worth another attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindCapacity
}

// RemoteError is a classified failure from the entity mutation API.
type RemoteError struct {
	Kind       ErrorKind
	Status     int
	Code       string
	ConflictID string
	Err        error
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	message := fmt.Sprintf("mutations: remote %s", e.Kind)
	if e.Status != 0 {
		message = fmt.Sprintf("%s (status %d)", message, e.Status)
	}
	if e.Code != "" {
		message = fmt.Sprintf("%s: %s", message, e.Code)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}
	return message
}

func (e *RemoteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClassifyStatus maps an HTTP status to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindCapacity
	case status == http.StatusRequestTimeout:
		return KindTransient
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 400 && status < 500:
		return KindClient
	default:
		return KindTransient
	}
}

// KindOf classifies any dispatch error. Unclassified errors are treated as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Kind
	}
	if errors.Is(err, ErrInvalidMutation) {
		return KindValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

func conflictIDOf(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.ConflictID
	}
	return ""
}
