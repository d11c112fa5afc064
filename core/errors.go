package core

import (
	"net/http"

	"github.com/pkg/errors"
)

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// APIError is returned when the remote API answered with a non-2xx status.
// Message is the human-readable message of the response body, if any.
type APIError struct {
	Status  int
	Message string
}

func NewAPIError(status int, msg string) error {
	return &APIError{Status: status, Message: msg}
}

func (err APIError) Error() string {
	if err.Message != "" {
		return err.Message
	}
	return http.StatusText(err.Status)
}

// AsAPIError returns the APIError at the root of err, if any.
func AsAPIError(err error) (*APIError, bool) {
	apiErr, ok := errors.Cause(err).(*APIError)
	return apiErr, ok
}

// IsNotFound reports whether err is a 404 from the remote API.
func IsNotFound(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Status == http.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 from the remote API.
func IsUnauthorized(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Status == http.StatusUnauthorized
}

// TransportError is returned when a request to the remote API never produced a response.
type TransportError struct {
	Op  string
	Err error
}

func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

func (err TransportError) Error() string {
	return err.Op + ": " + err.Err.Error()
}

func (err TransportError) Unwrap() error { return err.Err }

func IsTransportError(err error) bool {
	_, ok := errors.Cause(err).(*TransportError)
	return ok
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
