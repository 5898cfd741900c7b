package nv40

import (
	"fmt"
	"net/http"
)

// Error is a sentinel error from this package
type Error string

func (e Error) Error() string {
	return string(e)
}

// StatusCode maps the error to an HTTP status for generichttp.Error
func (e Error) StatusCode() int {
	if e == ErrMalformedResponse {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

const (
	// ErrInvalidConfiguration is returned for an unknown model, or for
	// closed loop operations on a model without closed loop hardware
	ErrInvalidConfiguration = Error("invalid configuration")

	// ErrInvalidChannel is returned for channels other than 0, 1, 2 (z, y, x)
	ErrInvalidChannel = Error("invalid channel")

	// ErrInvalidValue is returned for NaN or infinite setpoints, which the
	// controller cannot parse
	ErrInvalidValue = Error("invalid value")

	// ErrMalformedResponse is matched by errors.Is for every
	// *MalformedResponseError
	ErrMalformedResponse = Error("malformed response")
)

// MalformedResponseError is returned when the controller did not produce a
// parseable measurement within the allowed number of attempts
type MalformedResponseError struct {
	// Response is the last raw response seen
	Response string

	// Attempts is how many exchanges were made
	Attempts int

	// Err is the parse failure of the last attempt
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response %q after %d attempts: %v", e.Response, e.Attempts, e.Err)
}

// Is makes errors.Is(err, ErrMalformedResponse) true
func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// Unwrap returns the parse failure
func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// StatusCode maps the error to an HTTP status for generichttp.Error
func (e *MalformedResponseError) StatusCode() int {
	return http.StatusBadGateway
}
