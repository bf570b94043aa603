package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mpataki/circuits/internal/spec"
	"github.com/mpataki/circuits/internal/storage"
)

// ErrInvalidInput marks a malformed request: bad JSON or a bad path id.
var ErrInvalidInput = errors.New("invalid input")

// ErrorDTO is the body of every non-success response.
type ErrorDTO struct {
	Detail string `json:"detail"`
}

// HTTPError is an error with the status code it is served with.
type HTTPError struct {
	StatusCode int
	Err        error
}

func (e *HTTPError) Error() string {
	return e.Err.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// MapError maps a domain error to its HTTP status.
func MapError(err error) *HTTPError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &HTTPError{http.StatusNotFound, err}
	case errors.Is(err, spec.ErrInvalid):
		return &HTTPError{http.StatusUnprocessableEntity, err}
	case errors.Is(err, storage.ErrStaleWrite):
		return &HTTPError{http.StatusConflict, err}
	case errors.Is(err, ErrInvalidInput):
		return &HTTPError{http.StatusBadRequest, err}
	case errors.Is(err, context.DeadlineExceeded):
		return &HTTPError{http.StatusGatewayTimeout, err}
	default:
		return &HTTPError{http.StatusInternalServerError, err}
	}
}

// WriteError writes err as a {"detail": ...} response.
func WriteError(w http.ResponseWriter, err error) {
	httpErr := MapError(err)
	if httpErr == nil {
		return
	}
	writeJSON(w, httpErr.StatusCode, ErrorDTO{Detail: httpErr.Error()})
}

// statusError rebuilds the domain error for a response status so that a
// remote backend fails the same way the local store does.
func statusError(code int, detail string) error {
	if detail == "" {
		detail = http.StatusText(code)
	}
	var base error
	switch code {
	case http.StatusNotFound:
		base = storage.ErrNotFound
	case http.StatusUnprocessableEntity:
		base = spec.ErrInvalid
	case http.StatusConflict:
		base = storage.ErrStaleWrite
	case http.StatusBadRequest:
		base = ErrInvalidInput
	default:
		return &HTTPError{code, fmt.Errorf("server returned %d: %s", code, detail)}
	}
	return &HTTPError{code, fmt.Errorf("%s: %w", detail, base)}
}
