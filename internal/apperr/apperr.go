// Package apperr defines the error taxonomy shared by the ingestion and query
// paths. Handlers translate these kinds to HTTP status codes at the boundary;
// ingestion isolates them per (asset, metric) and never lets one asset abort
// another.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation covers malformed or out-of-range request input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound covers unknown assets or empty result sets on lookup paths.
	ErrNotFound = errors.New("not found")
	// ErrProviderTransient covers 5xx, 429, and network failures. Retried
	// internally; surfaces as 503 only if retries exhaust on a user request.
	ErrProviderTransient = errors.New("provider transient error")
	// ErrProviderPermanent covers non-429 4xx and response schema mismatches.
	// Never retried.
	ErrProviderPermanent = errors.New("provider permanent error")
	// ErrStorage covers database unavailability.
	ErrStorage = errors.New("storage error")
)

// Validationf wraps ErrValidation with a per-field message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Transientf wraps ErrProviderTransient.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProviderTransient, fmt.Sprintf(format, args...))
}

// Permanentf wraps ErrProviderPermanent.
func Permanentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProviderPermanent, fmt.Sprintf(format, args...))
}

// Storagef wraps ErrStorage.
func Storagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStorage, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error to the narrowest HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrProviderTransient), errors.Is(err, ErrStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrProviderPermanent):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
