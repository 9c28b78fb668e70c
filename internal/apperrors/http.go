package apperrors

import (
	"errors"
	"net/http"
)

// statusBySentinel is checked in order; the first sentinel the error wraps wins.
var statusBySentinel = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrUnavailable, http.StatusServiceUnavailable},
}

// HTTPStatus maps an error to the appropriate HTTP status code. The
// outermost *Error decides, so a cause carried inside it never changes the
// class. Errors without a known sentinel, including ErrInternal, map to 500.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		err = appErr.Sentinel
	}
	for _, s := range statusBySentinel {
		if errors.Is(err, s.sentinel) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}
