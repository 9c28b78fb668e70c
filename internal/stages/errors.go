package stages

import (
	"errors"
	"fmt"
)

// Error is a failed call to a stage service.
type Error struct {
	Service    string // redaction, detection, rewriter, grammar
	StatusCode int    // 0 when no response was received
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s service returned %d: %s", e.Service, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s service returned %d", e.Service, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s service: %v", e.Service, e.Err)
	default:
		return fmt.Sprintf("%s service: %s", e.Service, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsClientError reports whether the service rejected the request itself (4xx).
// Retrying such a call cannot succeed.
func IsClientError(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.StatusCode >= 400 && se.StatusCode < 500
	}
	return false
}
