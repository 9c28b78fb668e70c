package jobs

import (
	"docpipeline/internal/apperrors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

const (
	maxCallbackEvents = 16
	maxCallbackKeyLen = 256
)

// CreateRequest is the input to Registry.Create.
type CreateRequest struct {
	ExpectedFileCount int       `json:"expectedFileCount"`
	Callback          *Callback `json:"callback,omitempty"`
}

func validateCreate(req CreateRequest, maxFiles int) error {
	if req.ExpectedFileCount < 1 {
		return apperrors.Validation("expectedFileCount", "expectedFileCount must be at least 1")
	}
	if req.ExpectedFileCount > maxFiles {
		return apperrors.Validation("expectedFileCount", fmt.Sprintf("expectedFileCount exceeds maximum of %d", maxFiles))
	}

	if cb := req.Callback; cb != nil {
		if err := validateURL(cb.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(cb.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
		for _, e := range cb.Events {
			if !slices.Contains(KnownEvents, e) {
				return apperrors.Validation("callback.events", fmt.Sprintf("unknown event type %q", e))
			}
		}
		if len(cb.Key) > maxCallbackKeyLen {
			return apperrors.Validation("callback.key", fmt.Sprintf("callback key exceeds maximum length of %d", maxCallbackKeyLen))
		}
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
