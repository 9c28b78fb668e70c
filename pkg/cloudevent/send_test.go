package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		statusCode int
		expected   string
	}{
		{400, "HTTP 400"},
		{404, "HTTP 404"},
		{500, "HTTP 500"},
		{503, "HTTP 503"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			t.Parallel()
			err := &HTTPError{StatusCode: tt.statusCode}
			if err.Error() != tt.expected {
				t.Errorf("HTTPError{%d}.Error() = %q, want %q", tt.statusCode, err.Error(), tt.expected)
			}
		})
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"400 Bad Request", &HTTPError{StatusCode: 400}, true},
		{"410 Gone", &HTTPError{StatusCode: 410}, true},
		{"499 client error boundary", &HTTPError{StatusCode: 499}, true},
		{"wrapped 404", fmt.Errorf("deliver: %w", &HTTPError{StatusCode: 404}), true},
		{"500 Internal Server Error", &HTTPError{StatusCode: 500}, false},
		{"399 not a client error", &HTTPError{StatusCode: 399}, false},
		{"non-HTTP error", context.DeadlineExceeded, false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsClientError(tt.err); got != tt.expected {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestSignature(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)

	sig := Signature(payload, "secret-key")
	if len(sig) != len("sha256=")+64 || sig[:7] != "sha256=" {
		t.Fatalf("unexpected signature format %q", sig)
	}
	if sig != Signature(payload, "secret-key") {
		t.Error("signature should be deterministic")
	}
	if sig == Signature(payload, "different-key") {
		t.Error("different keys should produce different signatures")
	}
	if !Verify(payload, "secret-key", sig) {
		t.Error("Verify() rejected a valid signature")
	}
	if Verify([]byte(`{"test":"tampered"}`), "secret-key", sig) {
		t.Error("Verify() accepted a tampered payload")
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	type received struct {
		header http.Header
		body   []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{r.Header.Clone(), body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ev := New("docpipeline.job.completed", "docpipeline", "job-1", map[string]string{"status": "completed"})
	if err := NewSender(5*time.Second).Send(context.Background(), srv.URL, ev, "k"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	r := <-got
	if ct := r.header.Get("Content-Type"); ct != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if r.header.Get("Ce-Type") != ev.Type || r.header.Get("Ce-Id") != ev.ID || r.header.Get("Ce-Subject") != "job-1" {
		t.Errorf("CloudEvent headers = %v", r.header)
	}
	if !Verify(r.body, "k", r.header.Get(SignatureHeader)) {
		t.Error("signature does not match body")
	}

	var decoded CloudEvent
	if err := json.Unmarshal(r.body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.SpecVersion != SpecVersion || decoded.ID != ev.ID {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestSender_Send_Non2xx(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	err := NewSender(time.Second).Send(context.Background(), srv.URL, New("t", "s", "", nil), "")
	if !IsClientError(err) {
		t.Errorf("Send() error = %v, want client error", err)
	}
}
