package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	metrics, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil || handler == nil {
		t.Fatal("Expected metrics and handler to be non-nil")
	}
}

func TestRecorders_ExposeSeries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	m.RecordHTTPRequest(ctx, "GET", "/jobs/abc123/status", 200, 0.01)
	m.RecordHTTPRequest(ctx, "POST", "/jobs", 400, 0.002)
	m.RecordJobCreated(ctx)
	m.RecordJobStarted(ctx)
	m.RecordJobFinished(ctx, "completed", 42)
	m.RecordFileDropped(ctx, "redaction")
	m.RecordRouting(ctx, true)
	m.RecordRouting(ctx, false)
	m.RecordBundle(ctx, 3, 1, 0.4)
	m.RecordStageCall(ctx, "detection", "success", 0.2)
	m.RecordNotifyDelivered(ctx, 0.05)
	m.RecordNotifyFailed(ctx)
	m.RecordNotifyDropped(ctx)
	m.RecordNotifyRequeued(ctx)
	m.RecordNotifyQueueSize(ctx, 7)

	out := scrape(t, handler)
	for _, want := range []string{
		`path="/jobs/{jobId}/status"`,
		`http_errors_total`,
		`jobs_created_total`,
		`jobs_finished_total{`,
		`status="completed"`,
		`files_dropped_total{`,
		`stage="redaction"`,
		`route="rewrite"`,
		`route="passthrough"`,
		`bundle_omitted_total`,
		`stage_calls_total{`,
		`service="detection"`,
		`notify_queue_size`,
		`notify_requeued_total`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/jobs", "/jobs"},
		{"/jobs/", "/jobs/"},
		{"/jobs/abc123", "/jobs/{jobId}"},
		{"/jobs/abc123/status", "/jobs/{jobId}/status"},
		{"/jobs/xyz-789/files", "/jobs/{jobId}/files"},
		{"/internal/hooks/tus", "/internal/hooks/tus"},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.input); got != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
