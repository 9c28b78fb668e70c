package stages

import (
	"context"
	"docpipeline/pkg/circuitbreaker"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type recordingMetrics struct {
	calls atomic.Int64
	last  atomic.Value
}

func (m *recordingMetrics) RecordStageCall(_ context.Context, service, outcome string, _ float64) {
	m.calls.Add(1)
	m.last.Store(service + ":" + outcome)
}

func newClients(t *testing.T, handler http.Handler, mutate ...func(*Config)) (*Clients, *recordingMetrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		RedactionURL:     srv.URL,
		DetectionURL:     srv.URL,
		RewriterURL:      srv.URL,
		GrammarURL:       srv.URL + "/",
		Timeout:          5 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Hour,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	metrics := &recordingMetrics{}
	c, err := New(cfg, metrics)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, metrics
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestRedactor_Redact(t *testing.T) {
	t.Parallel()

	var got RedactRequest
	var auth string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /anonymize", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]string{"outputKey": got.OutputKey})
	})
	c, metrics := newClients(t, mux, func(cfg *Config) { cfg.APIKey = "stage-token" })

	req := RedactRequest{Bucket: "documents", ObjectKey: "jobs/j/raw/a.pdf", OutputKey: "jobs/j/redacted/a.docx"}
	out, err := c.Redaction.Redact(context.Background(), req)
	if err != nil {
		t.Fatalf("Redact() error = %v", err)
	}
	if out != "jobs/j/redacted/a.docx" {
		t.Errorf("Redact() = %q", out)
	}
	if got != req {
		t.Errorf("server received %+v, want %+v", got, req)
	}
	if auth != "Bearer stage-token" {
		t.Errorf("Authorization = %q", auth)
	}
	if metrics.last.Load() != "redaction:success" {
		t.Errorf("metrics last = %v", metrics.last.Load())
	}
}

func TestTransport_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantClient bool
		wantMsg    string
	}{
		{"bad request json", http.StatusBadRequest, `{"error":"unsupported format"}`, true, "redaction service returned 400: unsupported format"},
		{"unprocessable detail", http.StatusUnprocessableEntity, `{"detail":"empty document"}`, true, "redaction service returned 422: empty document"},
		{"server error text", http.StatusBadGateway, "upstream down\n", false, "redaction service returned 502: upstream down"},
		{"server error empty", http.StatusServiceUnavailable, "", false, "redaction service returned 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			_, err := c.Redaction.Redact(context.Background(), RedactRequest{Bucket: "b", ObjectKey: "k"})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsClientError(err) != tt.wantClient {
				t.Errorf("IsClientError() = %v, want %v", IsClientError(err), tt.wantClient)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.wantMsg)
			}
			var se *Error
			if !errors.As(err, &se) || se.StatusCode != tt.status {
				t.Errorf("expected *Error with status %d, got %v", tt.status, err)
			}
		})
	}
}

func TestTransport_ConnectionError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{RedactionURL: url, DetectionURL: url, RewriterURL: url, GrammarURL: url}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Grammar.Check(context.Background(), CheckRequest{Bucket: "b", ObjectKey: "k"})
	var se *Error
	if !errors.As(err, &se) || se.StatusCode != 0 || se.Service != ServiceGrammar {
		t.Fatalf("expected transport *Error, got %v", err)
	}
	if IsClientError(err) {
		t.Error("connection errors are retryable")
	}
}

func TestDetector_Score(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    float64
		wantErr bool
	}{
		{"in range", `{"score":0.6}`, 0.6, false},
		{"zero", `{"score":0}`, 0, false},
		{"one", `{"score":1}`, 1, false},
		{"above range", `{"score":1.5}`, 0, true},
		{"negative", `{"score":-0.1}`, 0, true},
		{"missing", `{}`, 0, true},
		{"malformed", `{"score":`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/detect" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))

			got, err := c.Detection.Score(context.Background(), DetectRequest{Bucket: "b", ObjectKey: "k"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Score() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRewriter_SubmitAndStatus(t *testing.T) {
	t.Parallel()

	var submitted BatchRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /batch", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&submitted)
		writeJSON(w, http.StatusAccepted, map[string]string{"jobHandle": "batch/42"})
	})
	mux.HandleFunc("GET /batch/{handle}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("handle") != "batch/42" {
			t.Errorf("handle = %q", r.PathValue("handle"))
		}
		writeJSON(w, http.StatusOK, BatchStatus{
			Status:   BatchCompleted,
			Progress: 1,
			Results:  []BatchResult{{InputKey: "in", OutputKey: "out"}},
		})
	})
	c, _ := newClients(t, mux)
	ctx := context.Background()

	handle, err := c.Rewriter.Submit(ctx, BatchRequest{Bucket: "b", ObjectKeys: []string{"in"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if handle != "batch/42" || len(submitted.ObjectKeys) != 1 {
		t.Errorf("handle=%q submitted=%+v", handle, submitted)
	}

	st, err := c.Rewriter.Status(ctx, handle)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Done() || len(st.Results) != 1 || st.Results[0].OutputKey != "out" {
		t.Errorf("Status() = %+v", st)
	}
}

func TestBatchStatus_Done(t *testing.T) {
	t.Parallel()
	for status, want := range map[string]bool{
		BatchPending:   false,
		BatchRunning:   false,
		BatchCompleted: true,
		BatchFailed:    true,
	} {
		if got := (BatchStatus{Status: status}).Done(); got != want {
			t.Errorf("Done(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestClients_BreakerFailsFast(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	c, metrics := newClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), func(cfg *Config) { cfg.BreakerFailFast = true })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Grammar.Check(ctx, CheckRequest{Bucket: "b", ObjectKey: "k"})
	}
	_, err := c.Grammar.Check(ctx, CheckRequest{Bucket: "b", ObjectKey: "k"})
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected ErrOpen after threshold, got %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("server hit %d times, want 3", hits.Load())
	}
	if metrics.last.Load() != "grammar:circuit_open" {
		t.Errorf("metrics last = %v", metrics.last.Load())
	}

	stats := c.BreakerStats()
	if stats.Open != 1 || stats.OpenKeys[0] != ServiceGrammar {
		t.Errorf("BreakerStats() = %+v", stats)
	}
	if err := c.Ready(ctx); err == nil || err.Error() != "circuit open for grammar" {
		t.Errorf("Ready() = %v, want open circuit error", err)
	}

	// other services are unaffected
	if _, err := c.Detection.Score(ctx, DetectRequest{}); errors.Is(err, circuitbreaker.ErrOpen) {
		t.Error("detection breaker must be independent of grammar")
	}
}

func TestClients_OpenCircuitStillCallsByDefault(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	c, _ := newClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"outputKey": "jobs/j/redacted/a.docx"})
	}))
	ctx := context.Background()
	req := RedactRequest{Bucket: "b", ObjectKey: "jobs/j/raw/a.docx", OutputKey: "jobs/j/redacted/a.docx"}

	for i := 0; i < 4; i++ {
		if _, err := c.Redaction.Redact(ctx, req); errors.Is(err, circuitbreaker.ErrOpen) {
			t.Fatalf("call %d rejected by the breaker", i+1)
		}
	}
	if err := c.Ready(ctx); err == nil {
		t.Error("Ready() must report the open redaction circuit")
	}

	if _, err := c.Redaction.Redact(ctx, req); err != nil {
		t.Fatalf("Redact() after recovery error = %v", err)
	}
	if hits.Load() != 5 {
		t.Errorf("server hit %d times, want 5", hits.Load())
	}
	if err := c.Ready(ctx); err != nil {
		t.Errorf("Ready() after recovery = %v", err)
	}
}

func TestClients_ClientErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	c, _ := newClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}), func(cfg *Config) { cfg.BreakerFailFast = true })

	for i := 0; i < 10; i++ {
		c.Redaction.Redact(context.Background(), RedactRequest{})
	}
	if hits.Load() != 10 {
		t.Errorf("server hit %d times, want 10", hits.Load())
	}
}

func TestNew_InvalidURL(t *testing.T) {
	t.Parallel()
	tests := []Config{
		{RedactionURL: "", DetectionURL: "http://d", RewriterURL: "http://r", GrammarURL: "http://g"},
		{RedactionURL: "http://a", DetectionURL: "not a url", RewriterURL: "http://r", GrammarURL: "http://g"},
	}
	for _, cfg := range tests {
		if _, err := New(cfg, nil); err == nil {
			t.Errorf("New(%+v) expected error", cfg)
		}
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{RateLimit: 5}.withDefaults()
	if cfg.RateBurst != 1 {
		t.Errorf("RateBurst = %d, want 1", cfg.RateBurst)
	}
	if cfg.Timeout != 60*time.Second || cfg.BreakerThreshold != 5 || cfg.BreakerCooldown != 30*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestTransport_RateLimited(t *testing.T) {
	t.Parallel()
	c, _ := newClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]float64{"score": 0.1})
	}), func(cfg *Config) {
		cfg.RateLimit = 20
		cfg.RateBurst = 1
	})

	start := time.Now()
	for i := 0; i < 4; i++ {
		if _, err := c.Detection.Score(context.Background(), DetectRequest{}); err != nil {
			t.Fatal(err)
		}
	}
	// burst 1 at 20/s: three waits of ~50ms
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("rate limit not applied, 4 calls took %v", elapsed)
	}
}
