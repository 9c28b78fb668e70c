// Package stagestest provides in-process fakes of the stage services for tests.
package stagestest

import (
	"bytes"
	"context"
	"docpipeline/internal/stages"
	"docpipeline/internal/storage"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Services fakes all four stage services on one httptest server. Successful
// calls copy the input object to the output key in the shared Memory store,
// so downstream stages and the bundle see real objects.
//
// Behavior hooks must be set before the first request.
type Services struct {
	URL   string
	store *storage.Memory

	// RedactStatus returns the HTTP status to fail with for the given key and
	// 1-based attempt, or 0 to succeed.
	RedactStatus func(key string, attempt int) int
	// Score returns the detection score for a redacted key. Default 0.
	Score func(key string) float64
	// GrammarStatus returns a failure status for a key, or 0.
	GrammarStatus func(key string) int
	// BatchPollsUntilDone is how many status polls report "running" before the
	// batch completes. Negative never completes.
	BatchPollsUntilDone int
	// BatchFails makes a finished batch report "failed".
	BatchFails bool
	// OmitResult leaves a key out of the batch results.
	OmitResult func(key string) bool

	mu             sync.Mutex
	redactAttempts map[string]int
	batches        [][]string
	polls          int
	grammarKeys    []string
}

// New starts the fake services and registers cleanup on t.
func New(t testing.TB, store *storage.Memory) *Services {
	t.Helper()
	s := &Services{
		store:          store,
		redactAttempts: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /anonymize", s.anonymize)
	mux.HandleFunc("POST /detect", s.detect)
	mux.HandleFunc("POST /batch", s.submitBatch)
	mux.HandleFunc("GET /batch/{handle}", s.batchStatus)
	mux.HandleFunc("POST /check", s.check)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// Config points every stage client at the fake.
func (s *Services) Config() stages.Config {
	return stages.Config{
		RedactionURL: s.URL,
		DetectionURL: s.URL,
		RewriterURL:  s.URL,
		GrammarURL:   s.URL,
		Timeout:      5 * time.Second,
	}
}

// RedactAttempts returns how often key was sent to redaction.
func (s *Services) RedactAttempts(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redactAttempts[key]
}

// Batches returns the key lists submitted to the rewriter.
func (s *Services) Batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]string(nil), b...)
	}
	return out
}

// GrammarKeys returns the keys sent to grammar checking, in arrival order.
func (s *Services) GrammarKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.grammarKeys...)
}

func (s *Services) anonymize(w http.ResponseWriter, r *http.Request) {
	var req stages.RedactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	s.redactAttempts[req.ObjectKey]++
	attempt := s.redactAttempts[req.ObjectKey]
	s.mu.Unlock()

	if s.RedactStatus != nil {
		if code := s.RedactStatus(req.ObjectKey, attempt); code != 0 {
			writeError(w, code, "redaction failed")
			return
		}
	}
	out := req.OutputKey
	if out == "" {
		out = strings.Replace(req.ObjectKey, "/raw/", "/redacted/", 1)
	}
	if !s.copyObject(r.Context(), w, req.ObjectKey, out, "[redacted] ") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outputKey": out})
}

func (s *Services) detect(w http.ResponseWriter, r *http.Request) {
	var req stages.DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	score := 0.0
	if s.Score != nil {
		score = s.Score(req.ObjectKey)
	}
	writeJSON(w, http.StatusOK, map[string]float64{"score": score})
}

func (s *Services) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req stages.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ObjectKeys) == 0 {
		writeError(w, http.StatusBadRequest, "objectKeys required")
		return
	}
	s.mu.Lock()
	s.batches = append(s.batches, append([]string(nil), req.ObjectKeys...))
	handle := fmt.Sprintf("batch-%d", len(s.batches))
	s.mu.Unlock()
	writeJSON(w, http.StatusAccepted, map[string]string{"jobHandle": handle})
}

func (s *Services) batchStatus(w http.ResponseWriter, r *http.Request) {
	var idx int
	if _, err := fmt.Sscanf(r.PathValue("handle"), "batch-%d", &idx); err != nil {
		writeError(w, http.StatusNotFound, "unknown batch")
		return
	}

	s.mu.Lock()
	if idx < 1 || idx > len(s.batches) {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "unknown batch")
		return
	}
	keys := s.batches[idx-1]
	s.polls++
	polls := s.polls
	s.mu.Unlock()

	if s.BatchPollsUntilDone < 0 || polls <= s.BatchPollsUntilDone {
		writeJSON(w, http.StatusOK, stages.BatchStatus{Status: stages.BatchRunning, Progress: 0.5})
		return
	}
	if s.BatchFails {
		writeJSON(w, http.StatusOK, stages.BatchStatus{Status: stages.BatchFailed, Error: "model unavailable"})
		return
	}

	status := stages.BatchStatus{Status: stages.BatchCompleted, Progress: 1}
	for _, k := range keys {
		if s.OmitResult != nil && s.OmitResult(k) {
			continue
		}
		out := strings.Replace(k, "/redacted/", "/rewritten/", 1)
		if !s.copyObject(r.Context(), w, k, out, "[rewritten] ") {
			return
		}
		status.Results = append(status.Results, stages.BatchResult{InputKey: k, OutputKey: out})
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Services) check(w http.ResponseWriter, r *http.Request) {
	var req stages.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	s.grammarKeys = append(s.grammarKeys, req.ObjectKey)
	s.mu.Unlock()

	if s.GrammarStatus != nil {
		if code := s.GrammarStatus(req.ObjectKey); code != 0 {
			writeError(w, code, "grammar check failed")
			return
		}
	}
	out := req.OutputKey
	if out == "" {
		out = req.ObjectKey + ".checked"
	}
	if !s.copyObject(r.Context(), w, req.ObjectKey, out, "") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outputKey": out})
}

func (s *Services) copyObject(ctx context.Context, w http.ResponseWriter, from, to, prefix string) bool {
	data, ok := s.store.Bytes(from)
	if !ok {
		writeError(w, http.StatusNotFound, "object not found: "+from)
		return false
	}
	body := append([]byte(prefix), data...)
	if err := s.store.Put(ctx, to, bytes.NewReader(body), int64(len(body)), ""); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
