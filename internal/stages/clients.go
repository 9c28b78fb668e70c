// Package stages contains HTTP clients for the document processing services
// the pipeline calls: redaction, AI-likelihood detection, rewriting and
// grammar checking.
package stages

import (
	"context"
	"docpipeline/pkg/circuitbreaker"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
)

// Service names, used for breaker keys, metrics and error messages.
const (
	ServiceRedaction = "redaction"
	ServiceDetection = "detection"
	ServiceRewriter  = "rewriter"
	ServiceGrammar   = "grammar"
)

// Clients bundles one client per stage service. They share an HTTP client
// and a breaker registry but each service trips independently.
type Clients struct {
	Redaction *Redactor
	Detection *Detector
	Rewriter  *Rewriter
	Grammar   *GrammarChecker

	breakers *circuitbreaker.Registry
}

// New builds the stage clients. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) (*Clients, error) {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "stages")

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		IsFailure: func(err error) bool { return !IsClientError(err) },
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Stage circuit changed", "service", name, "from", from.String(), "to", to.String())
		},
	})
	client := newHTTPClient(cfg.Timeout)

	build := func(service, baseURL string) (*transport, error) {
		return newTransport(service, baseURL, cfg, client, breakers, metrics)
	}

	c := &Clients{breakers: breakers}
	var err error
	var t *transport
	if t, err = build(ServiceRedaction, cfg.RedactionURL); err != nil {
		return nil, err
	}
	c.Redaction = &Redactor{t: t}
	if t, err = build(ServiceDetection, cfg.DetectionURL); err != nil {
		return nil, err
	}
	c.Detection = &Detector{t: t}
	if t, err = build(ServiceRewriter, cfg.RewriterURL); err != nil {
		return nil, err
	}
	c.Rewriter = &Rewriter{t: t}
	if t, err = build(ServiceGrammar, cfg.GrammarURL); err != nil {
		return nil, err
	}
	c.Grammar = &GrammarChecker{t: t}
	return c, nil
}

// BreakerStats reports the circuit state of every stage service.
func (c *Clients) BreakerStats() circuitbreaker.Stats {
	return c.breakers.Stats()
}

// Ready fails while any stage service has an open circuit.
func (c *Clients) Ready(ctx context.Context) error {
	if stats := c.breakers.Stats(); stats.Open > 0 {
		return fmt.Errorf("circuit open for %s", strings.Join(stats.OpenKeys, ", "))
	}
	return nil
}

// RedactRequest asks the redaction service to anonymize one object.
type RedactRequest struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"objectKey"`
	OutputKey string `json:"outputKey,omitempty"`
}

// Redactor calls POST /anonymize.
type Redactor struct{ t *transport }

// Redact returns the key of the redacted copy.
func (c *Redactor) Redact(ctx context.Context, req RedactRequest) (string, error) {
	var resp struct {
		OutputKey string `json:"outputKey"`
	}
	if err := c.t.call(ctx, http.MethodPost, "/anonymize", req, &resp); err != nil {
		return "", err
	}
	if resp.OutputKey == "" {
		return "", &Error{Service: ServiceRedaction, Message: "response has no outputKey"}
	}
	return resp.OutputKey, nil
}

// DetectRequest asks for the AI-likelihood of one object.
type DetectRequest struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"objectKey"`
}

// Detector calls POST /detect.
type Detector struct{ t *transport }

// Score returns the AI-likelihood score. Scores outside [0,1] are errors.
func (c *Detector) Score(ctx context.Context, req DetectRequest) (float64, error) {
	var resp struct {
		Score *float64 `json:"score"`
	}
	if err := c.t.call(ctx, http.MethodPost, "/detect", req, &resp); err != nil {
		return 0, err
	}
	if resp.Score == nil {
		return 0, &Error{Service: ServiceDetection, Message: "response has no score"}
	}
	s := *resp.Score
	if math.IsNaN(s) || s < 0 || s > 1 {
		return 0, &Error{Service: ServiceDetection, Message: fmt.Sprintf("score %v outside [0,1]", s)}
	}
	return s, nil
}

// BatchRequest submits objects to the rewriter as one asynchronous batch.
type BatchRequest struct {
	Bucket       string   `json:"bucket"`
	ObjectKeys   []string `json:"objectKeys"`
	OutputPrefix string   `json:"outputPrefix,omitempty"`
}

// Batch states reported by the rewriter.
const (
	BatchPending   = "pending"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// BatchResult maps one submitted key to its rewritten copy.
type BatchResult struct {
	InputKey  string `json:"inputKey"`
	OutputKey string `json:"outputKey"`
	Error     string `json:"error,omitempty"`
}

// BatchStatus is the rewriter's view of a batch.
type BatchStatus struct {
	Status   string        `json:"status"`
	Progress float64       `json:"progress"`
	Results  []BatchResult `json:"results"`
	Error    string        `json:"error,omitempty"`
}

// Done reports whether the batch reached a final state.
func (s BatchStatus) Done() bool {
	return s.Status == BatchCompleted || s.Status == BatchFailed
}

// Rewriter calls POST /batch and GET /batch/{handle}.
type Rewriter struct{ t *transport }

// Submit starts a batch and returns its handle.
func (c *Rewriter) Submit(ctx context.Context, req BatchRequest) (string, error) {
	var resp struct {
		JobHandle string `json:"jobHandle"`
	}
	if err := c.t.call(ctx, http.MethodPost, "/batch", req, &resp); err != nil {
		return "", err
	}
	if resp.JobHandle == "" {
		return "", &Error{Service: ServiceRewriter, Message: "response has no jobHandle"}
	}
	return resp.JobHandle, nil
}

// Status fetches the current state of a batch.
func (c *Rewriter) Status(ctx context.Context, handle string) (BatchStatus, error) {
	var resp BatchStatus
	if err := c.t.call(ctx, http.MethodGet, "/batch/"+url.PathEscape(handle), nil, &resp); err != nil {
		return BatchStatus{}, err
	}
	return resp, nil
}

// CheckRequest asks the grammar checker to correct one object.
type CheckRequest struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"objectKey"`
	OutputKey string `json:"outputKey,omitempty"`
}

// GrammarChecker calls POST /check.
type GrammarChecker struct{ t *transport }

// Check returns the key of the corrected copy.
func (c *GrammarChecker) Check(ctx context.Context, req CheckRequest) (string, error) {
	var resp struct {
		OutputKey string `json:"outputKey"`
	}
	if err := c.t.call(ctx, http.MethodPost, "/check", req, &resp); err != nil {
		return "", err
	}
	if resp.OutputKey == "" {
		return "", &Error{Service: ServiceGrammar, Message: "response has no outputKey"}
	}
	return resp.OutputKey, nil
}
