package stages

import (
	"bytes"
	"context"
	"docpipeline/pkg/circuitbreaker"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// MetricsRecorder is an optional interface for recording stage call metrics.
type MetricsRecorder interface {
	RecordStageCall(ctx context.Context, service, outcome string, durationSeconds float64)
}

// transport is the JSON-over-HTTP plumbing shared by every stage client.
type transport struct {
	service string
	base    *url.URL
	client  *http.Client
	token   string
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	gate    bool // reject calls while the circuit is open
	metrics MetricsRecorder
}

func newTransport(service, baseURL string, cfg Config, client *http.Client, breakers *circuitbreaker.Registry, metrics MetricsRecorder) (*transport, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%s service URL is required", service)
	}
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid %s service URL %q", service, baseURL)
	}

	t := &transport{
		service: service,
		base:    base,
		client:  client,
		token:   cfg.APIKey,
		breaker: breakers.Get(service),
		gate:    cfg.BreakerFailFast,
		metrics: metrics,
	}
	if cfg.RateLimit > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return t, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(&http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}),
	}
}

// call sends in as JSON (nil for no body) and decodes the response into out.
func (t *transport) call(ctx context.Context, method, path string, in, out any) error {
	start := time.Now()
	send := func(ctx context.Context) error {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return t.roundTrip(ctx, method, path, in, out)
	}
	var err error
	if t.gate {
		err = t.breaker.Do(ctx, send)
	} else {
		err = t.breaker.Track(ctx, send)
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = &Error{Service: t.service, Message: "circuit open, failing fast", Err: err}
	}
	if t.metrics != nil {
		t.metrics.RecordStageCall(ctx, t.service, outcome(err), time.Since(start).Seconds())
	}
	return err
}

func (t *transport) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", t.service, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.base.String()+path, body)
	if err != nil {
		return &Error{Service: t.service, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &Error{Service: t.service, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Service: t.service, StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Service: t.service, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	return nil
}

// errorMessage extracts {"error": "..."} or {"detail": "..."} when present,
// falling back to the raw body.
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var parsed struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &parsed) == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Detail != "" {
			return parsed.Detail
		}
	}
	return strings.TrimSpace(string(data))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case IsClientError(err):
		return "client_error"
	default:
		return "error"
	}
}
