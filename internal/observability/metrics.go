package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics, organized by the golden signals
// of each subsystem: latency, traffic, errors and saturation.
type Metrics struct {
	meter metric.Meter

	// HTTP
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Jobs
	JobsCreated   metric.Int64Counter
	JobsStarted   metric.Int64Counter
	JobsFinished  metric.Int64Counter
	JobDuration   metric.Float64Histogram
	JobsActive    metric.Int64UpDownCounter
	FilesDropped  metric.Int64Counter
	FilesRouted   metric.Int64Counter
	BundleEntries metric.Int64Histogram
	BundleOmitted metric.Int64Counter
	BundleLatency metric.Float64Histogram

	// Stage services
	StageCallDuration metric.Float64Histogram
	StageCallsTotal   metric.Int64Counter

	// Webhook delivery
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyRequeued  metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates all instruments, installs the meter provider globally
// and returns the Prometheus scrape handler.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("docpipeline")}
	b := builder{meter: m.meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.JobsCreated = b.counter("jobs_created_total", "Total number of jobs created")
	m.JobsStarted = b.counter("jobs_started_total", "Total number of jobs that began processing")
	m.JobsFinished = b.counter("jobs_finished_total", "Total number of jobs that reached a terminal status")
	m.JobDuration = b.histogram("job_duration_seconds", "Pipeline run duration in seconds",
		1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600)
	m.JobsActive = b.upDown("jobs_active", "Number of jobs currently processing (saturation)")
	m.FilesDropped = b.counter("files_dropped_total", "Files removed from a run, by stage")
	m.FilesRouted = b.counter("files_routed_total", "Scored files by routing decision")
	m.BundleEntries = b.intHistogram("bundle_entries", "Files per export bundle",
		1, 5, 10, 25, 50, 100, 250, 500)
	m.BundleOmitted = b.counter("bundle_omitted_total", "Final files left out of a bundle because they could not be read")
	m.BundleLatency = b.histogram("bundle_duration_seconds", "Bundle assembly latency in seconds",
		0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120)

	m.StageCallDuration = b.histogram("stage_call_duration_seconds", "Stage service call latency in seconds",
		0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60)
	m.StageCallsTotal = b.counter("stage_calls_total", "Stage service calls by outcome")

	m.NotifyDuration = b.histogram("notify_duration_seconds", "Webhook delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.NotifyDelivered = b.counter("notify_delivered_total", "Total events successfully delivered")
	m.NotifyFailed = b.counter("notify_failed_total", "Total events failed after retries")
	m.NotifyDropped = b.counter("notify_dropped_total", "Total events dropped (buffer full or max requeues)")
	m.NotifyRequeued = b.counter("notify_requeued_total", "Total events requeued due to open circuit")
	m.NotifyQueueSize = b.gauge("notify_queue_size", "Current number of queued webhook events (saturation)")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// builder keeps the first instrument error so registration reads linearly.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) intHistogram(name, desc string, bounds ...float64) metric.Int64Histogram {
	h, err := b.meter.Int64Histogram(name,
		metric.WithDescription(desc),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job.
func (m *Metrics) RecordJobCreated(ctx context.Context) {
	m.JobsCreated.Add(ctx, 1)
}

// RecordJobStarted records a job entering processing.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	m.JobsStarted.Add(ctx, 1)
	m.JobsActive.Add(ctx, 1)
}

// RecordJobFinished records a run reaching completed or failed.
func (m *Metrics) RecordJobFinished(ctx context.Context, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(jobStatusAttr(status))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1)
}

// RecordFileDropped records a file removed from a run.
func (m *Metrics) RecordFileDropped(ctx context.Context, stage string) {
	m.FilesDropped.Add(ctx, 1, WithStage(stage))
}

// RecordRouting records the routing decision for a scored file.
func (m *Metrics) RecordRouting(ctx context.Context, rewrite bool) {
	m.FilesRouted.Add(ctx, 1, metric.WithAttributes(routeAttr(rewrite)))
}

// RecordBundle records a written bundle.
func (m *Metrics) RecordBundle(ctx context.Context, entries, omitted int, durationSeconds float64) {
	m.BundleEntries.Record(ctx, int64(entries))
	m.BundleLatency.Record(ctx, durationSeconds)
	if omitted > 0 {
		m.BundleOmitted.Add(ctx, int64(omitted))
	}
}

// RecordStageCall records one call to a stage service.
func (m *Metrics) RecordStageCall(ctx context.Context, service, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(serviceAttr(service), outcomeAttr(outcome))
	m.StageCallDuration.Record(ctx, durationSeconds, attrs)
	m.StageCallsTotal.Add(ctx, 1, attrs)
}

// RecordNotifyDelivered records a successful webhook delivery.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a webhook that failed after retries.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped webhook event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyRequeued records a webhook event requeued behind an open circuit.
func (m *Metrics) RecordNotifyRequeued(ctx context.Context) {
	m.NotifyRequeued.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current webhook queue depth.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
