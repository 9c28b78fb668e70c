// Package notify delivers job lifecycle events to callback URLs as signed
// CloudEvents.
package notify

import (
	"context"
	"docpipeline/internal/jobs"
	"docpipeline/pkg/backoff"
	"docpipeline/pkg/circuitbreaker"
	"docpipeline/pkg/cloudevent"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBufferFull is returned when the queue is full and the event is dropped.
	ErrBufferFull = errors.New("notify buffer full, event dropped")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("notifier is closed")
)

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Stats holds delivery statistics.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer or max requeues
	Requeued     int64 // requeued due to open circuit
	RetriesTotal int64
	BreakersOpen int
}

type delivery struct {
	event    *cloudevent.CloudEvent
	url      string
	key      string
	requeues int
}

// Notifier queues events in a bounded channel and delivers them from a
// worker pool. Each destination host has its own circuit breaker; events for
// an open host are requeued after the cooldown.
type Notifier struct {
	queue    chan *delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	cfg      Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New starts a notifier. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()

	n := &Notifier{
		queue:  make(chan *delivery, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		cfg:      cfg,
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}
	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// Notify queues eventType for the job's callback, if it has one and the
// callback subscribes to the type. It never blocks.
func (n *Notifier) Notify(job jobs.Job, eventType string) {
	cb := job.Callback
	if cb == nil || cb.URL == "" || !jobs.FilteredEvents(eventType, cb.Events) {
		return
	}
	ev := cloudevent.New(eventType, n.cfg.Source, job.ID, jobData(job))
	if err := n.enqueue(&delivery{event: ev, url: cb.URL, key: cb.Key}); err != nil {
		n.logger.Warn("Event not queued", "jobId", job.ID, "type", eventType, "error", err)
	}
}

func (n *Notifier) enqueue(d *delivery) error {
	if n.closed.Load() {
		return ErrClosed
	}
	select {
	case n.queue <- d:
		n.queued.Add(1)
		return nil
	default:
		n.drop(d, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current delivery statistics.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		Requeued:     n.requeued.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		BreakersOpen: n.breakers.Stats().Open,
	}
}

// Close stops accepting events and waits for queued ones to be delivered
// until ctx is done.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifyQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.shutdown:
			n.drain()
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case d := <-n.queue:
			n.deliver(d)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(d *delivery) {
	host := hostOf(d.url)
	breaker := n.breakers.Get(host)
	if !breaker.Allow() {
		n.requeue(d, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	attempts := 0
	err := backoff.Retry(ctx, n.cfg.MaxRetries, nil,
		func(err error) bool { return !cloudevent.IsClientError(err) },
		func(ctx context.Context) error {
			if attempts > 0 {
				n.retriesTotal.Add(1)
			}
			attempts++
			return n.sender.Send(ctx, d.url, d.event, d.key)
		})
	if err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed",
			"destination", host,
			"jobId", d.event.Subject,
			"type", d.event.Type,
			"attempts", attempts,
			"error", err,
		)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts an event back after the breaker cooldown so the host has time
// to recover.
func (n *Notifier) requeue(d *delivery, host string) {
	if d.requeues >= n.cfg.MaxRequeues {
		n.drop(d, "max requeues reached")
		return
	}
	d.requeues++
	n.requeued.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyRequeued(context.Background())
	}

	go func() {
		timer := time.NewTimer(n.cfg.BreakerCooldown)
		defer timer.Stop()
		select {
		case <-n.shutdown:
			n.drop(d, "shutting down with open circuit")
			return
		case <-timer.C:
		}

		select {
		case n.queue <- d:
			n.logger.Debug("Event requeued", "destination", host, "type", d.event.Type, "requeues", d.requeues)
		case <-n.shutdown:
			n.drop(d, "shutting down with open circuit")
		default:
			n.drop(d, "buffer full on requeue")
		}
	}()
}

func (n *Notifier) drop(d *delivery, reason string) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDropped(context.Background())
	}
	n.logger.Warn("Event dropped",
		"reason", reason,
		"destination", hostOf(d.url),
		"jobId", d.event.Subject,
		"type", d.event.Type,
	)
}

// hostOf keys breakers by destination host.
func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
