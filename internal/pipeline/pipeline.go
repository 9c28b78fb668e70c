// Package pipeline runs a job's documents through redaction, AI-likelihood
// scoring, conditional rewriting and grammar correction, then bundles the
// results. Each run is detached from the request that started it.
package pipeline

import (
	"context"
	"docpipeline/internal/bundle"
	"docpipeline/internal/jobs"
	"docpipeline/internal/stages"
	"docpipeline/internal/storage"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Redactor anonymizes one document.
type Redactor interface {
	Redact(ctx context.Context, req stages.RedactRequest) (string, error)
}

// Detector scores one document for AI-likelihood.
type Detector interface {
	Score(ctx context.Context, req stages.DetectRequest) (float64, error)
}

// Rewriter rewrites documents as one asynchronous batch.
type Rewriter interface {
	Submit(ctx context.Context, req stages.BatchRequest) (string, error)
	Status(ctx context.Context, handle string) (stages.BatchStatus, error)
}

// GrammarChecker corrects one document.
type GrammarChecker interface {
	Check(ctx context.Context, req stages.CheckRequest) (string, error)
}

// Bundler packages final artifacts.
type Bundler interface {
	Assemble(ctx context.Context, jobID string, finalKeys []string) (bundle.Result, error)
}

// Notifier is told about lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(job jobs.Job, eventType string)
}

// MetricsRecorder is an optional interface for recording pipeline metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context)
	RecordJobFinished(ctx context.Context, status string, durationSeconds float64)
	RecordFileDropped(ctx context.Context, stage string)
	RecordRouting(ctx context.Context, rewrite bool)
}

// Services groups the stage clients a run calls.
type Services struct {
	Redactor Redactor
	Detector Detector
	Rewriter Rewriter
	Grammar  GrammarChecker
}

// ServicesFrom adapts the HTTP stage clients.
func ServicesFrom(c *stages.Clients) Services {
	return Services{
		Redactor: c.Redaction,
		Detector: c.Detection,
		Rewriter: c.Rewriter,
		Grammar:  c.Grammar,
	}
}

// Options holds optional collaborators.
type Options struct {
	Config   Config
	Notifier Notifier
	Metrics  MetricsRecorder
}

// Orchestrator starts and tracks pipeline runs.
type Orchestrator struct {
	registry *jobs.Registry
	store    storage.Store
	services Services
	bundler  Bundler
	notifier Notifier
	metrics  MetricsRecorder
	cfg      Config
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(registry *jobs.Registry, store storage.Store, services Services, bundler Bundler, opts Options) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		store:    store,
		services: services,
		bundler:  bundler,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		cfg:      opts.Config.withDefaults(),
		logger:   slog.With("component", "pipeline"),
	}
}

// Start moves an uploaded job to processing and runs the pipeline in the
// background. It returns once the run is launched; callers follow progress
// through the registry. The check-and-set happens inside the registry, so
// concurrent starts for the same job yield exactly one run.
func (o *Orchestrator) Start(ctx context.Context, jobID string) (jobs.Job, error) {
	job, err := o.registry.BeginProcessing(jobID)
	if err != nil {
		return jobs.Job{}, err
	}

	o.logger.Info("Job processing started", "jobId", jobID, "files", job.UploadedFileCount)
	if o.metrics != nil {
		o.metrics.RecordJobStarted(ctx)
	}
	o.notify(job, jobs.EventStarted)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// The run outlives the request that started it.
		o.run(context.WithoutCancel(ctx), job)
	}()
	return job, nil
}

// Wait blocks until all runs have finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, job jobs.Job) {
	logger := o.logger.With("jobId", job.ID)
	start := time.Now()

	bundleKey, err := o.execute(ctx, logger, job.ID)

	var final jobs.Job
	var terr error
	if err != nil {
		msg := failureMessage(err)
		logger.Warn("Job failed", "error", err, "message", msg)
		final, terr = o.registry.Transition(job.ID, jobs.StatusFailed, jobs.TransitionOptions{ErrorMessage: msg})
	} else {
		final, terr = o.registry.Transition(job.ID, jobs.StatusCompleted, jobs.TransitionOptions{BundleKey: bundleKey})
	}
	if terr != nil {
		logger.Error("Failed to record job outcome", "error", terr)
		return
	}

	duration := time.Since(start)
	logger.Info("Job finished",
		"status", final.Status,
		"duration", duration.Round(time.Millisecond),
		"final", len(final.FinalFiles),
		"dropped", final.Counts().Dropped,
	)
	if o.metrics != nil {
		o.metrics.RecordJobFinished(ctx, string(final.Status), duration.Seconds())
	}
	if final.Status == jobs.StatusCompleted {
		o.notify(final, jobs.EventCompleted)
	} else {
		o.notify(final, jobs.EventFailed)
	}
}

// execute runs every stage and returns the bundle key.
func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, jobID string) (key string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Pipeline panicked", "panic", r)
			err = fail("internal error", fmt.Errorf("panic: %v", r))
		}
	}()

	r := &run{o: o, jobID: jobID, logger: logger}
	steps := []struct {
		stage jobs.Stage
		fn    func(context.Context) error
	}{
		{jobs.StageScanning, r.scan},
		{jobs.StageRedaction, r.redact},
		{jobs.StageDetection, r.detect},
		{jobs.StageRewriting, r.rewrite},
		{jobs.StageGrammar, r.grammar},
		{jobs.StageBundling, r.bundle},
	}
	for _, step := range steps {
		if err := o.registry.SetStage(jobID, step.stage); err != nil {
			return "", fail("internal error", err)
		}
		stepStart := time.Now()
		if err := step.fn(ctx); err != nil {
			return "", err
		}
		logger.Debug("Stage finished", "stage", step.stage, "duration", time.Since(stepStart).Round(time.Millisecond))
	}
	return r.bundleKey, nil
}

func (o *Orchestrator) notify(job jobs.Job, eventType string) {
	if o.notifier != nil {
		o.notifier.Notify(job, eventType)
	}
}

// failure is a batch-level error with the message shown to users.
type failure struct {
	msg string
	err error
}

func fail(msg string, err error) error { return &failure{msg: msg, err: err} }

func (f *failure) Error() string {
	if f.err == nil {
		return f.msg
	}
	return f.msg + ": " + f.err.Error()
}

func (f *failure) Unwrap() error { return f.err }

func failureMessage(err error) string {
	var f *failure
	if errors.As(err, &f) {
		return f.msg
	}
	return "internal error"
}
