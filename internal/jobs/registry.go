// Package jobs owns job state: an in-memory registry with per-job locking
// and the forward-only lifecycle every job follows.
package jobs

import (
	"docpipeline/internal/apperrors"
	"docpipeline/internal/storage"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxFiles caps ExpectedFileCount when no limit is configured.
const DefaultMaxFiles = 500

type entry struct {
	mu      sync.Mutex
	job     Job
	seen    map[storage.Area]map[string]struct{}
	fileIdx map[string]int // raw key -> index into job.Files
}

func (e *entry) appendUnique(area storage.Area, list *[]string, key string) bool {
	set := e.seen[area]
	if set == nil {
		set = make(map[string]struct{})
		e.seen[area] = set
	}
	if _, ok := set[key]; ok {
		return false
	}
	set[key] = struct{}{}
	*list = append(*list, key)
	return true
}

// Registry is the process-wide job table. The map lock is held only for
// lookups; every mutation runs under the job's own mutex, so different jobs
// never wait on each other.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry

	maxFiles int
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxFiles sets the upper bound for ExpectedFileCount.
func WithMaxFiles(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxFiles = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		jobs:     make(map[string]*entry),
		maxFiles: DefaultMaxFiles,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new job in the uploading state.
func (r *Registry) Create(req CreateRequest) (Job, error) {
	if err := validateCreate(req, r.maxFiles); err != nil {
		return Job{}, err
	}

	e := &entry{
		job: Job{
			ID:                r.newID(),
			Status:            StatusUploading,
			ExpectedFileCount: req.ExpectedFileCount,
			CreatedAt:         r.now().UTC(),
			Callback:          req.Callback,
		},
		seen:    make(map[storage.Area]map[string]struct{}),
		fileIdx: make(map[string]int),
	}
	// Detach from the caller's request.
	e.job = e.job.clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[e.job.ID]; exists {
		return Job{}, apperrors.Conflict("job", e.job.ID, "job already exists")
	}
	r.jobs[e.job.ID] = e
	return e.job.clone(), nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return e, nil
}

// update runs fn under the job's lock and returns the resulting snapshot.
func (r *Registry) update(id string, fn func(e *entry) error) (Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e); err != nil {
		return Job{}, err
	}
	return e.job.clone(), nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	return r.update(id, func(*entry) error { return nil })
}

// List returns snapshots of every job, oldest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes the job. A processing job cannot be deleted.
func (r *Registry) Delete(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status == StatusProcessing {
		return apperrors.Conflict("job", id, "job is processing")
	}

	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
	return nil
}

// RegisterRawFile records an uploaded source file. Registering the same key
// twice is a no-op. The job moves to uploaded when the last expected file lands.
func (r *Registry) RegisterRawFile(id, key string) (Job, error) {
	return r.update(id, func(e *entry) error {
		j := &e.job
		if j.Status != StatusUploading {
			if _, dup := e.seen[storage.AreaRaw][key]; dup {
				return nil
			}
			return apperrors.Conflict("job", id, fmt.Sprintf("job is %s, uploads are closed", j.Status))
		}
		if _, dup := e.seen[storage.AreaRaw][key]; dup {
			return nil
		}
		if j.UploadedFileCount >= j.ExpectedFileCount {
			return apperrors.Conflict("job", id, "job already has all expected files")
		}

		e.appendUnique(storage.AreaRaw, &j.RawFiles, key)
		j.UploadedFileCount++
		if j.UploadedFileCount == j.ExpectedFileCount {
			j.Status = StatusUploaded
			r.logger.Info("Job uploaded", "jobId", id, "files", j.UploadedFileCount)
		}
		return nil
	})
}

// BeginProcessing atomically checks that the job is uploaded and moves it to
// processing. It is the only way into the processing state, so at most one
// caller ever wins for a given job.
func (r *Registry) BeginProcessing(id string) (Job, error) {
	return r.update(id, func(e *entry) error {
		j := &e.job
		switch j.Status {
		case StatusUploading:
			return apperrors.Conflict("job", id, "job is still uploading")
		case StatusProcessing:
			return apperrors.Conflict("job", id, "job is already processing")
		case StatusCompleted, StatusFailed:
			return apperrors.Conflict("job", id, fmt.Sprintf("job is already %s", j.Status))
		}
		j.Status = StatusProcessing
		if j.StartedAt.IsZero() {
			j.StartedAt = r.now().UTC()
		}
		return nil
	})
}

// TransitionOptions carries the data that must accompany a terminal transition.
type TransitionOptions struct {
	ErrorMessage string // required for failed
	BundleKey    string // required for completed
}

// Transition moves the job forward. Invalid moves return an error wrapping
// ErrInvalidTransition and leave the job untouched. The bundle key and error
// message are written in the same critical section as the status.
func (r *Registry) Transition(id string, to Status, opts TransitionOptions) (Job, error) {
	job, err := r.update(id, func(e *entry) error {
		j := &e.job
		if !CanTransition(j.Status, to) {
			return invalidTransition(j.Status, to)
		}
		switch to {
		case StatusCompleted:
			if opts.BundleKey == "" {
				return fmt.Errorf("%w: completed requires a bundle key", ErrInvalidTransition)
			}
			j.BundleKey = opts.BundleKey
		case StatusFailed:
			if opts.ErrorMessage == "" {
				return fmt.Errorf("%w: failed requires an error message", ErrInvalidTransition)
			}
			j.ErrorMessage = opts.ErrorMessage
		case StatusProcessing:
			if j.StartedAt.IsZero() {
				j.StartedAt = r.now().UTC()
			}
		}
		j.Status = to
		if to.Terminal() {
			j.CompletedAt = r.now().UTC()
		}
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		r.logger.Error("Rejected job transition", "jobId", id, "to", to, "error", err)
	}
	return job, err
}

// AdmitFiles fixes the set of files the pipeline will process. Keys not seen
// during upload are appended to RawFiles. It may be called once per run.
func (r *Registry) AdmitFiles(id string, keys []string) (Job, error) {
	return r.update(id, func(e *entry) error {
		j := &e.job
		if j.Status != StatusProcessing {
			return apperrors.Conflict("job", id, fmt.Sprintf("cannot admit files while %s", j.Status))
		}
		if j.TotalFiles != 0 {
			return apperrors.Conflict("job", id, "files already admitted")
		}
		for _, k := range keys {
			if _, ok := e.fileIdx[k]; ok {
				continue
			}
			e.appendUnique(storage.AreaRaw, &j.RawFiles, k)
			e.fileIdx[k] = len(j.Files)
			j.Files = append(j.Files, FileRecord{RawKey: k})
		}
		j.TotalFiles = len(j.Files)
		return nil
	})
}

// mutateFile runs fn on an admitted file of a processing job.
func (r *Registry) mutateFile(id, rawKey string, fn func(j *Job, f *FileRecord, e *entry) error) error {
	_, err := r.update(id, func(e *entry) error {
		j := &e.job
		if j.Status != StatusProcessing {
			return apperrors.Conflict("job", id, fmt.Sprintf("job is %s, artifacts are closed", j.Status))
		}
		idx, ok := e.fileIdx[rawKey]
		if !ok {
			return apperrors.NotFound("file", rawKey)
		}
		return fn(j, &j.Files[idx], e)
	})
	return err
}

// RecordStageArtifact appends key to the stage's file set and links it to
// the source file it was derived from.
func (r *Registry) RecordStageArtifact(id string, area storage.Area, rawKey, key string) error {
	return r.mutateFile(id, rawKey, func(j *Job, f *FileRecord, e *entry) error {
		if f.Dropped() {
			return apperrors.Conflict("file", rawKey, "file was dropped")
		}
		switch area {
		case storage.AreaRedacted:
			f.RedactedKey = key
			e.appendUnique(area, &j.RedactedFiles, key)
		case storage.AreaRewritten:
			f.RewrittenKey = key
			e.appendUnique(area, &j.RewrittenFiles, key)
		case storage.AreaFinal:
			f.FinalKey = key
			e.appendUnique(area, &j.FinalFiles, key)
		default:
			return fmt.Errorf("no artifact set for area %q", area)
		}
		return nil
	})
}

// RecordScore stores the detection score and the routing decision.
func (r *Registry) RecordScore(id, rawKey string, score float64, rewrite bool) error {
	return r.mutateFile(id, rawKey, func(_ *Job, f *FileRecord, _ *entry) error {
		f.Score = &score
		f.Rewrite = rewrite
		return nil
	})
}

// DropFile removes a file from the rest of the pipeline. Dropping twice keeps
// the first reason.
func (r *Registry) DropFile(id, rawKey string, stage Stage, reason string) error {
	return r.mutateFile(id, rawKey, func(_ *Job, f *FileRecord, _ *entry) error {
		if f.Dropped() {
			return nil
		}
		f.DroppedAt = stage
		f.DropReason = reason
		return nil
	})
}

// SetStage records the step a processing job is in. Stages only move forward.
func (r *Registry) SetStage(id string, stage Stage) error {
	_, err := r.update(id, func(e *entry) error {
		j := &e.job
		if j.Status != StatusProcessing {
			return apperrors.Conflict("job", id, fmt.Sprintf("job is %s", j.Status))
		}
		if stageOrder[stage] > stageOrder[j.Stage] {
			j.Stage = stage
		}
		return nil
	})
	return err
}
