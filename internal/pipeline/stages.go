package pipeline

import (
	"context"
	"docpipeline/internal/bundle"
	"docpipeline/internal/jobs"
	"docpipeline/internal/stages"
	"docpipeline/internal/storage"
	"docpipeline/pkg/backoff"
	"docpipeline/pkg/poll"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// run carries the state of one pipeline execution.
type run struct {
	o      *Orchestrator
	jobID  string
	logger *slog.Logger

	// outputs maps each admitted raw key to the relative name its derived
	// artifacts use.
	outputs   map[string]string
	bundleKey string
}

func (r *run) bucket() string { return r.o.store.Bucket() }

func (r *run) storageRetry(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	cfg := r.o.cfg
	return backoff.Retry(ctx, cfg.StorageRetries, backoff.ExponentialSchedule(&backoff.Config{Initial: cfg.StorageBackoff}), retryable, fn)
}

// scan lists the raw area and admits processable files.
func (r *run) scan(ctx context.Context) error {
	prefix := storage.Prefix(r.jobID, storage.AreaRaw)
	var objects []storage.Object
	err := r.storageRetry(ctx, nil, func(ctx context.Context) error {
		var err error
		objects, err = r.o.store.List(ctx, prefix)
		if err != nil {
			r.logger.Warn("Listing raw files failed", "error", err)
		}
		return err
	})
	if err != nil {
		return fail("storage unavailable", err)
	}

	var keys []string
	for _, obj := range objects {
		switch {
		case !storage.InArea(r.jobID, storage.AreaRaw, obj.Key):
			r.logger.Warn("Skipping file with invalid key", "key", obj.Key)
		case !r.accepted(obj.Key):
			r.logger.Info("Skipping file with unsupported extension", "key", obj.Key)
		case obj.Size <= 0:
			r.logger.Info("Skipping empty file", "key", obj.Key)
		default:
			keys = append(keys, obj.Key)
		}
	}
	if len(keys) == 0 {
		return fail("no processable files found", nil)
	}

	job, err := r.o.registry.AdmitFiles(r.jobID, keys)
	if err != nil {
		return fail("internal error", err)
	}
	r.outputs = outputNames(r.jobID, keys, r.o.cfg.OutputExtension)
	r.logger.Info("Files admitted", "admitted", len(keys), "listed", len(objects), "registered", job.UploadedFileCount)
	return nil
}

func (r *run) accepted(key string) bool {
	return slices.Contains(r.o.cfg.AcceptedExtensions, strings.ToLower(path.Ext(key)))
}

// outputNames assigns every raw key a relative output name with ext applied.
// When two sources would collide ("a.pdf" and "a.docx"), the later one keeps
// its source extension in front of ext.
func outputNames(jobID string, keys []string, ext string) map[string]string {
	names := make(map[string]string, len(keys))
	used := make(map[string]bool, len(keys))
	for _, k := range keys {
		rel := storage.Relative(jobID, k)
		name := rel
		if ext != "" {
			name = strings.TrimSuffix(rel, path.Ext(rel)) + ext
			if used[name] {
				name = rel + ext
			}
		}
		used[name] = true
		names[k] = name
	}
	return names
}

func (r *run) outputKey(rawKey string, area storage.Area) string {
	return storage.Prefix(r.jobID, area) + r.outputs[rawKey]
}

// active returns the files still in flight.
func (r *run) active() ([]jobs.FileRecord, error) {
	job, err := r.o.registry.Get(r.jobID)
	if err != nil {
		return nil, err
	}
	return job.ActiveFiles(), nil
}

// drop removes a file from the run. The error is logged, not returned.
func (r *run) drop(ctx context.Context, f jobs.FileRecord, stage jobs.Stage, reason string, cause error) {
	r.logger.Warn("File dropped", "stage", stage, "key", f.RawKey, "reason", reason, "error", cause)
	if err := r.o.registry.DropFile(r.jobID, f.RawKey, stage, reason); err != nil {
		r.logger.Error("Failed to record dropped file", "key", f.RawKey, "error", err)
	}
	if r.o.metrics != nil {
		r.o.metrics.RecordFileDropped(ctx, string(stage))
	}
}

// fanOut runs fn for every active file with bounded concurrency. Per-file
// failures are handled inside fn; the returned error is only ever a
// registry failure. A panic in fn drops that file at stage.
func (r *run) fanOut(ctx context.Context, stage jobs.Stage, files []jobs.FileRecord, fn func(ctx context.Context, f jobs.FileRecord) error) error {
	var g errgroup.Group
	g.SetLimit(r.o.cfg.Concurrency)
	for _, f := range files {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("File worker panicked", "stage", stage, "key", f.RawKey, "panic", p)
					r.drop(ctx, f, stage, "internal error", fmt.Errorf("panic: %v", p))
					err = nil
				}
			}()
			return fn(ctx, f)
		})
	}
	return g.Wait()
}

// survivors returns the active files or a failure carrying msg when none are left.
func (r *run) survivors(msg string) ([]jobs.FileRecord, error) {
	files, err := r.active()
	if err != nil {
		return nil, fail("internal error", err)
	}
	if len(files) == 0 {
		return nil, fail(msg, nil)
	}
	return files, nil
}

func (r *run) redact(ctx context.Context) error {
	files, err := r.active()
	if err != nil {
		return fail("internal error", err)
	}
	cfg := r.o.cfg
	retryable := func(err error) bool { return !stages.IsClientError(err) }

	err = r.fanOut(ctx, jobs.StageRedaction, files, func(ctx context.Context, f jobs.FileRecord) error {
		req := stages.RedactRequest{
			Bucket:    r.bucket(),
			ObjectKey: f.RawKey,
			OutputKey: r.outputKey(f.RawKey, storage.AreaRedacted),
		}
		var key string
		err := backoff.Retry(ctx, cfg.RedactionRetries, backoff.Constant(cfg.RedactionBackoff), retryable, func(ctx context.Context) error {
			var err error
			key, err = r.o.services.Redactor.Redact(ctx, req)
			return err
		})
		switch {
		case err != nil:
			r.drop(ctx, f, jobs.StageRedaction, "redaction failed", err)
			return nil
		case !storage.InJob(r.jobID, key):
			r.drop(ctx, f, jobs.StageRedaction, "redaction returned a key outside the job", fmt.Errorf("key %q", key))
			return nil
		}
		return r.o.registry.RecordStageArtifact(r.jobID, storage.AreaRedacted, f.RawKey, key)
	})
	if err != nil {
		return fail("internal error", err)
	}
	_, err = r.survivors("redaction failed for all files")
	return err
}

func (r *run) detect(ctx context.Context) error {
	files, err := r.active()
	if err != nil {
		return fail("internal error", err)
	}
	threshold := r.o.cfg.Threshold

	err = r.fanOut(ctx, jobs.StageDetection, files, func(ctx context.Context, f jobs.FileRecord) error {
		score, err := r.o.services.Detector.Score(ctx, stages.DetectRequest{
			Bucket:    r.bucket(),
			ObjectKey: f.RedactedKey,
		})
		if err != nil {
			r.drop(ctx, f, jobs.StageDetection, "scoring failed", err)
			return nil
		}
		rewrite := score >= threshold
		if r.o.metrics != nil {
			r.o.metrics.RecordRouting(ctx, rewrite)
		}
		r.logger.Debug("File scored", "key", f.RawKey, "score", score, "rewrite", rewrite)
		return r.o.registry.RecordScore(r.jobID, f.RawKey, score, rewrite)
	})
	if err != nil {
		return fail("internal error", err)
	}
	_, err = r.survivors("AI detection failed for all files")
	return err
}

func (r *run) rewrite(ctx context.Context) error {
	files, err := r.active()
	if err != nil {
		return fail("internal error", err)
	}
	var routed []jobs.FileRecord
	for _, f := range files {
		if f.Rewrite {
			routed = append(routed, f)
		}
	}
	if len(routed) == 0 {
		r.logger.Info("No files routed to rewriting")
		return nil
	}

	keys := make([]string, len(routed))
	for i, f := range routed {
		keys[i] = f.RedactedKey
	}
	handle, err := r.o.services.Rewriter.Submit(ctx, stages.BatchRequest{
		Bucket:       r.bucket(),
		ObjectKeys:   keys,
		OutputPrefix: storage.Prefix(r.jobID, storage.AreaRewritten),
	})
	if err != nil {
		return fail("rewrite batch submission failed", err)
	}
	logger := r.logger.With("handle", handle)
	logger.Info("Rewrite batch submitted", "files", len(keys))

	cfg := r.o.cfg
	var status stages.BatchStatus
	err = poll.Until(ctx, poll.Config{Interval: cfg.RewritePoll, Ceiling: cfg.RewriteTimeout}, func(ctx context.Context) (bool, error) {
		s, err := r.o.services.Rewriter.Status(ctx, handle)
		if err != nil {
			if stages.IsClientError(err) {
				return false, err
			}
			logger.Warn("Rewrite status poll failed", "error", err)
			return false, nil
		}
		status = s
		return s.Done(), nil
	})
	switch {
	case errors.Is(err, poll.ErrTimeout):
		return fail(fmt.Sprintf("rewrite batch timed out after %s", cfg.RewriteTimeout), err)
	case err != nil:
		return fail("rewrite batch status failed", err)
	case status.Status == stages.BatchFailed:
		return fail("rewrite batch failed", errors.New(status.Error))
	}

	results := make(map[string]stages.BatchResult, len(status.Results))
	for _, res := range status.Results {
		results[res.InputKey] = res
	}
	for _, f := range routed {
		res, ok := results[f.RedactedKey]
		switch {
		case !ok:
			r.drop(ctx, f, jobs.StageRewriting, "missing from rewrite results", nil)
		case res.Error != "" || res.OutputKey == "":
			r.drop(ctx, f, jobs.StageRewriting, "rewrite failed", errors.New(res.Error))
		case !storage.InJob(r.jobID, res.OutputKey):
			r.drop(ctx, f, jobs.StageRewriting, "rewrite returned a key outside the job", fmt.Errorf("key %q", res.OutputKey))
		default:
			if err := r.o.registry.RecordStageArtifact(r.jobID, storage.AreaRewritten, f.RawKey, res.OutputKey); err != nil {
				return fail("internal error", err)
			}
		}
	}
	logger.Info("Rewrite batch finished", "results", len(status.Results))
	_, err = r.survivors("rewriting failed for all files")
	return err
}

func (r *run) grammar(ctx context.Context) error {
	files, err := r.active()
	if err != nil {
		return fail("internal error", err)
	}

	err = r.fanOut(ctx, jobs.StageGrammar, files, func(ctx context.Context, f jobs.FileRecord) error {
		source := f.RedactedKey
		if f.Rewrite {
			source = f.RewrittenKey
		}
		key, err := r.o.services.Grammar.Check(ctx, stages.CheckRequest{
			Bucket:    r.bucket(),
			ObjectKey: source,
			OutputKey: r.outputKey(f.RawKey, storage.AreaFinal),
		})
		switch {
		case err != nil:
			r.drop(ctx, f, jobs.StageGrammar, "grammar check failed", err)
			return nil
		case !storage.InJob(r.jobID, key):
			r.drop(ctx, f, jobs.StageGrammar, "grammar check returned a key outside the job", fmt.Errorf("key %q", key))
			return nil
		}
		return r.o.registry.RecordStageArtifact(r.jobID, storage.AreaFinal, f.RawKey, key)
	})
	if err != nil {
		return fail("internal error", err)
	}
	_, err = r.survivors("grammar check failed for all files")
	return err
}

func (r *run) bundle(ctx context.Context) error {
	job, err := r.o.registry.Get(r.jobID)
	if err != nil {
		return fail("internal error", err)
	}

	retryable := func(err error) bool { return !errors.Is(err, bundle.ErrEmpty) }
	var result bundle.Result
	err = r.storageRetry(ctx, retryable, func(ctx context.Context) error {
		var err error
		result, err = r.o.bundler.Assemble(ctx, r.jobID, job.FinalFiles)
		if err != nil {
			r.logger.Warn("Bundle assembly attempt failed", "error", err)
		}
		return err
	})
	if err != nil {
		return fail("bundle assembly failed", err)
	}
	if len(result.Omitted) > 0 {
		r.logger.Warn("Bundle omitted unreadable files", "omitted", result.Omitted)
	}
	r.bundleKey = result.Key
	return nil
}
