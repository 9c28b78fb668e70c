// Package intake records files that have landed in a job's raw area.
package intake

import (
	"context"
	"docpipeline/internal/apperrors"
	"docpipeline/internal/jobs"
	"docpipeline/internal/storage"
	"log/slog"
)

// Intake registers uploaded files with the job registry. It never starts a
// batch; a job that receives its last file becomes uploaded and waits for an
// explicit start.
type Intake struct {
	registry *jobs.Registry
	logger   *slog.Logger
}

// New creates an intake adapter.
func New(registry *jobs.Registry) *Intake {
	return &Intake{
		registry: registry,
		logger:   slog.With("component", "intake"),
	}
}

// OnFileLanded records key as a raw file of the job. The job must exist and
// key must lie under the job's raw prefix. Repeated notifications for the
// same key are no-ops.
func (i *Intake) OnFileLanded(ctx context.Context, jobID, key string) (jobs.Job, error) {
	if _, err := i.registry.Get(jobID); err != nil {
		return jobs.Job{}, err
	}
	if !storage.InArea(jobID, storage.AreaRaw, key) {
		return jobs.Job{}, apperrors.Validation("storageKey", "storageKey must be under "+storage.Prefix(jobID, storage.AreaRaw))
	}

	job, err := i.registry.RegisterRawFile(jobID, key)
	if err != nil {
		i.logger.WarnContext(ctx, "File registration rejected", "jobId", jobID, "key", key, "error", err)
		return jobs.Job{}, err
	}
	i.logger.DebugContext(ctx, "File registered",
		"jobId", jobID,
		"key", key,
		"uploaded", job.UploadedFileCount,
		"expected", job.ExpectedFileCount,
	)
	return job, nil
}
