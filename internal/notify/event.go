package notify

import (
	"docpipeline/internal/jobs"
	"time"
)

// JobData is the data payload of every job lifecycle event.
type JobData struct {
	JobID        string      `json:"jobId"`
	Status       jobs.Status `json:"status"`
	Progress     int         `json:"progress"`
	Counts       jobs.Counts `json:"counts"`
	BundleKey    string      `json:"bundleKey,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
}

func jobData(j jobs.Job) JobData {
	d := JobData{
		JobID:        j.ID,
		Status:       j.Status,
		Progress:     j.Progress(),
		Counts:       j.Counts(),
		BundleKey:    j.BundleKey,
		ErrorMessage: j.ErrorMessage,
	}
	if !j.StartedAt.IsZero() {
		d.StartedAt = &j.StartedAt
	}
	if !j.CompletedAt.IsZero() {
		d.CompletedAt = &j.CompletedAt
	}
	return d
}
