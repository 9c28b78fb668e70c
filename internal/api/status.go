package api

import (
	"docpipeline/internal/jobs"
	"time"
)

// StatusResponse is the public projection of a job.
type StatusResponse struct {
	JobID        string      `json:"jobId"`
	Status       jobs.Status `json:"status"`
	Stage        jobs.Stage  `json:"stage,omitempty"`
	Progress     int         `json:"progress"`
	Counts       jobs.Counts `json:"counts"`
	BundleKey    string      `json:"bundleKey,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
}

func projectStatus(j jobs.Job) StatusResponse {
	resp := StatusResponse{
		JobID:        j.ID,
		Status:       j.Status,
		Stage:        j.Stage,
		Progress:     j.Progress(),
		Counts:       j.Counts(),
		BundleKey:    j.BundleKey,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
	}
	if !j.StartedAt.IsZero() {
		resp.StartedAt = &j.StartedAt
	}
	if !j.CompletedAt.IsZero() {
		resp.CompletedAt = &j.CompletedAt
	}
	return resp
}

// JobRef is returned by create and start.
type JobRef struct {
	JobID  string      `json:"jobId"`
	Status jobs.Status `json:"status"`
}

// FileRequest registers an uploaded object.
type FileRequest struct {
	StorageKey string `json:"storageKey"`
}

// ListResponse wraps the job listing.
type ListResponse struct {
	Jobs  []StatusResponse `json:"jobs"`
	Total int              `json:"total"`
}
