package jobs

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition marks an attempt to move a job backward or sideways
// through its lifecycle. It indicates a bug in the caller, not bad input.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle position of a job.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the lifecycle:
// uploading -> uploaded -> processing -> completed | failed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusUploading:
		return to == StatusUploaded
	case StatusUploaded:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Stage is the pipeline step a processing job is currently in.
type Stage string

const (
	StageNone      Stage = ""
	StageScanning  Stage = "scanning"
	StageRedaction Stage = "redaction"
	StageDetection Stage = "detection"
	StageRewriting Stage = "rewriting"
	StageGrammar   Stage = "grammar"
	StageBundling  Stage = "bundling"
)

var stageOrder = map[Stage]int{
	StageNone:      0,
	StageScanning:  1,
	StageRedaction: 2,
	StageDetection: 3,
	StageRewriting: 4,
	StageGrammar:   5,
	StageBundling:  6,
}

// Callback is an optional webhook notified of job lifecycle events.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// FileRecord tracks one admitted source file through the stages.
type FileRecord struct {
	RawKey       string
	RedactedKey  string
	Score        *float64
	Rewrite      bool // routed to the rewriter
	RewrittenKey string
	FinalKey     string
	DroppedAt    Stage
	DropReason   string
}

// Dropped reports whether the file left the pipeline early.
func (f FileRecord) Dropped() bool { return f.DroppedAt != StageNone }

// weight is the file's contribution to progress, in percent of its share.
func (f FileRecord) weight() int {
	switch {
	case f.Dropped(), f.FinalKey != "":
		return 80
	case f.RewrittenKey != "", f.Score != nil && !f.Rewrite:
		return 60
	case f.Score != nil:
		return 45
	case f.RedactedKey != "":
		return 30
	default:
		return 0
	}
}

// Job is a point-in-time snapshot. Values returned by the Registry are deep
// copies; mutating them has no effect on the registry.
type Job struct {
	ID                string
	Status            Status
	Stage             Stage
	ExpectedFileCount int
	UploadedFileCount int

	RawFiles       []string
	RedactedFiles  []string
	RewrittenFiles []string
	FinalFiles     []string

	// Files holds one record per admitted file, in admission order.
	Files      []FileRecord
	TotalFiles int

	BundleKey    string
	ErrorMessage string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Callback *Callback
}

// Counts summarizes a job's file sets.
type Counts struct {
	Expected  int `json:"expected"`
	Uploaded  int `json:"uploaded"`
	Raw       int `json:"raw"`
	Redacted  int `json:"redacted"`
	Rewritten int `json:"rewritten"`
	Final     int `json:"final"`
	Dropped   int `json:"dropped"`
}

// Counts returns the size of each file set.
func (j Job) Counts() Counts {
	c := Counts{
		Expected:  j.ExpectedFileCount,
		Uploaded:  j.UploadedFileCount,
		Raw:       len(j.RawFiles),
		Redacted:  len(j.RedactedFiles),
		Rewritten: len(j.RewrittenFiles),
		Final:     len(j.FinalFiles),
	}
	for _, f := range j.Files {
		if f.Dropped() {
			c.Dropped++
		}
	}
	return c
}

// Progress returns a 0-100 completion estimate. It never decreases over a
// job's lifetime: uploads fill 0-10, pipeline stages 10-90, completion 100.
func (j Job) Progress() int {
	switch j.Status {
	case StatusCompleted:
		return 100
	case StatusUploading, StatusUploaded:
		if j.ExpectedFileCount == 0 {
			return 0
		}
		return 10 * j.UploadedFileCount / j.ExpectedFileCount
	}

	if j.TotalFiles == 0 {
		return 10
	}
	sum := 0
	for _, f := range j.Files {
		sum += f.weight()
	}
	return 10 + sum/j.TotalFiles
}

// ActiveFiles returns the records of files not yet dropped.
func (j Job) ActiveFiles() []FileRecord {
	out := make([]FileRecord, 0, len(j.Files))
	for _, f := range j.Files {
		if !f.Dropped() {
			out = append(out, f)
		}
	}
	return out
}

func (j Job) clone() Job {
	c := j
	c.RawFiles = cloneStrings(j.RawFiles)
	c.RedactedFiles = cloneStrings(j.RedactedFiles)
	c.RewrittenFiles = cloneStrings(j.RewrittenFiles)
	c.FinalFiles = cloneStrings(j.FinalFiles)
	if j.Files != nil {
		c.Files = make([]FileRecord, len(j.Files))
		for i, f := range j.Files {
			if f.Score != nil {
				s := *f.Score
				f.Score = &s
			}
			c.Files[i] = f
		}
	}
	if j.Callback != nil {
		cb := *j.Callback
		cb.Events = cloneStrings(j.Callback.Events)
		c.Callback = &cb
	}
	return c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
