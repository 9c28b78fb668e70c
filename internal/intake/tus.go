package intake

import (
	"docpipeline/internal/apperrors"
	"encoding/json"
	"errors"
	"io"
)

// HookPostFinish is the tusd hook fired once an upload is complete.
const HookPostFinish = "post-finish"

// ErrIgnoredHook is returned for hook types that carry no finished upload.
var ErrIgnoredHook = errors.New("hook type ignored")

// TusHook is the subset of a tusd HTTP hook request used for intake.
type TusHook struct {
	Type  string `json:"Type"`
	Event struct {
		Upload struct {
			ID       string            `json:"ID"`
			Size     int64             `json:"Size"`
			MetaData map[string]string `json:"MetaData"`
			Storage  map[string]string `json:"Storage"`
		} `json:"Upload"`
	} `json:"Event"`
}

// FileLanded describes an upload taken from a hook.
type FileLanded struct {
	UploadID string
	JobID    string
	Key      string
	Size     int64
}

// DecodeTusHook extracts the job and object key of a finished tusd upload.
// The job ID travels as the "jobId" upload metadata; the key is the one the
// storage backend wrote.
func DecodeTusHook(r io.Reader) (FileLanded, error) {
	var hook TusHook
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&hook); err != nil {
		return FileLanded{}, apperrors.Validation("body", "invalid hook body")
	}
	if hook.Type != HookPostFinish {
		return FileLanded{}, ErrIgnoredHook
	}

	up := hook.Event.Upload
	f := FileLanded{
		UploadID: up.ID,
		JobID:    up.MetaData["jobId"],
		Key:      up.Storage["Key"],
		Size:     up.Size,
	}
	if f.JobID == "" {
		return FileLanded{}, apperrors.Validation("Event.Upload.MetaData.jobId", "upload metadata has no jobId")
	}
	if f.Key == "" {
		return FileLanded{}, apperrors.Validation("Event.Upload.Storage.Key", "upload has no storage key")
	}
	return f, nil
}
