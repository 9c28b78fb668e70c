package storage

import (
	"path"
	"strings"
)

// Area is a stage subfolder under a job's prefix.
type Area string

const (
	AreaRaw       Area = "raw"
	AreaRedacted  Area = "redacted"
	AreaRewritten Area = "rewritten"
	AreaFinal     Area = "final"
	AreaExport    Area = "export"
)

const rootPrefix = "jobs/"

// JobPrefix returns the prefix owning every object of a job ("jobs/{id}/").
func JobPrefix(jobID string) string {
	return rootPrefix + jobID + "/"
}

// Prefix returns the prefix of one stage area ("jobs/{id}/{area}/").
func Prefix(jobID string, area Area) string {
	return JobPrefix(jobID) + string(area) + "/"
}

// BundleKey returns the fixed location of a job's export archive.
func BundleKey(jobID string) string {
	return Prefix(jobID, AreaExport) + jobID + "-export.zip"
}

// InArea reports whether key names an object inside the given area of the job.
// Keys with empty, "." or ".." segments are rejected so a key can never
// escape its prefix once joined or cleaned.
func InArea(jobID string, area Area, key string) bool {
	prefix := Prefix(jobID, area)
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return false
	}
	return cleanSegments(strings.TrimPrefix(key, prefix))
}

// InJob reports whether key lies in any stage area of the job.
func InJob(jobID, key string) bool {
	prefix := JobPrefix(jobID)
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	rest := strings.TrimPrefix(key, prefix)
	area, tail, ok := strings.Cut(rest, "/")
	if !ok || area == "" || tail == "" {
		return false
	}
	return cleanSegments(tail)
}

// Relative strips the job prefix and the stage folder:
// "jobs/{id}/final/a/b.docx" becomes "a/b.docx". Keys outside the job are
// returned unchanged.
func Relative(jobID, key string) string {
	rest, ok := strings.CutPrefix(key, JobPrefix(jobID))
	if !ok {
		return key
	}
	if _, tail, ok := strings.Cut(rest, "/"); ok {
		return tail
	}
	return rest
}

// Retarget moves key into another area of the same job, optionally replacing
// the file extension (ext includes the dot; empty keeps the original).
func Retarget(jobID, key string, to Area, ext string) string {
	rel := Relative(jobID, key)
	if ext != "" {
		rel = strings.TrimSuffix(rel, path.Ext(rel)) + ext
	}
	return Prefix(jobID, to) + rel
}

func cleanSegments(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
