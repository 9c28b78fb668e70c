// Package bundle packages a job's final artifacts into the downloadable zip.
package bundle

import (
	"bytes"
	"context"
	"docpipeline/internal/storage"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// ErrEmpty is returned when none of the requested objects could be archived.
var ErrEmpty = errors.New("bundle would be empty")

// MetricsRecorder is an optional interface for recording bundle metrics.
type MetricsRecorder interface {
	RecordBundle(ctx context.Context, entries, omitted int, durationSeconds float64)
}

// Result describes a written bundle.
type Result struct {
	Key      string
	Entries  []string // archive paths, in archive order
	Included []string // source keys that made it in
	Omitted  []string // source keys that could not be read
}

// Assembler writes bundles into the object store.
type Assembler struct {
	store   storage.Store
	metrics MetricsRecorder
}

// NewAssembler creates an assembler. metrics may be nil.
func NewAssembler(store storage.Store, metrics MetricsRecorder) *Assembler {
	return &Assembler{store: store, metrics: metrics}
}

// Assemble archives finalKeys under paths relative to the job root, with the
// stage folder stripped, and uploads the zip to storage.BundleKey(jobID).
//
// The archive is streamed into the store while it is built. Only one source
// object is held in memory at a time; objects that cannot be read are
// skipped. If nothing could be included the upload is aborted and ErrEmpty
// is returned.
func (a *Assembler) Assemble(ctx context.Context, jobID string, finalKeys []string) (Result, error) {
	start := time.Now()
	logger := slog.With("component", "bundle", "jobId", jobID)
	key := storage.BundleKey(jobID)

	keys := append([]string(nil), finalKeys...)
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := storage.Relative(jobID, keys[i]), storage.Relative(jobID, keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})

	pr, pw := io.Pipe()
	result := Result{Key: key}
	writeErr := make(chan error, 1)

	go func() {
		err := a.writeArchive(ctx, logger, jobID, keys, pw, &result)
		pw.CloseWithError(err)
		writeErr <- err
	}()

	putErr := a.store.Put(ctx, key, pr, -1, "application/zip")
	// Unblock the writer if the store gave up early.
	pr.CloseWithError(putErr)
	err := <-writeErr

	if err == nil && putErr != nil {
		err = fmt.Errorf("upload bundle: %w", putErr)
	}
	if err != nil {
		if delErr := a.store.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			logger.Warn("Failed to remove partial bundle", "error", delErr)
		}
		return Result{}, err
	}

	if a.metrics != nil {
		a.metrics.RecordBundle(ctx, len(result.Entries), len(result.Omitted), time.Since(start).Seconds())
	}
	logger.Info("Bundle written", "key", key, "entries", len(result.Entries), "omitted", len(result.Omitted))
	return result, nil
}

func (a *Assembler) writeArchive(ctx context.Context, logger *slog.Logger, jobID string, keys []string, w io.Writer, result *Result) error {
	zw := zip.NewWriter(w)
	names := make(map[string]bool)
	var buf bytes.Buffer

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		buf.Reset()
		info, err := a.readObject(ctx, k, &buf)
		if err != nil {
			logger.Warn("Omitting unreadable object from bundle", "key", k, "error", err)
			result.Omitted = append(result.Omitted, k)
			continue
		}

		name := uniqueName(names, storage.Relative(jobID, k))
		hdr := &zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: info.LastModified,
		}
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("add %s to bundle: %w", name, err)
		}
		if _, err := io.Copy(entry, &buf); err != nil {
			return fmt.Errorf("write %s to bundle: %w", name, err)
		}
		result.Entries = append(result.Entries, name)
		result.Included = append(result.Included, k)
	}

	if len(result.Entries) == 0 {
		return fmt.Errorf("%w: %d of %d objects unreadable", ErrEmpty, len(result.Omitted), len(keys))
	}
	return zw.Close()
}

// readObject copies one object fully into buf so a read failure midway
// leaves no partial entry in the archive.
func (a *Assembler) readObject(ctx context.Context, key string, buf *bytes.Buffer) (storage.Object, error) {
	rc, info, err := a.store.Get(ctx, key)
	if err != nil {
		return storage.Object{}, err
	}
	defer rc.Close()
	if _, err := buf.ReadFrom(rc); err != nil {
		return storage.Object{}, err
	}
	return info, nil
}

// uniqueName returns name, or "name (n).ext" when name is already taken.
func uniqueName(used map[string]bool, name string) string {
	if !used[name] {
		used[name] = true
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}
