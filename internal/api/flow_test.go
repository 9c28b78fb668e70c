package api

import (
	"bytes"
	"context"
	"docpipeline/internal/bundle"
	"docpipeline/internal/health"
	"docpipeline/internal/intake"
	"docpipeline/internal/jobs"
	"docpipeline/internal/pipeline"
	"docpipeline/internal/stages"
	"docpipeline/internal/stages/stagestest"
	"docpipeline/internal/storage"
	"docpipeline/internal/testutil"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
)

func TestAPI_FullFlow(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory("documents", "http://minio.local/documents")
	fake := stagestest.New(t, store)
	fake.Score = func(key string) float64 {
		if strings.Contains(key, "essay") {
			return 0.8
		}
		return 0.2
	}
	clients, err := stages.New(fake.Config(), nil)
	if err != nil {
		t.Fatal(err)
	}

	registry := jobs.NewRegistry()
	orch := pipeline.New(registry, store, pipeline.ServicesFrom(clients), bundle.NewAssembler(store, nil), pipeline.Options{
		Config: pipeline.Config{
			RedactionBackoff: time.Millisecond,
			RewritePoll:      5 * time.Millisecond,
			StorageBackoff:   time.Millisecond,
		},
	})
	h := NewHandler(HandlerConfig{
		Registry: registry,
		Intake:   intake.New(registry),
		Starter:  orch,
		Store:    store,
		Health:   health.NewChecker().Require("storage", store).Observe("stages", clients),
	})
	s := &testServer{router: NewRouter(RouterConfig{Handler: h}), registry: registry, store: store}

	id := s.createJob(t, 2)
	s.land(t, id, "essay.docx")
	s.land(t, id, "letter.docx")

	if w := s.do(t, http.MethodPost, "/jobs/"+id+"/start", nil); w.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, body %s", w.Code, w.Body)
	}

	var st StatusResponse
	testutil.MustWaitFor(t, func() bool {
		st = decodeBody[StatusResponse](t, s.do(t, http.MethodGet, "/jobs/"+id+"/status", nil))
		return st.Status.Terminal()
	}, testutil.Describe("job to finish"), testutil.WithTimeout(10*time.Second), testutil.WithInterval(10*time.Millisecond))

	if st.Status != jobs.StatusCompleted || st.Progress != 100 {
		t.Fatalf("final status = %+v", st)
	}
	if st.Counts.Final != 2 || st.Counts.Rewritten != 1 {
		t.Errorf("counts = %+v", st.Counts)
	}

	w := s.do(t, http.MethodGet, "/jobs/"+id+"/download", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("download status = %d", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	key := strings.TrimPrefix(loc.Path, "/documents/")
	data, ok := store.Bytes(key)
	if !ok {
		t.Fatalf("redirect target %s not in store", key)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) != 2 {
		t.Errorf("bundle has %d entries, want 2", len(zr.File))
	}

	if err := orch.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}
