//go:build e2e

package e2e

import (
	"context"
	"docpipeline/internal/api"
	"docpipeline/internal/bundle"
	"docpipeline/internal/health"
	"docpipeline/internal/intake"
	"docpipeline/internal/jobs"
	"docpipeline/internal/notify"
	"docpipeline/internal/pipeline"
	"docpipeline/internal/stages"
	"docpipeline/internal/stages/stagestest"
	"docpipeline/internal/storage"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

// env is a running service plus direct access to its object store, which
// tests use to land uploads the way the upload transport would.
type env struct {
	URL   string
	Store storage.Store
}

// newEnv returns the service under test. If E2E_API_URL is set, tests run
// against that instance and land objects through the MINIO_* settings.
// Otherwise an in-process service is wired to an in-memory store and fake
// stage services that score keys containing "ai-" as machine-written.
func newEnv(tb testing.TB) *env {
	tb.Helper()
	if url := os.Getenv("E2E_API_URL"); url != "" {
		tb.Logf("Using external API: %s", url)
		store, err := storage.New(context.Background(), storage.LoadConfigFromEnv())
		if err != nil {
			tb.Fatalf("connect to object store: %v", err)
		}
		return &env{URL: url, Store: store}
	}

	store := storage.NewMemory("documents", "http://minio.local/documents")
	fake := stagestest.New(tb, store)
	fake.Score = func(key string) float64 {
		if strings.Contains(key, "ai-") {
			return 0.95
		}
		return 0.05
	}
	fake.BatchPollsUntilDone = 1

	clients, err := stages.New(fake.Config(), nil)
	if err != nil {
		tb.Fatalf("stages.New() error = %v", err)
	}

	notifier := notify.New(notify.Config{BufferSize: 100, Workers: 2}, nil)
	registry := jobs.NewRegistry()
	orch := pipeline.New(registry, store, pipeline.ServicesFrom(clients), bundle.NewAssembler(store, nil), pipeline.Options{
		Config: pipeline.Config{
			RedactionBackoff: 10 * time.Millisecond,
			RewritePoll:      20 * time.Millisecond,
			StorageBackoff:   10 * time.Millisecond,
		},
		Notifier: notifier,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Registry: registry,
		Intake:   intake.New(registry),
		Starter:  orch,
		Store:    store,
		Health:   health.NewChecker().Require("storage", store).Observe("stages", clients),
	})
	server := httptest.NewServer(api.NewRouter(api.RouterConfig{Handler: handler}))

	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Runs finish before the notifier drains so their final events are sent.
		orch.Wait(ctx)
		notifier.Close(ctx)
		server.Close()
	})
	return &env{URL: server.URL, Store: store}
}
