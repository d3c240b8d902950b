package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/config"
	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/dispatcher"
	"github.com/JakeFAU/flowcrawler/internal/persist"
	memorypublisher "github.com/JakeFAU/flowcrawler/internal/publisher/memory"
	queuememory "github.com/JakeFAU/flowcrawler/internal/queue/memory"
	"github.com/JakeFAU/flowcrawler/internal/workflow"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Queue.PopTimeout = 20 * time.Millisecond
	cfg.Queue.IdleSleep = time.Millisecond
	cfg.Fetch.MaxRetries = 1
	cfg.Fetch.Timeout = 5 * time.Second
	return cfg
}

func writeWorkflow(t *testing.T, baseURL string) string {
	t.Helper()
	doc := fmt.Sprintf(`{
  "taskInfo": {"id": "t-1", "name": "site", "baseUrl": %q, "concurrency": 2},
  "workflowSteps": [
    {"type": "request", "config": {"method": "GET", "headersMode": "json", "headersJson": "{\"Accept-Language\":\"en\"}"}},
    {"type": "link_extraction", "config": {"linkExtractionRules": [
      {"fieldName": "link", "expression": "a.item::attr(href)", "extractType": "css", "multiple": true},
      {"fieldName": "title", "expression": "a.item::text", "extractType": "css", "multiple": true}
    ]}},
    {"type": "data_extraction", "config": {"extractionRules": [
      {"fieldName": "content", "expression": "//p/text()", "extractType": "xpath"}
    ]}}
  ]
}`, baseURL+"/list")
	path := filepath.Join(t.TempDir(), "workflow.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Language") != "en" {
			http.Error(w, "missing header", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body>
<a class="item" href="/a/1">First</a>
<a class="item" href="/a/2">Second</a>
</body></html>`))
	})
	mux.HandleFunc("/a/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><p>body of " + r.URL.Path + "</p></body></html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewMemoryQueue(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.Queue())
	assert.Empty(t, a.checks)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestNewRedisQueueRegistersReadinessCheck(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.Queue.Backend = "redis"
	cfg.Queue.RedisURL = "redis://" + srv.Addr() + "/0"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.Contains(t, a.checks, "queue")
	require.NoError(t, a.checks["queue"](context.Background()))
}

func TestNewUnreachableQueue(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Queue.Backend = "redis"
	cfg.Queue.RedisURL = "redis://127.0.0.1:1/0"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "open redis queue")
}

func TestWorkflowRequiresPath(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Workflow()
	require.True(t, workflow.IsConfigError(err))
	_, err = a.ProcessRunners(context.Background())
	require.True(t, workflow.IsConfigError(err))
}

func TestSinkRequiresBackend(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.SinkRunners(context.Background())
	require.ErrorIs(t, err, persist.ErrNoBackend)

	router, err := a.Router(context.Background())
	require.NoError(t, err)
	assert.False(t, router.Enabled())
}

func TestRunnersHonorConcurrency(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Workflow.Path = writeWorkflow(t, "https://example.com")
	cfg.Process.Concurrency = 3
	cfg.Sink.Concurrency = 2
	cfg.Storage.Backends = []string{"memory"}

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	fetchers, err := a.FetchRunners(ctx)
	require.NoError(t, err)
	assert.Len(t, fetchers, 2, "taskInfo.concurrency applies when fetch.concurrency is left at 1")

	processors, err := a.ProcessRunners(ctx)
	require.NoError(t, err)
	assert.Len(t, processors, 3)

	sinks, err := a.SinkRunners(ctx)
	require.NoError(t, err)
	assert.Len(t, sinks, 2)

	assert.Nil(t, a.AdminRunner())
}

func TestUnknownStorageBackend(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Storage.Backends = []string{"sqlite"}
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Router(context.Background())
	require.ErrorContains(t, err, "unknown storage backend")
}

func TestRouterSkipsUnreachableBackend(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Storage.Backends = []string{"mysql", "memory"}
	cfg.Storage.MySQL.DSN = "u:p@tcp(127.0.0.1:1)/db"
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	router, err := a.Router(context.Background())
	require.NoError(t, err)
	require.True(t, router.Enabled())

	res, err := router.Save(context.Background(), crawler.ExtractedRecord{
		TaskID:    "t-1",
		SourceURL: "https://example.com/a/1",
		Fields:    crawler.Fields{"title": "First", "content": "body"},
		Terminal:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "memory", res.Backend)
}

func TestRouterDisabledWhenEveryBackendIsDown(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Workflow.Path = writeWorkflow(t, "https://example.com")
	cfg.Storage.Backends = []string{"mysql"}
	cfg.Storage.MySQL.DSN = "u:p@tcp(127.0.0.1:1)/db"
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	router, err := a.Router(context.Background())
	require.NoError(t, err)
	assert.False(t, router.Enabled())

	processors, err := a.ProcessRunners(context.Background())
	require.NoError(t, err, "processing falls back to the data queue")
	assert.Len(t, processors, 1)

	_, err = a.SinkRunners(context.Background())
	require.ErrorIs(t, err, persist.ErrNoBackend)
}

func TestQueueNamesComeFromConfig(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := baseConfig(t)
	cfg.Workflow.Path = writeWorkflow(t, site.URL)
	cfg.Queue.StartKey = "custom:start"
	cfg.Queue.SuccessKey = "custom:success"
	cfg.Queue.DataKey = "custom:data"
	cfg.Queue.ErrorKey = "custom:errors"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	q, ok := a.Queue().(*queuememory.Queue)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wf, err := a.Workflow()
	require.NoError(t, err)
	_, err = a.Producer().SeedWorkflow(ctx, wf)
	require.NoError(t, err)
	require.Equal(t, 1, q.Len("custom:start"))
	assert.Zero(t, q.Len("fetch_spider:start_urls"))

	fetchers, err := a.FetchRunners(ctx)
	require.NoError(t, err)
	d := dispatcher.New(zap.NewNop(), fetchers...)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return q.Len("custom:success") == 1 }, 10*time.Second, 20*time.Millisecond)
	cancel()
	<-done
	assert.Zero(t, q.Len("fetch_spider:success"))
}

func TestLocalArchive(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Archive.Backend = "local"
	cfg.Archive.LocalDir = t.TempDir()
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	archiver, err := a.Archiver(context.Background())
	require.NoError(t, err)
	uri, err := archiver.Archive(context.Background(), "t-1", []byte("<html></html>"))
	require.NoError(t, err)
	assert.Contains(t, uri, "file://")
}

func TestEndToEndPipeline(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := baseConfig(t)
	cfg.Workflow.Path = writeWorkflow(t, site.URL)
	cfg.Storage.Backends = []string{"memory"}
	cfg.Publisher.Backend = "memory"
	cfg.Archive.Backend = "memory"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wf, err := a.Workflow()
	require.NoError(t, err)
	_, err = a.Producer().SeedWorkflow(ctx, wf)
	require.NoError(t, err)

	fetchers, err := a.FetchRunners(ctx)
	require.NoError(t, err)
	processors, err := a.ProcessRunners(ctx)
	require.NoError(t, err)

	d := dispatcher.New(zap.NewNop(), append(fetchers, processors...)...)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	publisher, ok := a.publisher.(*memorypublisher.Publisher)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return len(publisher.Topic(persist.SavedEvent)) == 2
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.True(t, err == nil || errors.Is(err, context.Canceled), "unexpected error: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("workers did not stop")
	}

	links := make([]string, 0, 2)
	for _, payload := range publisher.Topic(persist.SavedEvent) {
		event, ok := payload.(persist.ArticleEvent)
		require.True(t, ok)
		assert.Equal(t, "t-1", event.TaskID)
		assert.Equal(t, "memory", event.Backend)
		links = append(links, event.Link)
	}
	assert.ElementsMatch(t, []string{site.URL + "/a/1", site.URL + "/a/2"}, links)
}
