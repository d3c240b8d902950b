package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/app"
	"github.com/JakeFAU/flowcrawler/internal/config"
	"github.com/JakeFAU/flowcrawler/internal/crawler"
	queueMemory "github.com/JakeFAU/flowcrawler/internal/queue/memory"
	"github.com/JakeFAU/flowcrawler/internal/workflow"
)

const seedWorkflow = `{
  "taskInfo": {"id": 3, "name": "cli", "baseUrl": "https://example.com/start"},
  "workflowSteps": [{"type": "request", "config": {"method": "GET"}}]
}`

func writeFiles(t *testing.T, workflowDoc string) string {
	t.Helper()
	dir := t.TempDir()
	wfPath := filepath.Join(dir, "workflow.json")
	require.NoError(t, os.WriteFile(wfPath, []byte(workflowDoc), 0o600))
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgBody := "logging:\n  development: false\n  level: error\nworkflow:\n  path: " + wfPath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgBody), 0o600))
	return cfgPath
}

// captureApp swaps the factory for one that records the built app. Tests
// using it must not run in parallel.
func captureApp(t *testing.T) **app.App {
	t.Helper()
	var captured *app.App
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		a, err := app.New(ctx, cfg, logger)
		captured = a
		return a, err
	}
	t.Cleanup(func() { newApp = orig })
	return &captured
}

func TestRootCommandRegistersStages(t *testing.T) {
	names := make([]string, 0)
	for _, c := range newRootCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"seed", "fetch", "process", "sink", "run"})
}

func TestSeedCommandPushesWorkflowSeed(t *testing.T) {
	captured := captureApp(t)
	cfgPath := writeFiles(t, seedWorkflow)

	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgPath, "seed"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	require.NotNil(t, *captured)
	q, ok := (*captured).Queue().(*queueMemory.Queue)
	require.True(t, ok)
	bodies := q.Drain("fetch_spider:start_urls")
	require.Len(t, bodies, 1)
	msg, err := crawler.DecodeRequestMessage(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/start", msg.URL)
	assert.Equal(t, "3", msg.Context.String(workflow.ContextTaskID))
}

func TestSeedCommandConfigError(t *testing.T) {
	captureApp(t)
	cfgPath := writeFiles(t, `{"taskInfo": {"id": 1}, "workflowSteps": [{"type": "link_extraction"}]}`)

	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgPath, "seed"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.True(t, workflow.IsConfigError(err))
}

func TestSeedPendingRequiresDSN(t *testing.T) {
	captureApp(t)
	cfgPath := writeFiles(t, seedWorkflow)

	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgPath, "seed", "--skip-workflow", "--pending"})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "seed.pending_dsn")
}

func TestSinkCommandRequiresBackend(t *testing.T) {
	captureApp(t)
	cfgPath := writeFiles(t, seedWorkflow)

	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgPath, "sink"})
	require.Error(t, root.ExecuteContext(context.Background()))
}
