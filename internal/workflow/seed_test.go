package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedRequestHeadersFromJSONMode(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(demoWorkflow))
	require.NoError(t, err)

	seed, err := cfg.SeedRequest()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/list", seed.URL)
	assert.Equal(t, "GET", seed.Method)
	assert.Equal(t, map[string]string{"Accept-Language": "en"}, seed.Headers)
	assert.Equal(t, 0, seed.StepIndex)
	assert.Equal(t, "17", seed.Context.String(ContextTaskID))
	assert.Equal(t, "news", seed.Context.String(ContextTaskName))
}

func TestSeedRequestURLOverridesBase(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`{"taskInfo": {"id": "1", "baseUrl": "https://base.example"},
		"workflowSteps": [{"type": "request", "config": {"url": "https://start.example/p", "method": "POST"}}]}`))
	require.NoError(t, err)
	seed, err := cfg.SeedRequest()
	require.NoError(t, err)
	assert.Equal(t, "https://start.example/p", seed.URL)
	assert.Equal(t, "POST", seed.Method)
}

func TestSeedRequestErrors(t *testing.T) {
	t.Parallel()

	notRequest, err := Parse([]byte(`{"taskInfo": {"baseUrl": "https://x"}, "workflowSteps": [{"type": "data_extraction"}]}`))
	require.NoError(t, err)
	_, err = notRequest.SeedRequest()
	require.True(t, IsConfigError(err))

	noURL, err := Parse([]byte(`{"taskInfo": {}, "workflowSteps": [{"type": "request"}]}`))
	require.NoError(t, err)
	_, err = noURL.SeedRequest()
	require.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "no seed url")
}
