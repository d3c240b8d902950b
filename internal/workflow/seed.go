package workflow

import (
	"maps"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

// Context keys seeded on every crawl lineage.
const (
	ContextTaskID   = "task_id"
	ContextTaskName = "task_name"
)

// SeedRequest builds the initial request. The first step must be a request
// step; its URL wins over taskInfo.baseUrl.
func (c *Config) SeedRequest() (crawler.RequestMessage, error) {
	if len(c.Steps) == 0 {
		return crawler.RequestMessage{}, &ConfigError{Field: "workflowSteps", Reason: "must not be empty"}
	}
	first := c.Steps[0]
	if first.Type != StepRequest {
		return crawler.RequestMessage{}, &ConfigError{
			Field:  "workflowSteps[0].type",
			Reason: "first step must be of type request",
		}
	}
	url := first.Request.URL
	if url == "" {
		url = c.Task.BaseURL
	}
	if url == "" {
		return crawler.RequestMessage{}, &ConfigError{
			Field:  "taskInfo.baseUrl",
			Reason: "no seed url in taskInfo.baseUrl or workflowSteps[0].config.url",
		}
	}
	return crawler.RequestMessage{
		URL:     url,
		Method:  first.Request.Method,
		Headers: maps.Clone(first.Request.Headers),
		Context: crawler.NewContext(map[string]any{
			ContextTaskID:   c.Task.ID,
			ContextTaskName: c.Task.Name,
		}),
		StepIndex: 0,
	}, nil
}
