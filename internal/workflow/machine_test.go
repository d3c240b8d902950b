package workflow

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

const scenarioWorkflow = `{
  "taskInfo": {"id": "t1", "name": "scenario", "baseUrl": "https://example.com/list"},
  "workflowSteps": [
    {"type": "request", "config": {"headersMode": "json", "headersJson": "{\"Accept-Language\":\"en\"}"}},
    {"type": "link_extraction", "config": {"maxLinks": 2, "linkExtractionRules": [
      {"fieldName": "link", "expression": "//a/@href", "extractType": "xpath", "multiple": true}
    ]}},
    {"type": "data_extraction", "config": {"extractionRules": [
      {"fieldName": "title", "expression": "//h1/text()", "extractType": "xpath", "multiple": false}
    ]}}
  ]
}`

const fourAnchors = `<html><body>
<a href="/a/1">one</a><a href="/a/2">two</a><a href="/a/3">three</a><a href="https://other.org/4">four</a>
</body></html>`

func newMachine(t *testing.T, doc string) *Machine {
	t.Helper()
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	return NewMachine(cfg, zap.NewNop())
}

func seedContext() crawler.Context {
	return crawler.NewContext(map[string]any{ContextTaskID: "t1", ContextTaskName: "scenario"})
}

func TestMachineEndToEndMaxLinks(t *testing.T) {
	t.Parallel()

	m := newMachine(t, scenarioWorkflow)
	res, err := m.Advance(Page{URL: "https://example.com/list", Body: fourAnchors, Context: seedContext(), StepIndex: 0})
	require.NoError(t, err)
	assert.Equal(t, StepLinkExtraction, res.StepType)
	assert.Empty(t, res.Records)
	require.Len(t, res.Requests, 2)
	assert.Equal(t, "https://example.com/a/1", res.Requests[0].URL)
	assert.Equal(t, "https://example.com/a/2", res.Requests[1].URL)
	for _, req := range res.Requests {
		assert.Equal(t, 2, req.StepIndex)
		assert.Equal(t, "GET", req.Method)
		assert.Equal(t, map[string]string{"Accept-Language": "en"}, req.Headers)
		assert.Equal(t, "t1", req.Context.String(ContextTaskID))
	}

	for _, req := range res.Requests {
		detail, err := m.Advance(Page{
			URL:       req.URL,
			Body:      "<html><body><h1> X </h1></body></html>",
			Context:   req.Context,
			StepIndex: req.StepIndex,
		})
		require.NoError(t, err)
		require.Len(t, detail.Records, 1)
		rec := detail.Records[0]
		assert.Equal(t, "X", rec.Fields["title"])
		assert.Equal(t, req.URL, rec.SourceURL)
		assert.Equal(t, "t1", rec.TaskID)
		assert.True(t, rec.Terminal)
		assert.Empty(t, detail.Requests)
	}
}

func TestMachineSiblingFieldsPairAfterTruncation(t *testing.T) {
	t.Parallel()

	m := newMachine(t, `{"taskInfo": {"id": "t"}, "workflowSteps": [
		{"type": "link_extraction", "config": {"linkExtractionRules": [
			{"fieldName": "link", "expression": "//li/a/@href", "multiple": true, "maxLinks": 3},
			{"fieldName": "title", "expression": "//li/a/text()", "multiple": true},
			{"fieldName": "date", "expression": "//li/span/text()", "multiple": true},
			{"fieldName": "missing", "expression": "//li/em/text()", "multiple": true}
		]}},
		{"type": "data_extraction"}
	]}`)
	page := `<ul>
		<li><a href="/1">A</a><span>d1</span></li>
		<li><a href="  ">blank</a><span>d2</span></li>
		<li><a href="/3">C</a></li>
		<li><a href="/4">D</a></li>
	</ul>`

	parent := crawler.NewContext(map[string]any{"task_id": "t"})
	res, err := m.Advance(Page{URL: "https://example.com/", Body: page, Context: parent})
	require.NoError(t, err)
	require.Len(t, res.Requests, 2)

	first := res.Requests[0]
	assert.Equal(t, "https://example.com/1", first.URL)
	assert.Equal(t, "A", first.Context.String("title"))
	assert.Equal(t, "d1", first.Context.String("date"))
	_, hasMissing := first.Context.Get("missing")
	assert.False(t, hasMissing)

	third := res.Requests[1]
	assert.Equal(t, "https://example.com/3", third.URL)
	assert.Equal(t, "C", third.Context.String("title"))
	// only two dates for three links: the last one is reused
	assert.Equal(t, "d2", third.Context.String("date"))

	assert.Equal(t, 1, parent.Len())
	assert.Equal(t, 1, res.Requests[0].StepIndex)
}

func TestMachineLinkStepWithoutLinkRule(t *testing.T) {
	t.Parallel()

	m := newMachine(t, `{"taskInfo": {}, "workflowSteps": [
		{"type": "link_extraction", "config": {"linkExtractionRules": [{"fieldName": "title", "expression": "//a/text()", "multiple": true}]}}
	]}`)
	res, err := m.Advance(Page{URL: "https://example.com", Body: fourAnchors})
	require.NoError(t, err)
	assert.Empty(t, res.Requests)
	assert.Empty(t, res.Records)
}

func TestMachineBeyondLastStep(t *testing.T) {
	t.Parallel()

	m := newMachine(t, scenarioWorkflow)
	res, err := m.Advance(Page{URL: "https://example.com", Body: fourAnchors, StepIndex: 3})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestMachineRequestStepIsPassThrough(t *testing.T) {
	t.Parallel()

	m := newMachine(t, `{"taskInfo": {}, "workflowSteps": [
		{"type": "request"},
		{"type": "data_extraction", "config": {"extractionRules": [{"fieldName": "title", "expression": "//h1/text()"}]}},
		{"type": "request"},
		{"type": "data_extraction", "config": {"extractionRules": [{"fieldName": "body", "expression": "//p/text()", "multiple": true}]}}
	]}`)
	body := "<h1>T</h1><p>a</p><p>b</p>"

	res, err := m.Advance(Page{URL: "https://example.com", Body: body, StepIndex: 2})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, []string{"a", "b"}, res.Records[0].Fields["body"])
	assert.Equal(t, 3, res.Records[0].StepIndex)
	assert.True(t, res.Records[0].Terminal)

	res, err = m.Advance(Page{URL: "https://example.com", Body: body, StepIndex: 0})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "T", res.Records[0].Fields["title"])
	assert.False(t, res.Records[0].Terminal)
}

func TestMachineHookRelativeURL(t *testing.T) {
	t.Parallel()

	m := newMachine(t, `{"taskInfo": {"id": "h"}, "workflowSteps": [
		{"type": "request", "config": {"headers": {"X-Token": "abc"}}},
		{"type": "data_extraction", "config": {
			"extractionRules": [{"fieldName": "title", "expression": "//h1/text()"}],
			"nextRequestTemplate": "[{\"url\": \"/p2\"}]"
		}}
	]}`)
	ctx := crawler.NewContext(map[string]any{"task_id": "h", "category": "c1"})
	res, err := m.Advance(Page{URL: "https://example.com/list/p1", Body: "<h1>Page</h1>", Context: ctx, StepIndex: 1})
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.False(t, res.Records[0].Terminal)
	require.Len(t, res.Requests, 1)
	req := res.Requests[0]
	assert.Equal(t, "https://example.com/p2", req.URL)
	assert.Equal(t, 2, req.StepIndex)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, map[string]string{"X-Token": "abc"}, req.Headers)
	assert.Equal(t, "c1", req.Context.String("category"))
}

func TestMachineHookFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	m := newMachine(t, `{"taskInfo": {}, "workflowSteps": [
		{"type": "data_extraction", "config": {
			"extractionRules": [{"fieldName": "title", "expression": "//h1/text()"}],
			"nextRequestTemplate": "{{ index .Fields.missing 5 }}"
		}}
	]}`)
	res, err := m.Advance(Page{URL: "https://example.com", Body: "<h1>Kept</h1>"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "Kept", res.Records[0].Fields["title"])
	assert.Empty(t, res.Requests)
}

func TestMachineInvalidExpressionYieldsEmpty(t *testing.T) {
	t.Parallel()

	m := newMachine(t, `{"taskInfo": {}, "workflowSteps": [
		{"type": "data_extraction", "config": {"extractionRules": [
			{"fieldName": "single", "expression": "//h1["},
			{"fieldName": "multi", "expression": "//h1[", "multiple": true},
			{"fieldName": "empty", "expression": "", "multiple": true}
		]}}
	]}`)
	res, err := m.Advance(Page{URL: "https://example.com", Body: "<h1>x</h1>"})
	require.NoError(t, err)
	fields := res.Records[0].Fields
	assert.Equal(t, "", fields["single"])
	assert.Equal(t, []string{}, fields["multi"])
	assert.Equal(t, []string{}, fields["empty"])
}

func TestMachineDeterministicReplay(t *testing.T) {
	t.Parallel()

	m := newMachine(t, scenarioWorkflow)
	var links strings.Builder
	for i := range 10 {
		fmt.Fprintf(&links, `<a href="/item/%d">%d</a>`, i, i)
	}
	page := Page{URL: "https://example.com/list", Body: links.String(), Context: seedContext(), StepIndex: 1}

	first, err := m.Advance(page)
	require.NoError(t, err)
	second, err := m.Advance(page)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	detail := Page{URL: "https://example.com/item/1", Body: "<h1>Same</h1>", Context: seedContext(), StepIndex: 2}
	a, err := m.Advance(detail)
	require.NoError(t, err)
	b, err := m.Advance(detail)
	require.NoError(t, err)
	assert.Equal(t, a.Records[0].Fields, b.Records[0].Fields)
}
