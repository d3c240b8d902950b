// Package workflow loads declarative crawl workflows and runs the step machine
// that turns fetched pages into follow-up requests and extracted records.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/flowcrawler/internal/extract"
)

// StepType tags the variant of a Step.
type StepType string

// Step types understood by the machine.
const (
	StepRequest        StepType = "request"
	StepLinkExtraction StepType = "link_extraction"
	StepDataExtraction StepType = "data_extraction"
)

// LinkField is the field name a link-extraction rule must carry to produce URLs.
const LinkField = "link"

// ConfigError reports a malformed or incomplete workflow document.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "workflow config: " + e.Reason
	}
	return fmt.Sprintf("workflow config: %s: %s", e.Field, e.Reason)
}

// IsConfigError reports whether err wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// TaskInfo identifies the crawl task.
type TaskInfo struct {
	ID          string
	Name        string
	BaseURL     string
	Concurrency int
	// RequestInterval is the minimum delay between requests to one host.
	RequestInterval time.Duration
}

// FieldRule maps a selection expression to an output field.
type FieldRule struct {
	FieldName  string
	Expression string
	Kind       extract.Kind
	Multiple   bool
	MaxLinks   int
}

// RequestStep declares the method, URL, and headers of the initial fetch.
type RequestStep struct {
	Method  string
	URL     string
	Headers map[string]string
}

// LinkStep fans a page out into follow-up requests.
type LinkStep struct {
	Rules    []FieldRule
	MaxLinks int
}

// LinkRule returns the rule named "link", if any.
func (s *LinkStep) LinkRule() (FieldRule, bool) {
	for _, r := range s.Rules {
		if r.FieldName == LinkField {
			return r, true
		}
	}
	return FieldRule{}, false
}

// Limit returns the effective link cap, preferring the step-level value.
func (s *LinkStep) Limit() int {
	if s.MaxLinks > 0 {
		return s.MaxLinks
	}
	if r, ok := s.LinkRule(); ok && r.MaxLinks > 0 {
		return r.MaxLinks
	}
	return 0
}

// DataStep extracts one record per page and optionally runs a hook.
type DataStep struct {
	Rules []FieldRule
	Hook  *Hook
	// LegacyCode holds a nextRequestCustomCode value, which cannot be executed.
	LegacyCode string
}

// HasHook reports whether any next-request hook is configured, runnable or not.
func (s *DataStep) HasHook() bool {
	return s.Hook != nil || strings.TrimSpace(s.LegacyCode) != ""
}

// Step is one entry of the workflow. Exactly one of Request, Links, Data is set.
type Step struct {
	Type    StepType
	Request *RequestStep
	Links   *LinkStep
	Data    *DataStep
}

// Config is an immutable, validated workflow document.
type Config struct {
	Task  TaskInfo
	Steps []Step
	// DefaultHeaders come from the first request step and ride on every follow-up.
	DefaultHeaders map[string]string
}

// Headers returns a copy of the default headers.
func (c *Config) Headers() map[string]string {
	if len(c.DefaultHeaders) == 0 {
		return nil
	}
	return maps.Clone(c.DefaultHeaders)
}

type document struct {
	TaskInfo      *taskInfoDoc `json:"taskInfo"`
	WorkflowSteps []stepDoc    `json:"workflowSteps"`
}

type taskInfoDoc struct {
	ID              flexString `json:"id"`
	Name            string     `json:"name"`
	BaseURL         string     `json:"baseUrl"`
	Concurrency     int        `json:"concurrency"`
	RequestInterval float64    `json:"requestInterval"`
}

type stepDoc struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

type requestDoc struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	HeadersMode string            `json:"headersMode"`
	HeadersJSON string            `json:"headersJson"`
	Headers     map[string]string `json:"headers"`
}

type ruleDoc struct {
	FieldName   string `json:"fieldName"`
	Expression  string `json:"expression"`
	ExtractType string `json:"extractType"`
	Multiple    bool   `json:"multiple"`
	MaxLinks    int    `json:"maxLinks"`
}

type linkDoc struct {
	LinkExtractionRules []ruleDoc `json:"linkExtractionRules"`
	MaxLinks            int       `json:"maxLinks"`
}

type dataDoc struct {
	ExtractionRules       []ruleDoc `json:"extractionRules"`
	NextRequestTemplate   string    `json:"nextRequestTemplate"`
	NextRequestCustomCode string    `json:"nextRequestCustomCode"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode string: %w", err)
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// Load reads and parses a workflow document from disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, &ConfigError{Field: "path", Reason: err.Error()}
	}
	return Parse(data)
}

// Parse validates a workflow document.
func Parse(data []byte) (*Config, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Reason: "invalid json: " + err.Error()}
	}
	if doc.TaskInfo == nil {
		return nil, &ConfigError{Field: "taskInfo", Reason: "missing"}
	}
	if doc.WorkflowSteps == nil {
		return nil, &ConfigError{Field: "workflowSteps", Reason: "missing"}
	}
	if len(doc.WorkflowSteps) == 0 {
		return nil, &ConfigError{Field: "workflowSteps", Reason: "must not be empty"}
	}

	cfg := &Config{
		Task: TaskInfo{
			ID:              string(doc.TaskInfo.ID),
			Name:            doc.TaskInfo.Name,
			BaseURL:         strings.TrimSpace(doc.TaskInfo.BaseURL),
			Concurrency:     doc.TaskInfo.Concurrency,
			RequestInterval: time.Duration(doc.TaskInfo.RequestInterval * float64(time.Second)),
		},
		Steps: make([]Step, 0, len(doc.WorkflowSteps)),
	}
	if cfg.Task.RequestInterval < 0 {
		return nil, &ConfigError{Field: "taskInfo.requestInterval", Reason: "must be >= 0"}
	}

	for i, sd := range doc.WorkflowSteps {
		step, err := parseStep(i, sd)
		if err != nil {
			return nil, err
		}
		cfg.Steps = append(cfg.Steps, step)
	}
	cfg.DefaultHeaders = firstRequestHeaders(cfg.Steps)
	return cfg, nil
}

func parseStep(i int, sd stepDoc) (Step, error) {
	field := "workflowSteps[" + strconv.Itoa(i) + "]"
	raw := sd.Config
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = []byte("{}")
	}
	switch StepType(sd.Type) {
	case StepRequest:
		var rd requestDoc
		if err := json.Unmarshal(raw, &rd); err != nil {
			return Step{}, &ConfigError{Field: field + ".config", Reason: err.Error()}
		}
		method := strings.ToUpper(strings.TrimSpace(rd.Method))
		if method == "" {
			method = http.MethodGet
		}
		return Step{Type: StepRequest, Request: &RequestStep{
			Method:  method,
			URL:     strings.TrimSpace(rd.URL),
			Headers: requestHeaders(rd),
		}}, nil
	case StepLinkExtraction:
		var ld linkDoc
		if err := json.Unmarshal(raw, &ld); err != nil {
			return Step{}, &ConfigError{Field: field + ".config", Reason: err.Error()}
		}
		rules, err := parseRules(field+".config.linkExtractionRules", ld.LinkExtractionRules)
		if err != nil {
			return Step{}, err
		}
		if ld.MaxLinks < 0 {
			return Step{}, &ConfigError{Field: field + ".config.maxLinks", Reason: "must be >= 0"}
		}
		return Step{Type: StepLinkExtraction, Links: &LinkStep{Rules: rules, MaxLinks: ld.MaxLinks}}, nil
	case StepDataExtraction:
		var dd dataDoc
		if err := json.Unmarshal(raw, &dd); err != nil {
			return Step{}, &ConfigError{Field: field + ".config", Reason: err.Error()}
		}
		rules, err := parseRules(field+".config.extractionRules", dd.ExtractionRules)
		if err != nil {
			return Step{}, err
		}
		data := &DataStep{Rules: rules, LegacyCode: dd.NextRequestCustomCode}
		if strings.TrimSpace(dd.NextRequestTemplate) != "" {
			hook, err := CompileHook(dd.NextRequestTemplate)
			if err != nil {
				return Step{}, &ConfigError{Field: field + ".config.nextRequestTemplate", Reason: err.Error()}
			}
			data.Hook = hook
		}
		return Step{Type: StepDataExtraction, Data: data}, nil
	default:
		return Step{}, &ConfigError{Field: field + ".type", Reason: fmt.Sprintf("unknown step type %q", sd.Type)}
	}
}

func parseRules(field string, docs []ruleDoc) ([]FieldRule, error) {
	rules := make([]FieldRule, 0, len(docs))
	for i, rd := range docs {
		name := strings.TrimSpace(rd.FieldName)
		if name == "" {
			return nil, &ConfigError{Field: fmt.Sprintf("%s[%d].fieldName", field, i), Reason: "must not be empty"}
		}
		kind, err := extract.ParseKind(rd.ExtractType)
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("%s[%d].extractType", field, i), Reason: err.Error()}
		}
		if rd.MaxLinks < 0 {
			return nil, &ConfigError{Field: fmt.Sprintf("%s[%d].maxLinks", field, i), Reason: "must be >= 0"}
		}
		rules = append(rules, FieldRule{
			FieldName:  name,
			Expression: rd.Expression,
			Kind:       kind,
			Multiple:   rd.Multiple,
			MaxLinks:   rd.MaxLinks,
		})
	}
	return rules, nil
}

// requestHeaders decodes headersJson when headersMode is "json", otherwise
// uses the inline headers object. Malformed JSON yields no headers.
func requestHeaders(rd requestDoc) map[string]string {
	if strings.EqualFold(rd.HeadersMode, "json") && strings.TrimSpace(rd.HeadersJSON) != "" {
		var raw map[string]any
		if err := json.Unmarshal([]byte(rd.HeadersJSON), &raw); err != nil {
			return map[string]string{}
		}
		headers := make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
				continue
			}
			headers[k] = fmt.Sprint(v)
		}
		return headers
	}
	if len(rd.Headers) > 0 {
		return maps.Clone(rd.Headers)
	}
	return map[string]string{}
}

func firstRequestHeaders(steps []Step) map[string]string {
	for _, s := range steps {
		if s.Type == StepRequest {
			return maps.Clone(s.Request.Headers)
		}
	}
	return map[string]string{}
}
