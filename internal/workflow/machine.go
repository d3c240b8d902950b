package workflow

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/extract"
)

// Page is a fetched page positioned at a step of the workflow.
type Page struct {
	URL       string
	Body      string
	Context   crawler.Context
	StepIndex int
}

// Result is everything one page produced.
type Result struct {
	Requests []crawler.RequestMessage
	Records  []crawler.ExtractedRecord
	// StepType is the step that handled the page, empty when the branch ended.
	StepType StepType
}

// Machine interprets a Config against fetched pages. It holds no mutable
// state and is safe for concurrent use.
type Machine struct {
	cfg    *Config
	logger *zap.Logger
}

// NewMachine builds a Machine for cfg.
func NewMachine(cfg *Config, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{cfg: cfg, logger: logger}
}

// Advance runs the page through the workflow starting at page.StepIndex.
// Request steps are skipped; the first extraction step handles the page.
// Only a page that cannot be parsed yields an error.
func (m *Machine) Advance(page Page) (Result, error) {
	index := page.StepIndex
	if index < 0 {
		index = 0
	}
	for index < len(m.cfg.Steps) {
		step := m.cfg.Steps[index]
		switch step.Type {
		case StepRequest:
			index++
			continue
		case StepLinkExtraction:
			doc, err := extract.Parse(page.Body)
			if err != nil {
				return Result{}, fmt.Errorf("step %d: %w", index, err)
			}
			return Result{StepType: StepLinkExtraction, Requests: m.links(step.Links, page, doc, index)}, nil
		case StepDataExtraction:
			doc, err := extract.Parse(page.Body)
			if err != nil {
				return Result{}, fmt.Errorf("step %d: %w", index, err)
			}
			return m.data(step.Data, page, doc, index), nil
		default:
			index++
		}
	}
	return Result{}, nil
}

func (m *Machine) links(step *LinkStep, page Page, doc *extract.Document, index int) []crawler.RequestMessage {
	linkRule, ok := step.LinkRule()
	if !ok {
		m.logger.Warn("link extraction step has no link rule",
			zap.Int("step_index", index),
			zap.String("url", page.URL),
		)
		return nil
	}
	links := m.all(doc, linkRule, page.URL, index)
	if limit := step.Limit(); limit > 0 && len(links) > limit {
		links = links[:limit]
	}

	type sibling struct {
		name   string
		values []string
	}
	siblings := make([]sibling, 0, len(step.Rules))
	for _, rule := range step.Rules {
		if rule.FieldName == LinkField {
			continue
		}
		siblings = append(siblings, sibling{name: rule.FieldName, values: m.all(doc, rule, page.URL, index)})
	}

	requests := make([]crawler.RequestMessage, 0, len(links))
	for i, raw := range links {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		abs, err := crawler.ResolveURL(page.URL, raw)
		if err != nil {
			m.logger.Warn("skip unresolvable link",
				zap.String("url", page.URL),
				zap.String("link", raw),
				zap.Error(err),
			)
			continue
		}
		extra := make(map[string]any, len(siblings))
		for _, s := range siblings {
			if len(s.values) == 0 {
				continue
			}
			if i < len(s.values) {
				extra[s.name] = s.values[i]
			} else {
				extra[s.name] = s.values[len(s.values)-1]
			}
		}
		requests = append(requests, crawler.RequestMessage{
			URL:       abs,
			Method:    http.MethodGet,
			Headers:   m.cfg.Headers(),
			Context:   page.Context.Merge(extra),
			StepIndex: index + 1,
		})
	}
	return requests
}

func (m *Machine) data(step *DataStep, page Page, doc *extract.Document, index int) Result {
	fields := make(crawler.Fields, len(step.Rules))
	for _, rule := range step.Rules {
		if rule.Multiple {
			fields[rule.FieldName] = m.all(doc, rule, page.URL, index)
			continue
		}
		v, err := doc.First(rule.Expression, rule.Kind)
		if err != nil {
			m.logExtractError(rule, page.URL, index, err)
		}
		fields[rule.FieldName] = v
	}

	record := crawler.ExtractedRecord{
		TaskID:    m.cfg.Task.ID,
		TaskName:  m.cfg.Task.Name,
		SourceURL: page.URL,
		Context:   page.Context,
		Fields:    fields,
		StepIndex: index,
		Terminal:  index == len(m.cfg.Steps)-1 && !step.HasHook(),
	}
	res := Result{StepType: StepDataExtraction, Records: []crawler.ExtractedRecord{record}}

	if step.Hook == nil {
		if step.LegacyCode != "" {
			m.logger.Warn("nextRequestCustomCode is not supported; use nextRequestTemplate",
				zap.Int("step_index", index),
			)
		}
		return res
	}
	descs, err := step.Hook.Run(HookInput{Body: page.Body, URL: page.URL, Fields: fields})
	if err != nil {
		m.logger.Warn("next-request hook failed",
			zap.Int("step_index", index),
			zap.String("url", page.URL),
			zap.Error(err),
		)
		return res
	}
	for _, d := range descs {
		if strings.TrimSpace(d.URL) == "" {
			continue
		}
		abs, err := crawler.ResolveURL(page.URL, d.URL)
		if err != nil {
			m.logger.Warn("skip unresolvable hook url", zap.String("link", d.URL), zap.Error(err))
			continue
		}
		method := strings.ToUpper(strings.TrimSpace(d.Method))
		if method == "" {
			method = http.MethodGet
		}
		headers := d.Headers
		if len(headers) == 0 {
			headers = m.cfg.Headers()
		}
		res.Requests = append(res.Requests, crawler.RequestMessage{
			URL:       abs,
			Method:    method,
			Headers:   headers,
			Params:    d.Params,
			Data:      d.Data,
			JSON:      d.JSON,
			Context:   page.Context,
			StepIndex: index + 1,
		})
	}
	return res
}

func (m *Machine) all(doc *extract.Document, rule FieldRule, url string, index int) []string {
	values, err := doc.All(rule.Expression, rule.Kind)
	if err != nil {
		m.logExtractError(rule, url, index, err)
	}
	return values
}

func (m *Machine) logExtractError(rule FieldRule, url string, index int, err error) {
	m.logger.Warn("extraction failed",
		zap.String("field", rule.FieldName),
		zap.String("url", url),
		zap.Int("step_index", index),
		zap.Error(err),
	)
}
