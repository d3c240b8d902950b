package workflow

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

// ErrHook wraps failures raised while running a next-request hook.
var ErrHook = errors.New("next-request hook failed")

// maxSeq bounds seq so a template cannot spin on an unbounded loop.
const maxSeq = 10000

// Descriptor is one follow-up request produced by a hook.
type Descriptor struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Data    any               `json:"data,omitempty"`
	JSON    any               `json:"json,omitempty"`
}

// HookInput is the data a hook template is executed against.
type HookInput struct {
	Body   string
	URL    string
	Fields crawler.Fields
}

// Hook is a compiled next-request template. Its output is either a JSON array
// of descriptors or one URL per line.
type Hook struct {
	tmpl *template.Template
}

// Pair is an element produced by enumerate.
type Pair struct {
	Index int
	Value any
}

func hookFuncs() template.FuncMap {
	return template.FuncMap{
		"seq":       seq,
		"enumerate": enumerate,
		"json":      toJSON,
		"urljoin":   urljoin,
	}
}

// CompileHook parses a next-request template.
func CompileHook(src string) (*Hook, error) {
	tmpl, err := template.New("nextRequest").Option("missingkey=zero").Funcs(hookFuncs()).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &Hook{tmpl: tmpl}, nil
}

// Run executes the hook and returns its descriptors in output order.
func (h *Hook) Run(in HookInput) ([]Descriptor, error) {
	if h == nil || h.tmpl == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHook, err)
	}
	return parseHookOutput(buf.Bytes())
}

func parseHookOutput(out []byte) ([]Descriptor, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	if out[0] == '[' {
		var descs []Descriptor
		if err := json.Unmarshal(out, &descs); err != nil {
			return nil, fmt.Errorf("%w: decode output: %w", ErrHook, err)
		}
		return descs, nil
	}
	var descs []Descriptor
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		descs = append(descs, Descriptor{URL: line, Method: http.MethodGet})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan output: %w", ErrHook, err)
	}
	return descs, nil
}

func seq(args ...int) ([]int, error) {
	var start, end int
	switch len(args) {
	case 1:
		end = args[0]
	case 2:
		start, end = args[0], args[1]
	default:
		return nil, fmt.Errorf("seq: want 1 or 2 arguments, got %d", len(args))
	}
	if end-start > maxSeq {
		return nil, fmt.Errorf("seq: range of %d exceeds %d", end-start, maxSeq)
	}
	if end <= start {
		return []int{}, nil
	}
	out := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, i)
	}
	return out, nil
}

func enumerate(v any) []Pair {
	switch items := v.(type) {
	case []string:
		out := make([]Pair, len(items))
		for i, s := range items {
			out[i] = Pair{Index: i, Value: s}
		}
		return out
	case []any:
		out := make([]Pair, len(items))
		for i, s := range items {
			out[i] = Pair{Index: i, Value: s}
		}
		return out
	case nil:
		return []Pair{}
	default:
		return []Pair{{Index: 0, Value: items}}
	}
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json: %w", err)
	}
	return string(data), nil
}

func urljoin(base, ref string) (string, error) {
	return crawler.ResolveURL(base, ref)
}
