package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RequestMessage is pushed to the start queue and consumed by the fetch stage.
type RequestMessage struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Data      any               `json:"data,omitempty"`
	JSON      any               `json:"json,omitempty"`
	Context   Context           `json:"context"`
	StepIndex int               `json:"stepIndex"`
}

// legacyMeta is the scrapy-era envelope some producers still emit.
type legacyMeta struct {
	WorkflowIndex *int    `json:"workflow_index"`
	Context       Context `json:"context"`
}

// DecodeRequestMessage parses a start-queue payload. Besides the native form it
// accepts the older {meta: {workflow_index, context}} envelope.
func DecodeRequestMessage(body []byte) (RequestMessage, error) {
	var wire struct {
		RequestMessage
		StepIndex *int        `json:"stepIndex"`
		Meta      *legacyMeta `json:"meta"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return RequestMessage{}, fmt.Errorf("decode request message: %w", err)
	}
	msg := wire.RequestMessage
	switch {
	case wire.StepIndex != nil:
		msg.StepIndex = *wire.StepIndex
	case wire.Meta != nil && wire.Meta.WorkflowIndex != nil:
		msg.StepIndex = *wire.Meta.WorkflowIndex
	}
	if msg.Context.Len() == 0 && wire.Meta != nil {
		msg.Context = wire.Meta.Context
	}
	if strings.TrimSpace(msg.URL) == "" {
		return RequestMessage{}, fmt.Errorf("decode request message: missing url")
	}
	if msg.Method == "" {
		msg.Method = http.MethodGet
	}
	msg.Method = strings.ToUpper(msg.Method)
	return msg, nil
}

// FetchRecord is the materialized result of one fetch, pushed to the success queue.
// A failed fetch carries Status 0 and a non-empty Error.
type FetchRecord struct {
	URL                string            `json:"url"`
	Status             int               `json:"status"`
	Headers            map[string]string `json:"headers"`
	Body               string            `json:"body"`
	Context            Context           `json:"context"`
	StepIndex          int               `json:"stepIndex"`
	Encoding           string            `json:"encoding,omitempty"`
	EncodingConfidence float64           `json:"encodingConfidence"`
	EncodingSource     string            `json:"encodingSource,omitempty"`
	Error              string            `json:"error,omitempty"`
	RequestedAt        time.Time         `json:"requestedAt"`
	DurationMs         int64             `json:"durationMs"`
	BlobURI            string            `json:"blobUri,omitempty"`
}

// Failed reports whether the record represents a fetch that never produced a response.
func (r FetchRecord) Failed() bool {
	return r.Status == 0
}

// DecodeFetchRecord parses a success-queue payload, accepting the legacy meta envelope.
func DecodeFetchRecord(body []byte) (FetchRecord, error) {
	var wire struct {
		FetchRecord
		StepIndex *int        `json:"stepIndex"`
		Error     *string     `json:"error"`
		Meta      *legacyMeta `json:"meta"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return FetchRecord{}, fmt.Errorf("decode fetch record: %w", err)
	}
	rec := wire.FetchRecord
	switch {
	case wire.StepIndex != nil:
		rec.StepIndex = *wire.StepIndex
	case wire.Meta != nil && wire.Meta.WorkflowIndex != nil:
		rec.StepIndex = *wire.Meta.WorkflowIndex
	}
	if rec.Context.Len() == 0 && wire.Meta != nil {
		rec.Context = wire.Meta.Context
	}
	if wire.Error != nil {
		rec.Error = *wire.Error
	}
	return rec, nil
}

// Fields maps rule field names to a string or a []string.
type Fields map[string]any

// String returns the field as a single string. Sequences are joined with newlines.
func (f Fields) String(name string) string {
	switch v := f[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, "\n")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprint(v)
	}
}

// ExtractedRecord is the output of a data-extraction step for one page.
type ExtractedRecord struct {
	TaskID    string  `json:"taskId"`
	TaskName  string  `json:"taskName"`
	SourceURL string  `json:"sourceUrl"`
	Context   Context `json:"context"`
	Fields    Fields  `json:"fields"`
	StepIndex int     `json:"stepIndex"`
	// Terminal is set when the record came from the last step and no hook runs after it.
	Terminal bool `json:"terminal"`
}

// ArticleRecord is the persistence-facing form of an extracted record.
// LinkHash is the dedup key.
type ArticleRecord struct {
	TaskID      string         `json:"task_id" bson:"task_id"`
	Title       string         `json:"title" bson:"title"`
	Link        string         `json:"link" bson:"link"`
	LinkHash    string         `json:"link_hash" bson:"link_hash"`
	Content     string         `json:"content" bson:"content"`
	ContentHash string         `json:"content_hash" bson:"content_hash"`
	SourceURL   string         `json:"source_url" bson:"source_url"`
	Extra       map[string]any `json:"extra" bson:"extra"`
	CreatedAt   time.Time      `json:"created_at" bson:"created_at"`
}

// ErrorMessage is pushed to the error queue when a message cannot be handled.
type ErrorMessage struct {
	Error   string `json:"error"`
	Payload string `json:"payload"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Method  string
	Headers http.Header
	Body    []byte
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// FlattenHeaders collapses multi-valued headers into a single comma-joined value.
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
