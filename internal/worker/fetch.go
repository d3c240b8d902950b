package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/charset"
	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/metrics"
	"github.com/JakeFAU/flowcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/flowcrawler/internal/storage"
	"github.com/JakeFAU/flowcrawler/internal/workflow"
)

// FetchConfig controls a FetchWorker.
type FetchConfig struct {
	Keys             Keys
	Polling          Polling
	EncodingOverride string
}

// FetchWorker turns request messages into fetch records.
type FetchWorker struct {
	loop
	fetcher  crawler.Fetcher
	retry    *crawler.FixedRetryPolicy
	limiter  *ratelimit.Limiter
	resolver *charset.Resolver
	archiver *storage.Archiver
	clock    crawler.Clock
	cfg      FetchConfig
}

// FetchDeps are the collaborators of a FetchWorker. Limiter and Archiver are optional.
type FetchDeps struct {
	Queue    crawler.Queue
	Fetcher  crawler.Fetcher
	Retry    *crawler.FixedRetryPolicy
	Limiter  *ratelimit.Limiter
	Archiver *storage.Archiver
	Clock    crawler.Clock
}

// NewFetchWorker constructs a FetchWorker.
func NewFetchWorker(deps FetchDeps, cfg FetchConfig, logger *zap.Logger) *FetchWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewFixedRetryPolicy(1, 0)
	}
	return &FetchWorker{
		loop: loop{
			queue:    deps.Queue,
			keys:     []string{cfg.Keys.Start},
			errorKey: cfg.Keys.Error,
			polling:  cfg.Polling.withDefaults(),
			stage:    "fetch",
			logger:   logger,
		},
		fetcher:  deps.Fetcher,
		retry:    deps.Retry,
		limiter:  deps.Limiter,
		resolver: charset.NewResolver(),
		archiver: deps.Archiver,
		clock:    deps.Clock,
		cfg:      cfg,
	}
}

// Run consumes the start queue until ctx is done.
func (w *FetchWorker) Run(ctx context.Context) error {
	return w.run(ctx, w.handle)
}

func (w *FetchWorker) handle(ctx context.Context, d crawler.Delivery) error {
	msg, err := crawler.DecodeRequestMessage(d.Body)
	if err != nil {
		return err
	}
	record := w.Fetch(ctx, msg)
	return w.push(ctx, w.cfg.Keys.Success, record)
}

// Fetch executes msg with retries and materializes the result. Failures
// become a record with status 0 and the last error.
func (w *FetchWorker) Fetch(ctx context.Context, msg crawler.RequestMessage) crawler.FetchRecord {
	record := crawler.FetchRecord{
		URL:         msg.URL,
		Headers:     map[string]string{},
		Context:     msg.Context,
		StepIndex:   msg.StepIndex,
		RequestedAt: w.clock.Now(),
	}
	req, err := buildFetchRequest(msg)
	if err != nil {
		record.Error = err.Error()
		metrics.ObserveFetch(msg.URL, 0, 0)
		return record
	}

	resp, err := w.fetchWithRetry(ctx, req)
	if err != nil {
		w.logger.Warn("fetch failed",
			zap.String("url", msg.URL),
			zap.Int("attempts", w.retry.MaxAttempts()),
			zap.Error(err),
		)
		record.Error = err.Error()
		metrics.ObserveFetch(msg.URL, 0, 0)
		return record
	}

	record.Status = resp.StatusCode
	if resp.URL != "" {
		record.URL = resp.URL
	}
	record.Headers = crawler.FlattenHeaders(resp.Headers)
	record.DurationMs = resp.Duration.Milliseconds()
	body, info := w.resolver.Resolve(resp.Body, record.Headers, w.cfg.EncodingOverride)
	record.Body = body
	record.Encoding = info.Encoding
	record.EncodingConfidence = info.Confidence
	record.EncodingSource = string(info.Source)
	metrics.ObserveFetch(record.URL, record.Status, len(resp.Body))

	uri, err := w.archiver.Archive(ctx, msg.Context.String(workflow.ContextTaskID), []byte(body))
	if err != nil {
		w.logger.Warn("archive failed", zap.String("url", record.URL), zap.Error(err))
	}
	record.BlobURI = uri

	w.logger.Debug("fetched",
		zap.String("url", record.URL),
		zap.Int("status", record.Status),
		zap.Int("step_index", record.StepIndex),
		zap.String("encoding", record.Encoding),
	)
	return record
}

func (w *FetchWorker) fetchWithRetry(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		if err := w.limiter.Wait(ctx, req.URL); err != nil {
			return crawler.FetchResponse{}, err
		}
		resp, err := w.fetcher.Fetch(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !w.retry.ShouldRetry(err, attempt) {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s after %d attempt(s): %w", req.URL, attempt, err)
		}
		w.logger.Debug("retrying fetch", zap.String("url", req.URL), zap.Int("attempt", attempt), zap.Error(err))
		sleep(ctx, w.retry.Backoff(attempt))
	}
}

// buildFetchRequest applies params to the query string and encodes data or
// json into the body.
func buildFetchRequest(msg crawler.RequestMessage) (crawler.FetchRequest, error) {
	target := msg.URL
	if len(msg.Params) > 0 {
		u, err := url.Parse(msg.URL)
		if err != nil {
			return crawler.FetchRequest{}, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		for k, v := range msg.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	headers := http.Header{}
	for k, v := range msg.Headers {
		headers.Set(k, v)
	}

	var body []byte
	switch {
	case msg.JSON != nil:
		data, err := json.Marshal(msg.JSON)
		if err != nil {
			return crawler.FetchRequest{}, fmt.Errorf("encode json body: %w", err)
		}
		body = data
		setDefault(headers, "Content-Type", "application/json")
	case msg.Data != nil:
		data, contentType, err := encodeData(msg.Data)
		if err != nil {
			return crawler.FetchRequest{}, err
		}
		body = data
		setDefault(headers, "Content-Type", contentType)
	}

	method := strings.ToUpper(msg.Method)
	if method == "" {
		method = http.MethodGet
	}
	return crawler.FetchRequest{URL: target, Method: method, Headers: headers, Body: body}, nil
}

func encodeData(data any) ([]byte, string, error) {
	const form = "application/x-www-form-urlencoded"
	switch v := data.(type) {
	case string:
		return []byte(v), form, nil
	case map[string]any:
		values := url.Values{}
		for k, item := range v {
			values.Set(k, fmt.Sprint(item))
		}
		return []byte(values.Encode()), form, nil
	case map[string]string:
		values := url.Values{}
		for k, item := range v {
			values.Set(k, item)
		}
		return []byte(values.Encode()), form, nil
	default:
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(v); err != nil {
			return nil, "", fmt.Errorf("encode data body: %w", err)
		}
		return bytes.TrimSpace(buf.Bytes()), "application/json", nil
	}
}

func setDefault(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}
