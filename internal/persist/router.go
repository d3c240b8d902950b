// Package persist routes extracted records to an ordered list of article stores.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/fingerprint"
	"github.com/JakeFAU/flowcrawler/internal/metrics"
)

// ErrNoBackend is returned when no backend is configured or every backend failed.
var ErrNoBackend = errors.New("no persistence backend accepted the record")

// SavedEvent is the event name published after a new article is stored.
const SavedEvent = "article.saved"

// SaveResult reports where a record landed.
type SaveResult struct {
	ID        string
	Duplicate bool
	Backend   string
}

// ArticleEvent is the payload published after a save.
type ArticleEvent struct {
	ID        string `json:"id"`
	Backend   string `json:"backend"`
	TaskID    string `json:"task_id"`
	Link      string `json:"link"`
	LinkHash  string `json:"link_hash"`
	SourceURL string `json:"source_url"`
}

// Router tries each backend in order and stops at the first success.
type Router struct {
	backends  []crawler.ArticleStore
	publisher crawler.Publisher
	clock     crawler.Clock
	logger    *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithPublisher publishes an ArticleEvent after every new save.
func WithPublisher(p crawler.Publisher) Option {
	return func(r *Router) { r.publisher = p }
}

// WithLogger sets the router logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter builds a Router over backends, in priority order.
func NewRouter(backends []crawler.ArticleStore, clock crawler.Clock, opts ...Option) *Router {
	r := &Router{
		backends: append([]crawler.ArticleStore(nil), backends...),
		clock:    clock,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether any backend is configured.
func (r *Router) Enabled() bool {
	return r != nil && len(r.backends) > 0
}

// Save maps the record to an article and writes it to the first backend that
// accepts it. Failed backends are logged and skipped.
func (r *Router) Save(ctx context.Context, record crawler.ExtractedRecord) (SaveResult, error) {
	if !r.Enabled() {
		return SaveResult{}, ErrNoBackend
	}
	article := ToArticle(record, r.clock)
	var errs []error
	for _, backend := range r.backends {
		id, dup, err := backend.SaveArticle(ctx, article)
		if err != nil {
			metrics.ObserveSave(backend.Name(), "failed")
			r.logger.Warn("persistence backend failed; trying next",
				zap.String("backend", backend.Name()),
				zap.String("link_hash", article.LinkHash),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		res := SaveResult{ID: id, Duplicate: dup, Backend: backend.Name()}
		if dup {
			metrics.ObserveSave(backend.Name(), "duplicate")
			return res, nil
		}
		metrics.ObserveSave(backend.Name(), "saved")
		r.publish(ctx, res, article)
		return res, nil
	}
	metrics.ObserveSave("all", "dropped")
	return SaveResult{}, fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
}

func (r *Router) publish(ctx context.Context, res SaveResult, article crawler.ArticleRecord) {
	if r.publisher == nil {
		return
	}
	_, err := r.publisher.Publish(ctx, SavedEvent, ArticleEvent{
		ID:        res.ID,
		Backend:   res.Backend,
		TaskID:    article.TaskID,
		Link:      article.Link,
		LinkHash:  article.LinkHash,
		SourceURL: article.SourceURL,
	})
	if err != nil {
		r.logger.Warn("publish article event failed", zap.String("id", res.ID), zap.Error(err))
	}
}

// Close closes every backend.
func (r *Router) Close() error {
	var errs []error
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ToArticle maps an extracted record to its persisted form. The link comes
// from the carried context when a link step recorded one, else the page URL;
// the title prefers the extracted field over the carried one.
func ToArticle(record crawler.ExtractedRecord, clock crawler.Clock) crawler.ArticleRecord {
	link := strings.TrimSpace(record.Context.String("link"))
	if link == "" {
		link = record.SourceURL
	}
	title := strings.TrimSpace(record.Fields.String("title"))
	if title == "" {
		title = strings.TrimSpace(record.Context.String("title"))
	}
	content := record.Fields.String("content")
	taskID := record.TaskID
	if taskID == "" {
		taskID = record.Context.String("task_id")
	}
	fields := make(map[string]any, len(record.Fields))
	for k, v := range record.Fields {
		fields[k] = v
	}
	return crawler.ArticleRecord{
		TaskID:      taskID,
		Title:       title,
		Link:        link,
		LinkHash:    fingerprint.LinkHash(link),
		Content:     content,
		ContentHash: fingerprint.ContentHash(content),
		SourceURL:   record.SourceURL,
		Extra: map[string]any{
			"context": record.Context.Map(),
			"fields":  fields,
		},
		CreatedAt: clock.Now(),
	}
}
