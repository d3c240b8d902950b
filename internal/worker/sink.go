package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/persist"
)

// SinkConfig controls a SinkWorker.
type SinkConfig struct {
	Keys    Keys
	Polling Polling
}

// SinkWorker drains the data queue into the persistence router.
type SinkWorker struct {
	loop
	router *persist.Router
}

// NewSinkWorker constructs a SinkWorker.
func NewSinkWorker(queue crawler.Queue, router *persist.Router, cfg SinkConfig, logger *zap.Logger) *SinkWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SinkWorker{
		loop: loop{
			queue:    queue,
			keys:     []string{cfg.Keys.Data},
			errorKey: cfg.Keys.Error,
			polling:  cfg.Polling.withDefaults(),
			stage:    "sink",
			logger:   logger,
		},
		router: router,
	}
}

// Run consumes the data queue until ctx is done.
func (w *SinkWorker) Run(ctx context.Context) error {
	if !w.router.Enabled() {
		return fmt.Errorf("sink worker: %w", persist.ErrNoBackend)
	}
	return w.run(ctx, w.handle)
}

func (w *SinkWorker) handle(ctx context.Context, d crawler.Delivery) error {
	var record crawler.ExtractedRecord
	if err := json.Unmarshal(d.Body, &record); err != nil {
		return fmt.Errorf("decode extracted record: %w", err)
	}
	save(ctx, w.router, record, w.logger)
	return nil
}
