package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/metrics"
	"github.com/JakeFAU/flowcrawler/internal/persist"
	"github.com/JakeFAU/flowcrawler/internal/workflow"
)

// Routing decides where extracted records go.
type Routing string

// Routing policies.
const (
	// RouteAuto persists terminal records and queues the rest.
	RouteAuto Routing = "auto"
	// RoutePersist persists every record.
	RoutePersist Routing = "persist"
	// RouteQueue pushes every record to the data queue.
	RouteQueue Routing = "queue"
)

// ParseRouting validates a routing name; empty means auto.
func ParseRouting(s string) (Routing, error) {
	switch Routing(s) {
	case "", RouteAuto:
		return RouteAuto, nil
	case RoutePersist, RouteQueue:
		return Routing(s), nil
	default:
		return "", fmt.Errorf("unknown routing %q (want auto, persist or queue)", s)
	}
}

// ProcessConfig controls a ProcessWorker.
type ProcessConfig struct {
	Keys    Keys
	Polling Polling
	Routing Routing
}

// ProcessWorker runs fetch records through the workflow machine.
type ProcessWorker struct {
	loop
	machine *workflow.Machine
	router  *persist.Router
	cfg     ProcessConfig
}

// NewProcessWorker constructs a ProcessWorker. router may be nil.
func NewProcessWorker(
	queue crawler.Queue,
	machine *workflow.Machine,
	router *persist.Router,
	cfg ProcessConfig,
	logger *zap.Logger,
) *ProcessWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Routing == "" {
		cfg.Routing = RouteAuto
	}
	return &ProcessWorker{
		loop: loop{
			queue:    queue,
			keys:     []string{cfg.Keys.Success},
			errorKey: cfg.Keys.Error,
			polling:  cfg.Polling.withDefaults(),
			stage:    "process",
			logger:   logger,
		},
		machine: machine,
		router:  router,
		cfg:     cfg,
	}
}

// Run consumes the success queue until ctx is done.
func (w *ProcessWorker) Run(ctx context.Context) error {
	return w.run(ctx, w.handle)
}

func (w *ProcessWorker) handle(ctx context.Context, d crawler.Delivery) error {
	rec, err := crawler.DecodeFetchRecord(d.Body)
	if err != nil {
		return err
	}
	return w.Process(ctx, rec)
}

// Process advances one fetch record and routes what it produced.
func (w *ProcessWorker) Process(ctx context.Context, rec crawler.FetchRecord) error {
	if rec.Failed() {
		return fmt.Errorf("fetch failed for %s: %s", rec.URL, rec.Error)
	}
	res, err := w.machine.Advance(workflow.Page{
		URL:       rec.URL,
		Body:      rec.Body,
		Context:   rec.Context,
		StepIndex: rec.StepIndex,
	})
	if err != nil {
		return fmt.Errorf("advance workflow: %w", err)
	}

	for _, req := range res.Requests {
		if err := w.push(ctx, w.cfg.Keys.Start, req); err != nil {
			return err
		}
	}
	metrics.ObserveFollowups(string(res.StepType), len(res.Requests))

	for _, record := range res.Records {
		if err := w.route(ctx, record); err != nil {
			return err
		}
	}
	w.logger.Debug("processed",
		zap.String("url", rec.URL),
		zap.Int("step_index", rec.StepIndex),
		zap.String("step_type", string(res.StepType)),
		zap.Int("requests", len(res.Requests)),
		zap.Int("records", len(res.Records)),
	)
	return nil
}

func (w *ProcessWorker) route(ctx context.Context, record crawler.ExtractedRecord) error {
	wantPersist := w.cfg.Routing == RoutePersist || (w.cfg.Routing == RouteAuto && record.Terminal)
	if wantPersist && w.router.Enabled() {
		metrics.ObserveRecord("persist")
		save(ctx, w.router, record, w.logger)
		return nil
	}
	metrics.ObserveRecord("queue")
	return w.push(ctx, w.cfg.Keys.Data, record)
}

// save persists record, logging and dropping it when every backend fails.
func save(ctx context.Context, router *persist.Router, record crawler.ExtractedRecord, logger *zap.Logger) {
	res, err := router.Save(ctx, record)
	if err != nil {
		if errors.Is(err, persist.ErrNoBackend) {
			logger.Error("record dropped; no backend accepted it",
				zap.String("url", record.SourceURL),
				zap.String("task_id", record.TaskID),
				zap.Error(err),
			)
			return
		}
		logger.Error("save record failed", zap.String("url", record.SourceURL), zap.Error(err))
		return
	}
	logger.Debug("record saved",
		zap.String("url", record.SourceURL),
		zap.String("backend", res.Backend),
		zap.String("id", res.ID),
		zap.Bool("duplicate", res.Duplicate),
	)
}
