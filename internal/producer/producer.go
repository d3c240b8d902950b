// Package producer pushes seed requests onto the start queue, either derived
// from the workflow document or read from an external table of pending requests.
package producer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/metrics"
	"github.com/JakeFAU/flowcrawler/internal/workflow"
)

// Source yields request messages one at a time. Returning an error from fn stops iteration.
type Source interface {
	Each(ctx context.Context, fn func(crawler.RequestMessage) error) error
}

// Producer writes requests to a single queue key.
type Producer struct {
	queue  crawler.Queue
	key    string
	logger *zap.Logger
}

// New constructs a Producer for the start queue key.
func New(queue crawler.Queue, key string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{queue: queue, key: key, logger: logger}
}

// Push enqueues one request message.
func (p *Producer) Push(ctx context.Context, msg crawler.RequestMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := p.queue.Push(ctx, p.key, body); err != nil {
		return fmt.Errorf("push %s: %w", p.key, err)
	}
	metrics.ObserveQueue(p.key, "pushed")
	return nil
}

// SeedWorkflow pushes the initial request of cfg.
func (p *Producer) SeedWorkflow(ctx context.Context, cfg *workflow.Config) (crawler.RequestMessage, error) {
	msg, err := cfg.SeedRequest()
	if err != nil {
		return crawler.RequestMessage{}, err
	}
	if err := p.Push(ctx, msg); err != nil {
		return crawler.RequestMessage{}, err
	}
	p.logger.Info("seed request pushed",
		zap.String("queue", p.key),
		zap.String("url", msg.URL),
		zap.String("task_id", cfg.Task.ID),
	)
	return msg, nil
}

// Drain pushes every request the source yields and returns how many were pushed.
func (p *Producer) Drain(ctx context.Context, src Source) (int, error) {
	pushed := 0
	err := src.Each(ctx, func(msg crawler.RequestMessage) error {
		if err := p.Push(ctx, msg); err != nil {
			return err
		}
		pushed++
		return nil
	})
	if err != nil {
		return pushed, fmt.Errorf("drain source: %w", err)
	}
	p.logger.Info("pending requests pushed", zap.String("queue", p.key), zap.Int("count", pushed))
	return pushed, nil
}
