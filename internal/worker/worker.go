// Package worker implements the fetch, process and sink stages that consume
// the pipeline queues.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/flowcrawler/internal/worker")

// Keys names the queues shared by the stages.
type Keys struct {
	Start   string
	Success string
	Data    string
	Error   string
}

// Polling controls how consumers wait on empty queues.
type Polling struct {
	PopTimeout time.Duration
	IdleSleep  time.Duration
}

func (p Polling) withDefaults() Polling {
	if p.PopTimeout <= 0 {
		p.PopTimeout = 5 * time.Second
	}
	if p.IdleSleep < 0 {
		p.IdleSleep = 0
	}
	return p
}

// loop is the consume cycle shared by every stage.
type loop struct {
	queue    crawler.Queue
	keys     []string
	errorKey string
	polling  Polling
	stage    string
	logger   *zap.Logger
}

// run pops messages until ctx is done or the queue closes. A message that was
// popped is handled to completion even when ctx is canceled mid-way.
func (l *loop) run(ctx context.Context, handle func(context.Context, crawler.Delivery) error) error {
	l.logger.Info("worker started", zap.Strings("queues", l.keys))
	defer l.logger.Info("worker stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, ok, err := l.queue.BlockingPop(ctx, l.keys, l.polling.PopTimeout)
		if err != nil {
			if errors.Is(err, crawler.ErrQueueClosed) {
				return fmt.Errorf("%s worker: %w", l.stage, err)
			}
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("queue pop failed", zap.Error(err))
			sleep(ctx, l.polling.IdleSleep)
			continue
		}
		if !ok {
			sleep(ctx, l.polling.IdleSleep)
			continue
		}
		metrics.ObserveQueue(d.Key, "popped")
		metrics.IncActiveWorkers(l.stage)
		msgCtx, span := tracer.Start(context.WithoutCancel(ctx), l.stage+".handle",
			trace.WithAttributes(attribute.String("queue", d.Key)))
		if err := safeHandle(msgCtx, d, handle); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "routed to error queue")
			l.fail(msgCtx, d, err)
		}
		span.End()
		metrics.DecActiveWorkers(l.stage)
	}
}

// safeHandle runs handle and converts a panic into an error so one bad
// message cannot stop the stage.
func safeHandle(ctx context.Context, d crawler.Delivery, handle func(context.Context, crawler.Delivery) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling message: %v", r)
		}
	}()
	return handle(ctx, d)
}

// push marshals v to JSON and pushes it to key.
func (l *loop) push(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", key, err)
	}
	if err := l.queue.Push(ctx, key, body); err != nil {
		metrics.ObserveQueue(key, "failed")
		return fmt.Errorf("push %s: %w", key, err)
	}
	metrics.ObserveQueue(key, "pushed")
	return nil
}

// fail routes the raw payload and its error to the error queue.
func (l *loop) fail(ctx context.Context, d crawler.Delivery, cause error) {
	l.logger.Warn("message routed to error queue",
		zap.String("queue", d.Key),
		zap.Error(cause),
	)
	msg := crawler.ErrorMessage{Error: cause.Error(), Payload: string(d.Body)}
	if err := l.push(ctx, l.errorKey, msg); err != nil {
		l.logger.Error("error queue push failed; message lost",
			zap.String("queue", d.Key),
			zap.Error(err),
		)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
