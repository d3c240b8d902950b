// Package amqp implements the pipeline queue on RabbitMQ durable queues.
// Each queue key maps to one queue on the default exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

const defaultPollInterval = 200 * time.Millisecond

// channel is the subset of *amqp.Channel the queue needs.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// Queue publishes persistent messages and polls with basic.get.
type Queue struct {
	conn *amqp.Connection
	ch   channel
	poll time.Duration

	mu       sync.Mutex
	declared map[string]struct{}
	closed   bool
}

// New dials the broker and opens a channel.
func New(url string, poll time.Duration) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q := NewWithChannel(ch, poll)
	q.conn = conn
	return q, nil
}

// NewWithChannel wraps an already-open channel.
func NewWithChannel(ch channel, poll time.Duration) *Queue {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Queue{ch: ch, poll: poll, declared: make(map[string]struct{})}
}

func (q *Queue) declare(key string) error {
	if _, ok := q.declared[key]; ok {
		return nil
	}
	if _, err := q.ch.QueueDeclare(key, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", key, err)
	}
	q.declared[key] = struct{}{}
	return nil
}

// Push publishes body to the queue named key.
func (q *Queue) Push(ctx context.Context, key string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	if err := q.declare(key); err != nil {
		return err
	}
	err := q.ch.PublishWithContext(ctx, "", key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return wrapClosed(fmt.Errorf("publish %s: %w", key, err))
	}
	return nil
}

// BlockingPop polls keys in order until a message arrives or timeout elapses.
func (q *Queue) BlockingPop(ctx context.Context, keys []string, timeout time.Duration) (crawler.Delivery, bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		d, ok, err := q.tryGet(keys)
		if err != nil || ok {
			return d, ok, err
		}
		select {
		case <-ctx.Done():
			return crawler.Delivery{}, false, fmt.Errorf("pop canceled: %w", ctx.Err())
		case <-expired:
			return crawler.Delivery{}, false, nil
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryGet(keys []string) (crawler.Delivery, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.Delivery{}, false, crawler.ErrQueueClosed
	}
	for _, key := range keys {
		if err := q.declare(key); err != nil {
			return crawler.Delivery{}, false, wrapClosed(err)
		}
		msg, ok, err := q.ch.Get(key, true)
		if err != nil {
			return crawler.Delivery{}, false, wrapClosed(fmt.Errorf("get %s: %w", key, err))
		}
		if ok {
			return crawler.Delivery{Key: key, Body: msg.Body}, true, nil
		}
	}
	return crawler.Delivery{}, false, nil
}

// Close closes the channel and, when owned, the connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var errs []error
	if err := q.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

func wrapClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %w", crawler.ErrQueueClosed, err)
	}
	return err
}
