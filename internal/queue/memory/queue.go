// Package memory provides an in-process keyed queue for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

// Queue is a set of named FIFO lists with blocking pops across keys.
type Queue struct {
	mu     sync.Mutex
	lists  map[string][][]byte
	signal chan struct{}
	closed bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		lists:  make(map[string][][]byte),
		signal: make(chan struct{}),
	}
}

// Push appends body to the list under key and wakes blocked consumers.
func (q *Queue) Push(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("push canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	q.lists[key] = append(q.lists[key], append([]byte(nil), body...))
	close(q.signal)
	q.signal = make(chan struct{})
	return nil
}

// BlockingPop removes the oldest message from the first non-empty key, in
// key order. A non-positive timeout waits until the context ends.
func (q *Queue) BlockingPop(ctx context.Context, keys []string, timeout time.Duration) (crawler.Delivery, bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return crawler.Delivery{}, false, crawler.ErrQueueClosed
		}
		for _, key := range keys {
			if list := q.lists[key]; len(list) > 0 {
				body := list[0]
				list[0] = nil
				q.lists[key] = list[1:]
				q.mu.Unlock()
				return crawler.Delivery{Key: key, Body: body}, true, nil
			}
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.Delivery{}, false, fmt.Errorf("pop canceled: %w", ctx.Err())
		case <-expired:
			return crawler.Delivery{}, false, nil
		case <-wait:
		}
	}
}

// Len reports how many messages wait under key.
func (q *Queue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lists[key])
}

// Drain removes and returns every message under key.
func (q *Queue) Drain(key string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.lists[key]
	delete(q.lists, key)
	return out
}

// Close wakes blocked consumers; later operations return crawler.ErrQueueClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
