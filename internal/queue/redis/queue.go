// Package redis implements the pipeline queue on Redis lists (LPUSH/BRPOP).
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

// Queue pushes to the head of a list and pops from its tail, giving FIFO order.
type Queue struct {
	client *goredis.Client
}

// New connects to the Redis server at url (redis://[:password@]host:port/db).
func New(ctx context.Context, url string) (*Queue, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Queue{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client) *Queue {
	return &Queue{client: client}
}

// Push prepends body to the list under key.
func (q *Queue) Push(ctx context.Context, key string, body []byte) error {
	if err := q.client.LPush(ctx, key, body).Err(); err != nil {
		return wrapClosed(fmt.Errorf("lpush %s: %w", key, err))
	}
	return nil
}

// BlockingPop waits up to timeout for a message on any of keys. Redis counts
// the timeout in whole seconds, so sub-second values round up to one second.
func (q *Queue) BlockingPop(ctx context.Context, keys []string, timeout time.Duration) (crawler.Delivery, bool, error) {
	if timeout > 0 && timeout < time.Second {
		timeout = time.Second
	}
	res, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, goredis.Nil) {
		return crawler.Delivery{}, false, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.Delivery{}, false, fmt.Errorf("pop canceled: %w", ctxErr)
		}
		return crawler.Delivery{}, false, wrapClosed(fmt.Errorf("brpop: %w", err))
	}
	if len(res) != 2 {
		return crawler.Delivery{}, false, fmt.Errorf("brpop: unexpected reply length %d", len(res))
	}
	return crawler.Delivery{Key: res[0], Body: []byte(res[1])}, true, nil
}

// Ping checks that the server is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return wrapClosed(fmt.Errorf("ping redis: %w", err))
	}
	return nil
}

// Close releases the connection pool.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func wrapClosed(err error) error {
	if errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("%w: %w", crawler.ErrQueueClosed, err)
	}
	return err
}
