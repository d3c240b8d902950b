package crawler

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by queue operations after Close.
var ErrQueueClosed = errors.New("queue closed")

// Delivery is a message popped from one of several queue keys.
type Delivery struct {
	Key  string
	Body []byte
}

// Queue is the durable list-style transport between pipeline stages.
// BlockingPop returns ok=false when the timeout elapses with nothing available.
type Queue interface {
	Push(ctx context.Context, key string, body []byte) error
	BlockingPop(ctx context.Context, keys []string, timeout time.Duration) (Delivery, bool, error)
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ArticleStore persists article records, deduplicating on link hash.
// A duplicate save returns the identifier of the existing record with duplicate=true.
type ArticleStore interface {
	Name() string
	SaveArticle(ctx context.Context, article ArticleRecord) (id string, duplicate bool, err error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
