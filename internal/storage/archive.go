// Package storage archives raw pages into a blob store under content-addressed keys.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/fingerprint"
)

// Archiver writes pages to {prefix}/{task_id}/{sha256}.html.
type Archiver struct {
	store  crawler.BlobStore
	prefix string
}

// NewArchiver wraps store. A nil store yields a nil Archiver, which archives nothing.
func NewArchiver(store crawler.BlobStore, prefix string) *Archiver {
	if store == nil {
		return nil
	}
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object path for body under taskID.
func (a *Archiver) Key(taskID string, body []byte) string {
	if taskID == "" {
		taskID = "_"
	}
	return path.Join(a.prefix, taskID, fingerprint.ContentHash(string(body))+".html")
}

// Archive stores body and returns its URI. An empty body is not archived.
func (a *Archiver) Archive(ctx context.Context, taskID string, body []byte) (string, error) {
	if a == nil || len(body) == 0 {
		return "", nil
	}
	uri, err := a.store.PutObject(ctx, a.Key(taskID, body), "text/html; charset=utf-8", body)
	if err != nil {
		return "", fmt.Errorf("archive page: %w", err)
	}
	return uri, nil
}
