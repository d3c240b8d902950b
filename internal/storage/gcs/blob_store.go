// Package gcs archives pages in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// BlobStore writes archived pages to one bucket. Archive keys are content
// addressed, so an object that already exists is left untouched.
type BlobStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// New binds client to bucket.
func New(client *storage.Client, bucket string) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs: storage client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("archive.gcs_bucket is required")
	}
	return &BlobStore{client: client, bucket: client.Bucket(bucket), name: bucket}, nil
}

// URI returns the gs:// location of key.
func (s *BlobStore) URI(key string) string {
	return "gs://" + s.name + "/" + key
}

// PutObject uploads data under key unless the object already exists.
func (s *BlobStore) PutObject(ctx context.Context, key, contentType string, data []byte) (string, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", errors.New("gcs: object key is required")
	}
	w := s.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	// Zero chunk size uploads the page in a single request.
	w.ChunkSize = 0

	_, writeErr := w.Write(data)
	closeErr := w.Close()
	switch {
	case writeErr != nil:
		return "", fmt.Errorf("write gs object %s: %w", key, errors.Join(writeErr, closeErr))
	case alreadyExists(closeErr):
		return s.URI(key), nil
	case closeErr != nil:
		return "", fmt.Errorf("finalize gs object %s: %w", key, closeErr)
	}
	return s.URI(key), nil
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
