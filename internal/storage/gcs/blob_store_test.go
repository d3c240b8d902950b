package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "pages")
	require.ErrorContains(t, err, "client is required")

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, " ")
	require.ErrorContains(t, err, "archive.gcs_bucket")

	store, err := New(client, "crawl-archive")
	require.NoError(t, err)
	assert.Equal(t, "gs://crawl-archive/pages/t-1/abc.html", store.URI("pages/t-1/abc.html"))

	_, err = store.PutObject(context.Background(), "/", "text/html", []byte("x"))
	require.ErrorContains(t, err, "object key is required")
}

func TestAlreadyExists(t *testing.T) {
	t.Parallel()

	precondition := &googleapi.Error{Code: http.StatusPreconditionFailed}
	assert.True(t, alreadyExists(precondition))
	assert.True(t, alreadyExists(fmt.Errorf("wrapped: %w", precondition)))
	assert.False(t, alreadyExists(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, alreadyExists(errors.New("network down")))
	assert.False(t, alreadyExists(nil))
}
