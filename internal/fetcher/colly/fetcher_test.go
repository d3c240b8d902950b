package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

func newFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	f, err := New(cfg)
	require.NoError(t, err)
	return f
}

func TestNewAppliesTemplateSettings(t *testing.T) {
	t.Parallel()

	f := newFetcher(t, Config{UserAgent: "template-agent", MaxBodySize: 2048})
	assert.Equal(t, "template-agent", f.template.UserAgent)
	assert.Equal(t, 2048, f.template.MaxBodySize)
	assert.True(t, f.template.IgnoreRobotsTxt)
	assert.True(t, f.template.AllowURLRevisit)
	assert.True(t, f.template.ParseHTTPErrorResponse)
	assert.Equal(t, defaultTimeout, f.cfg.Timeout)
}

func TestNewRejectsBadProxy(t *testing.T) {
	t.Parallel()

	_, err := New(Config{HTTPSProxy: "::not a url"})
	require.ErrorContains(t, err, "invalid proxy url")
}

func TestProxySelectorByScheme(t *testing.T) {
	t.Parallel()

	pick, err := proxySelector("http://plain.proxy:8080", "http://secure.proxy:3128")
	require.NoError(t, err)

	for target, want := range map[string]string{
		"http://example.com/a":  "plain.proxy:8080",
		"https://example.com/b": "secure.proxy:3128",
	} {
		u, err := url.Parse(target)
		require.NoError(t, err)
		got, err := pick(&http.Request{URL: u})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.Host, target)
	}
}

func TestExchangeCallbacks(t *testing.T) {
	t.Parallel()

	ex := &exchange{
		request: crawler.FetchRequest{URL: "https://example.com", Headers: http.Header{"X-Trace": {"new"}}},
		started: time.Unix(0, 0),
	}
	cb := &recordingCallbacks{}
	ex.register(cb)

	req := &colly.Request{Headers: &http.Header{"X-Trace": {"stale"}}}
	cb.request(req)
	assert.Equal(t, []string{"new"}, req.Headers.Values("X-Trace"))

	u, err := url.Parse("https://example.com/final")
	require.NoError(t, err)
	cb.response(&colly.Response{
		StatusCode: http.StatusAccepted,
		Body:       []byte("payload"),
		Headers:    &http.Header{"Content-Type": {"text/plain"}},
		Request:    &colly.Request{URL: u},
	})
	assert.Equal(t, http.StatusAccepted, ex.response.StatusCode)
	assert.Equal(t, "https://example.com/final", ex.response.URL)
	assert.Equal(t, "payload", string(ex.response.Body))
	assert.Equal(t, "text/plain", ex.response.Headers.Get("Content-Type"))

	cb.err(nil, errors.New("reset by peer"))
	require.EqualError(t, ex.failure, "reset by peer")
}

func TestFetchStatusesAndMethods(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gone":
			http.Error(w, "gone", http.StatusGone)
		case "/form":
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write([]byte(r.Method + "|" + r.Header.Get("X-Token") + "|" + string(body)))
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<p>list</p>"))
		}
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, Config{UserAgent: "flowcrawler-test", Timeout: 5 * time.Second})
	ctx := context.Background()

	page, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/list"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, "<p>list</p>", string(page.Body))
	assert.Equal(t, "text/html; charset=utf-8", page.Headers.Get("Content-Type"))

	gone, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/gone"})
	require.NoError(t, err, "http error statuses are responses, not failures")
	assert.Equal(t, http.StatusGone, gone.StatusCode)

	form, err := f.Fetch(ctx, crawler.FetchRequest{
		URL:     srv.URL + "/form",
		Method:  "post",
		Headers: http.Header{"X-Token": {"abc"}},
		Body:    []byte("page=2"),
	})
	require.NoError(t, err)
	assert.Equal(t, "POST|abc|page=2", string(form.Body))
}

func TestFetchThroughProxy(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("via proxy " + r.URL.Host))
	}))
	t.Cleanup(proxy.Close)

	f := newFetcher(t, Config{Timeout: 5 * time.Second, HTTPProxy: proxy.URL})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "http://upstream.invalid/page"})
	require.NoError(t, err)
	assert.Equal(t, "via proxy upstream.invalid", string(resp.Body))
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	f := newFetcher(t, Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: target})
	require.ErrorContains(t, err, "fetch "+target)
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	f := newFetcher(t, Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type recordingCallbacks struct {
	request  colly.RequestCallback
	response colly.ResponseCallback
	err      colly.ErrorCallback
}

func (r *recordingCallbacks) OnRequest(cb colly.RequestCallback)   { r.request = cb }
func (r *recordingCallbacks) OnResponse(cb colly.ResponseCallback) { r.response = cb }
func (r *recordingCallbacks) OnError(cb colly.ErrorCallback)       { r.err = cb }
