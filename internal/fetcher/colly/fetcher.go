// Package collyfetcher implements crawler.Fetcher on top of a gocolly collector.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	// HTTPProxy and HTTPSProxy pin upstream proxies per target scheme.
	// Left empty, the process environment decides.
	HTTPProxy  string
	HTTPSProxy string
}

// Fetcher issues one request per Fetch call. Collectors are cloned from a
// template so concurrent fetches never share callbacks.
type Fetcher struct {
	cfg      Config
	template *colly.Collector
}

// callbacks is the subset of *colly.Collector an exchange registers on.
type callbacks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Proxy URLs that fail to parse are rejected.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	proxy, err := proxySelector(cfg.HTTPProxy, cfg.HTTPSProxy)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	template := colly.NewCollector(colly.Async(false))
	template.IgnoreRobotsTxt = true
	template.AllowURLRevisit = true
	template.ParseHTTPErrorResponse = true
	template.MaxBodySize = cfg.MaxBodySize
	if cfg.UserAgent != "" {
		template.UserAgent = cfg.UserAgent
	}
	template.WithTransport(transport)
	template.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, template: template}, nil
}

// proxySelector picks a proxy by the target URL scheme, deferring to the
// environment for any scheme left unset.
func proxySelector(httpProxy, httpsProxy string) (func(*http.Request) (*url.URL, error), error) {
	parse := func(raw string) (*url.URL, error) {
		if strings.TrimSpace(raw) == "" {
			return nil, nil
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", raw)
		}
		return u, nil
	}
	plain, err := parse(httpProxy)
	if err != nil {
		return nil, err
	}
	secure, err := parse(httpsProxy)
	if err != nil {
		return nil, err
	}
	if plain == nil && secure == nil {
		return http.ProxyFromEnvironment, nil
	}
	return func(r *http.Request) (*url.URL, error) {
		switch {
		case r.URL.Scheme == "https" && secure != nil:
			return secure, nil
		case r.URL.Scheme == "http" && plain != nil:
			return plain, nil
		default:
			return http.ProxyFromEnvironment(r)
		}
	}, nil
}

// Fetch executes a single request. Any HTTP status is a successful fetch;
// only transport failures return an error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	ex := &exchange{request: request, started: time.Now()}
	// Clones share the template's HTTP backend, so transport and timeout carry over.
	collector := f.template.Clone()
	ex.register(collector)
	if err := ex.run(ctx, collector); err != nil {
		return crawler.FetchResponse{}, err
	}
	return ex.response, nil
}

// exchange holds the outcome of one request while colly callbacks fill it in.
type exchange struct {
	request  crawler.FetchRequest
	started  time.Time
	response crawler.FetchResponse
	failure  error
}

func (ex *exchange) register(c callbacks) {
	c.OnRequest(func(r *colly.Request) {
		for key, values := range ex.request.Headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	c.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		ex.response = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       bytes.Clone(r.Body),
			Duration:   time.Since(ex.started),
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		ex.failure = err
	})
}

func (ex *exchange) run(ctx context.Context, collector *colly.Collector) error {
	method := strings.ToUpper(ex.request.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(ex.request.Body) > 0 {
		body = bytes.NewReader(ex.request.Body)
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, ex.request.URL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s canceled: %w", ex.request.URL, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("fetch %s: %w", ex.request.URL, err)
		}
		if ex.failure != nil {
			return fmt.Errorf("fetch %s: %w", ex.request.URL, ex.failure)
		}
		return nil
	}
}
