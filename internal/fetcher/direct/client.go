// Package direct implements the pooled HTTP fetch client used for plain sites.
package direct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/fetcher/links"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/headless/detector"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/policy/backoff"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/policy/ratelimit"
)

// Config controls the pooled client.
type Config struct {
	UserAgent      string
	PoolSize       int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// PageRetries bounds retries of listing page loads on RetryStatuses.
	PageRetries   int
	RetryStatuses []int
	BackoffBase   time.Duration
}

// Client implements acquire.Fetcher over one shared http.Transport.
type Client struct {
	cfg       Config
	transport *http.Transport
	http      *http.Client
	base      *colly.Collector
	limiter   *ratelimit.Limiter
	detector  *detector.Heuristic
	retry     backoff.Policy
	logger    *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLimiter paces downloads per host.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// New builds a Client. The transport and collector are created once and
// shared by every call.
func New(cfg Config, opts ...Option) *Client {
	if cfg.PoolSize < 20 {
		cfg.PoolSize = 20
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if len(cfg.RetryStatuses) == 0 {
		cfg.RetryStatuses = []int{429, 500, 502, 503, 504}
	}
	transport := NewTransport(cfg)

	collector := colly.NewCollector(colly.Async(false))
	collector.AllowURLRevisit = true
	collector.WithTransport(transport)
	collector.SetRequestTimeout(cfg.ConnectTimeout + cfg.ReadTimeout)
	if cfg.UserAgent != "" {
		collector.UserAgent = cfg.UserAgent
	}

	c := &Client{
		cfg:       cfg,
		transport: transport,
		http:      &http.Client{Transport: transport},
		base:      collector,
		detector:  detector.NewHeuristic(0),
		retry:     backoff.New(cfg.PageRetries, cfg.BackoffBase, backoff.DefaultMax),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("direct")
	return c
}

// NewTransport builds the pooled transport; connect and read phases get
// separate timeouts.
func NewTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          cfg.PoolSize * 2,
		MaxIdleConnsPerHost:   cfg.PoolSize,
		MaxConnsPerHost:       cfg.PoolSize,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Discover loads pageURL and returns every downloadable file it links,
// retrying transient statuses with backoff.
func (c *Client) Discover(ctx context.Context, pageURL string, opts acquire.DiscoverOptions) ([]acquire.FileDescriptor, error) {
	for attempt := 1; ; attempt++ {
		files, err := c.discoverOnce(ctx, pageURL, opts)
		if err == nil {
			return files, nil
		}
		if ctx.Err() != nil || !c.retryablePage(err) || attempt > c.retry.Retries {
			return nil, err
		}
		c.logger.Debug("retrying listing page",
			zap.String("url", pageURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if serr := c.retry.Sleep(ctx, attempt-1); serr != nil {
			return nil, serr
		}
	}
}

func (c *Client) retryablePage(err error) bool {
	if httpErr, ok := asHTTPError(err); ok {
		for _, status := range c.cfg.RetryStatuses {
			if httpErr.Status == status {
				return true
			}
		}
		return false
	}
	return acquire.Classify(err) == acquire.KindNetworkTransient
}

func (c *Client) discoverOnce(ctx context.Context, pageURL string, opts acquire.DiscoverOptions) ([]acquire.FileDescriptor, error) {
	collector := c.base.Clone()
	// Requests carry ctx, so cancellation aborts the in-flight page load
	// instead of leaving Visit running until the request timeout.
	collector.Context = ctx
	set := links.NewSet(opts)
	var fetchErr error

	collector.OnResponse(func(r *colly.Response) {
		if c.detector.IsChallenge(r.StatusCode, r.Body) {
			fetchErr = &acquire.HTTPError{URL: pageURL, Status: http.StatusForbidden}
		}
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		abs := e.Request.AbsoluteURL(e.Attr("href"))
		if abs == "" {
			return
		}
		text := e.Text
		if strings.TrimSpace(text) == "" {
			text = e.Attr("title")
		}
		set.Add(nil, abs, text)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			fetchErr = &acquire.HTTPError{URL: pageURL, Status: r.StatusCode}
			return
		}
		fetchErr = acquire.WrapTransport(pageURL, "discover", err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("discover %s canceled: %w", pageURL, ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fetchErr
		}
		if err != nil {
			return nil, acquire.WrapTransport(pageURL, "discover", err)
		}
	}
	return set.Files(), nil
}

// Fetch opens rawURL for streaming, requesting bytes from resumeFrom onward.
// A server that ignores the range answers 200 and the returned Body has
// Offset 0.
func (c *Client) Fetch(ctx context.Context, rawURL string, resumeFrom int64) (acquire.Body, error) {
	if err := c.limiter.Wait(ctx, rawURL); err != nil {
		return acquire.Body{}, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return acquire.Body{}, &acquire.ParseError{Input: rawURL, Err: err}
	}
	c.decorate(req)
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return acquire.Body{}, acquire.WrapTransport(rawURL, "connect", err)
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != resumeFrom {
			drain(resp.Body)
			cancel()
			return acquire.Body{}, &acquire.ResumeUnsupportedError{URL: rawURL, Offset: resumeFrom}
		}
		return acquire.Body{Reader: c.idle(resp.Body, rawURL, cancel), Offset: start, Total: total}, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && resumeFrom > 0:
		drain(resp.Body)
		cancel()
		return acquire.Body{}, &acquire.ResumeUnsupportedError{URL: rawURL, Offset: resumeFrom}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		total := resp.ContentLength
		if total < 0 {
			total = -1
		}
		return acquire.Body{Reader: c.idle(resp.Body, rawURL, cancel), Offset: 0, Total: total}, nil
	default:
		drain(resp.Body)
		cancel()
		return acquire.Body{}, &acquire.HTTPError{URL: rawURL, Status: resp.StatusCode}
	}
}

func (c *Client) decorate(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "*/*")
}

func (c *Client) idle(body io.ReadCloser, rawURL string, cancel context.CancelFunc) io.ReadCloser {
	r := &idleReader{body: body, url: rawURL, timeout: c.cfg.ReadTimeout, cancel: cancel}
	r.timer = time.AfterFunc(r.timeout, func() {
		r.expired.Store(true)
		cancel()
	})
	return r
}

// idleReader cancels the request when no bytes arrive within timeout.
type idleReader struct {
	body    io.ReadCloser
	url     string
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	expired atomic.Bool
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	if err != nil && err != io.EOF {
		if r.expired.Load() {
			return n, &acquire.TimeoutError{URL: r.url, Phase: "read", Err: err}
		}
		return n, acquire.WrapTransport(r.url, "read", err)
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	err := r.body.Close()
	r.cancel()
	return err
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// parseContentRange parses "bytes start-end/total"; total is -1 for "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	rangePart, totalPart, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	startStr, _, found := strings.Cut(rangePart, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	if strings.TrimSpace(totalPart) == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(strings.TrimSpace(totalPart), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}

func asHTTPError(err error) (*acquire.HTTPError, bool) {
	var httpErr *acquire.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}
