// Package browser implements the headless-browser fetch client used for
// sources that block non-browser clients.
package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/fetcher/links"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/headless/detector"
)

// hideAutomation runs before any page script in every new document.
const hideAutomation = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// Config controls the browser client.
type Config struct {
	Headless        bool
	ExecPath        string
	UserAgent       string
	NavTimeout      time.Duration
	DownloadTimeout time.Duration
	// ChallengeWait is how long to let a bot challenge resolve before
	// re-reading the page.
	ChallengeWait time.Duration
}

// Client implements acquire.Fetcher by driving one shared browser tab.
// Calls are serialized; the tab is a single stateful resource.
type Client struct {
	cfg      Config
	logger   *zap.Logger
	detector *detector.Heuristic

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	started     bool
	origin      string
	downloadDir string
	downloads   *downloadWatcher
	documents   *documentWatcher
	strategies  []strategy
}

// strategy is one way of pulling a file through the browser.
type strategy struct {
	name string
	fn   func(context.Context, string) (acquire.Body, error)
}

// New builds a Client. The browser process starts on first use.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 180 * time.Second
	}
	if cfg.ChallengeWait <= 0 {
		cfg.ChallengeWait = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:       cfg,
		logger:    logger.Named("browser"),
		detector:  detector.NewHeuristic(0),
		downloads: newDownloadWatcher(),
		documents: newDocumentWatcher(),
	}
	c.strategies = []strategy{
		{"in_page_fetch", c.fetchInPage},
		{"click_download", c.clickDownload},
		{"navigate", c.navigateCapture},
	}
	return c
}

func (c *Client) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if c.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	if c.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.cfg.UserAgent))
	}
	return opts
}

// start launches the browser and installs the session-wide setup once.
// Callers hold c.mu.
func (c *Client) start() error {
	if c.started {
		return nil
	}
	dir, err := os.MkdirTemp("", "harvester-downloads-")
	if err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	c.downloadDir = dir
	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(context.Background(), c.allocatorOptions()...)
	c.tabCtx, c.tabCancel = chromedp.NewContext(c.allocCtx)

	chromedp.ListenBrowser(c.tabCtx, c.downloads.handle)
	chromedp.ListenTarget(c.tabCtx, c.documents.handle)

	setup := chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(hideAutomation).Do(ctx); err != nil {
			return fmt.Errorf("install automation mask: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		err := browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(c.downloadDir).
			WithEventsEnabled(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("set download behavior: %w", err)
		}
		return nil
	})
	if err := chromedp.Run(c.tabCtx, setup); err != nil {
		c.shutdown()
		return &acquire.NetworkError{
			URL:       "browser://start",
			Permanent: true,
			Err:       fmt.Errorf("%w: %w", acquire.ErrBrowserUnavailable, err),
		}
	}
	c.started = true
	c.logger.Info("browser session started", zap.Bool("headless", c.cfg.Headless))
	return nil
}

// Close shuts the browser down and removes the download directory.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown()
}

func (c *Client) shutdown() {
	if c.tabCancel != nil {
		c.tabCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	if c.downloadDir != "" {
		_ = os.RemoveAll(c.downloadDir)
	}
	c.started = false
	c.origin = ""
}

// run executes actions on the shared tab bounded by ctx and timeout.
func (c *Client) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(c.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return &acquire.TimeoutError{URL: "browser", Phase: "navigate", Err: err}
		}
		return err
	}
	return nil
}

// Discover navigates to pageURL, waits for the DOM, and extracts links from
// the rendered document. Bot challenges get one chance to resolve.
func (c *Client) Discover(ctx context.Context, pageURL string, opts acquire.DiscoverOptions) ([]acquire.FileDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.start(); err != nil {
		return nil, err
	}

	var (
		html     string
		location string
	)
	read := []chromedp.Action{
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	err := c.run(ctx, c.cfg.NavTimeout, append([]chromedp.Action{c.navigateDOM(pageURL)}, read...)...)
	if err != nil {
		return nil, wrapRunError(pageURL, err)
	}
	c.origin = originOf(location)

	if c.detector.IsChallenge(http.StatusOK, []byte(html)) {
		c.logger.Info("waiting for bot challenge", zap.String("url", pageURL))
		wait := append([]chromedp.Action{chromedp.Sleep(c.cfg.ChallengeWait)}, read...)
		if err := c.run(ctx, c.cfg.NavTimeout+c.cfg.ChallengeWait, wait...); err != nil {
			return nil, wrapRunError(pageURL, err)
		}
		if c.detector.IsChallenge(http.StatusOK, []byte(html)) {
			return nil, &acquire.HTTPError{URL: pageURL, Status: http.StatusForbidden}
		}
	}
	if location == "" {
		location = pageURL
	}
	return links.ExtractHTML(location, html, opts)
}

// Fetch downloads rawURL through the browser session. It tries an in-page
// fetch, then a synthetic link click, then direct navigation. The browser
// cannot resume, so the returned Body always starts at offset 0.
func (c *Client) Fetch(ctx context.Context, rawURL string, _ int64) (acquire.Body, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.start(); err != nil {
		return acquire.Body{}, err
	}
	return c.tryStrategies(ctx, rawURL)
}

// tryStrategies runs the strategies in order and returns the first body
// obtained.
func (c *Client) tryStrategies(ctx context.Context, rawURL string) (acquire.Body, error) {
	var errs []error
	for _, s := range c.strategies {
		body, err := s.fn(ctx, rawURL)
		if err == nil {
			c.logger.Debug("browser fetch succeeded", zap.String("url", rawURL), zap.String("strategy", s.name))
			return body, nil
		}
		if ctx.Err() != nil {
			return acquire.Body{}, ctx.Err()
		}
		c.logger.Debug("browser strategy failed",
			zap.String("url", rawURL),
			zap.String("strategy", s.name),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}
	return acquire.Body{}, lastTyped(rawURL, errs)
}

// navigateDOM starts a navigation and returns once the new document has been
// parsed, without waiting for images, stylesheets or frames.
func (c *Client) navigateDOM(rawURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ready := c.documents.armDOMReady()
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(rawURL), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return fmt.Errorf("navigate %s: %s", rawURL, res.ErrorText)
		}
		select {
		case <-ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// ensureOrigin puts the tab on rawURL's origin so in-page requests carry the
// site's cookies.
func (c *Client) ensureOrigin(ctx context.Context, rawURL string) error {
	origin := originOf(rawURL)
	if origin == "" {
		return &acquire.ParseError{Input: rawURL, Err: errors.New("url has no origin")}
	}
	if origin == c.origin {
		return nil
	}
	err := c.run(ctx, c.cfg.NavTimeout,
		c.navigateDOM(origin+"/"),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return wrapRunError(origin, err)
	}
	c.origin = origin
	return nil
}

type inPageResult struct {
	Status int    `json:"status"`
	Data   string `json:"data"`
}

func (c *Client) fetchInPage(ctx context.Context, rawURL string) (acquire.Body, error) {
	if err := c.ensureOrigin(ctx, rawURL); err != nil {
		return acquire.Body{}, err
	}
	script, err := inPageFetchScript(rawURL)
	if err != nil {
		return acquire.Body{}, err
	}
	var res inPageResult
	err = c.run(ctx, c.cfg.DownloadTimeout, chromedp.Evaluate(script, &res,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		},
	))
	if err != nil {
		return acquire.Body{}, wrapRunError(rawURL, err)
	}
	return decodeInPage(rawURL, res)
}

func (c *Client) clickDownload(ctx context.Context, rawURL string) (acquire.Body, error) {
	script, err := clickScript(rawURL)
	if err != nil {
		return acquire.Body{}, err
	}
	c.downloads.reset()
	var clicked bool
	if err := c.run(ctx, c.cfg.NavTimeout, chromedp.Evaluate(script, &clicked)); err != nil {
		return acquire.Body{}, wrapRunError(rawURL, err)
	}
	guid, err := c.downloads.wait(ctx, c.cfg.DownloadTimeout)
	if err != nil {
		return acquire.Body{}, &acquire.TimeoutError{URL: rawURL, Phase: "download", Err: err}
	}
	return openDownload(filepath.Join(c.downloadDir, guid))
}

func (c *Client) navigateCapture(ctx context.Context, rawURL string) (acquire.Body, error) {
	c.downloads.reset()
	c.documents.reset()
	navErr := c.run(ctx, c.cfg.NavTimeout, chromedp.Navigate(rawURL))
	c.origin = originOf(rawURL)

	doc, ok := c.documents.finished()
	if ok {
		if doc.status >= 400 {
			return acquire.Body{}, &acquire.HTTPError{URL: rawURL, Status: doc.status}
		}
		var data []byte
		err := c.run(ctx, c.cfg.DownloadTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			data, err = network.GetResponseBody(doc.requestID).Do(ctx)
			return err
		}))
		if err == nil && len(data) > 0 {
			return bytesBody(data), nil
		}
	}

	// Navigating to a file the browser will not render starts a download
	// and aborts the navigation.
	guid, err := c.downloads.wait(ctx, c.cfg.DownloadTimeout)
	if err == nil {
		return openDownload(filepath.Join(c.downloadDir, guid))
	}
	if navErr != nil {
		return acquire.Body{}, wrapRunError(rawURL, navErr)
	}
	return acquire.Body{}, &acquire.TimeoutError{URL: rawURL, Phase: "download", Err: err}
}

func inPageFetchScript(rawURL string) (string, error) {
	quoted, err := json.Marshal(rawURL)
	if err != nil {
		return "", &acquire.ParseError{Input: rawURL, Err: err}
	}
	return fmt.Sprintf(`(async () => {
  const r = await fetch(%s, {credentials: 'include'});
  if (!r.ok) { return {status: r.status, data: ''}; }
  const buf = new Uint8Array(await r.arrayBuffer());
  let s = '';
  for (let i = 0; i < buf.length; i += 0x8000) {
    s += String.fromCharCode.apply(null, buf.subarray(i, i + 0x8000));
  }
  return {status: r.status, data: btoa(s)};
})()`, quoted), nil
}

func clickScript(rawURL string) (string, error) {
	quoted, err := json.Marshal(rawURL)
	if err != nil {
		return "", &acquire.ParseError{Input: rawURL, Err: err}
	}
	return fmt.Sprintf(`(() => {
  const a = document.createElement('a');
  a.href = %s;
  a.download = '';
  document.body.appendChild(a);
  a.click();
  a.remove();
  return true;
})()`, quoted), nil
}

func decodeInPage(rawURL string, res inPageResult) (acquire.Body, error) {
	if res.Status >= 400 || res.Status == 0 {
		status := res.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		return acquire.Body{}, &acquire.HTTPError{URL: rawURL, Status: status}
	}
	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return acquire.Body{}, &acquire.ParseError{Input: rawURL, Err: err}
	}
	if len(data) == 0 {
		return acquire.Body{}, &acquire.NetworkError{URL: rawURL, Err: errors.New("empty in-page response")}
	}
	return bytesBody(data), nil
}

func bytesBody(data []byte) acquire.Body {
	return acquire.Body{
		Reader: io.NopCloser(bytes.NewReader(data)),
		Offset: 0,
		Total:  int64(len(data)),
	}
}

// removeOnClose deletes the browser's download once the caller has copied it.
type removeOnClose struct {
	*os.File
}

func (r removeOnClose) Close() error {
	err := r.File.Close()
	_ = os.Remove(r.Name())
	return err
}

func openDownload(path string) (acquire.Body, error) {
	f, err := os.Open(path)
	if err != nil {
		return acquire.Body{}, fmt.Errorf("open browser download: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return acquire.Body{}, fmt.Errorf("stat browser download: %w", err)
	}
	return acquire.Body{Reader: removeOnClose{f}, Offset: 0, Total: info.Size()}, nil
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func wrapRunError(rawURL string, err error) error {
	var (
		timeoutErr *acquire.TimeoutError
		httpErr    *acquire.HTTPError
	)
	if errors.As(err, &timeoutErr) {
		timeoutErr.URL = rawURL
		return timeoutErr
	}
	if errors.As(err, &httpErr) || errors.Is(err, context.Canceled) {
		return err
	}
	return &acquire.NetworkError{URL: rawURL, Err: err}
}

// lastTyped reports the most specific error across strategies: an HTTP
// status wins over generic failures so permanent errors fail fast.
func lastTyped(rawURL string, errs []error) error {
	if len(errs) == 0 {
		return &acquire.NetworkError{URL: rawURL, Err: errors.New("no browser strategy ran")}
	}
	for _, err := range errs {
		var httpErr *acquire.HTTPError
		if errors.As(err, &httpErr) {
			return errors.Join(errs...)
		}
	}
	return &acquire.NetworkError{URL: rawURL, Err: errors.Join(errs...)}
}
