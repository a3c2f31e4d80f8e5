package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
)

var errDownloadCanceled = errors.New("browser download canceled")

type downloadResult struct {
	guid string
	err  error
}

// downloadWatcher turns browser download events into completion signals.
type downloadWatcher struct {
	mu     sync.Mutex
	events chan downloadResult
}

func newDownloadWatcher() *downloadWatcher {
	return &downloadWatcher{events: make(chan downloadResult, 8)}
}

// reset discards signals from earlier downloads.
func (w *downloadWatcher) reset() {
	w.mu.Lock()
	w.events = make(chan downloadResult, 8)
	w.mu.Unlock()
}

func (w *downloadWatcher) handle(ev any) {
	progress, ok := ev.(*browser.EventDownloadProgress)
	if !ok {
		return
	}
	var res downloadResult
	switch progress.State {
	case browser.DownloadProgressStateCompleted:
		res = downloadResult{guid: progress.GUID}
	case browser.DownloadProgressStateCanceled:
		res = downloadResult{guid: progress.GUID, err: errDownloadCanceled}
	default:
		return
	}
	w.mu.Lock()
	ch := w.events
	w.mu.Unlock()
	select {
	case ch <- res:
	default:
	}
}

// wait blocks until a download completes, fails, or timeout elapses.
func (w *downloadWatcher) wait(ctx context.Context, timeout time.Duration) (string, error) {
	w.mu.Lock()
	ch := w.events
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.guid, res.err
	case <-timer.C:
		return "", fmt.Errorf("no download completed within %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type documentResponse struct {
	requestID network.RequestID
	url       string
	status    int
	done      bool
}

// documentWatcher records the main document response of the last navigation
// and signals when its DOM is ready.
type documentWatcher struct {
	mu       sync.Mutex
	doc      documentResponse
	domReady chan struct{}
}

func newDocumentWatcher() *documentWatcher {
	return &documentWatcher{}
}

func (w *documentWatcher) reset() {
	w.mu.Lock()
	w.doc = documentResponse{}
	w.mu.Unlock()
}

// armDOMReady returns a channel closed by the next DOMContentLoaded.
func (w *documentWatcher) armDOMReady() <-chan struct{} {
	ch := make(chan struct{})
	w.mu.Lock()
	w.domReady = ch
	w.mu.Unlock()
	return ch
}

func (w *documentWatcher) handle(ev any) {
	switch e := ev.(type) {
	case *page.EventDomContentEventFired:
		w.mu.Lock()
		if w.domReady != nil {
			close(w.domReady)
			w.domReady = nil
		}
		w.mu.Unlock()
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		w.mu.Lock()
		w.doc = documentResponse{requestID: e.RequestID, url: e.Response.URL, status: int(e.Response.Status)}
		w.mu.Unlock()
	case *network.EventLoadingFinished:
		w.mu.Lock()
		if w.doc.requestID == e.RequestID {
			w.doc.done = true
		}
		w.mu.Unlock()
	}
}

// finished returns the document response once its body has fully loaded.
func (w *documentWatcher) finished() (documentResponse, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doc, w.doc.done && w.doc.requestID != ""
}
