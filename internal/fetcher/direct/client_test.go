package direct

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

func testConfig() Config {
	return Config{
		UserAgent:      "harvester-test",
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
		PageRetries:    2,
		BackoffBase:    time.Millisecond,
	}
}

func TestDiscoverExtractsLinks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "harvester-test", r.UserAgent())
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><body>
<a href="/docs/a.pdf">A</a>
<a href="/docs/a.pdf#p2">A again</a>
<a href="b.xlsx?rev=1">B</a>
<a href="https://twitter.com/x/c.pdf">C</a>
<a href="/about.html">About</a>
</body></html>`)
	}))
	defer srv.Close()

	c := New(testConfig())
	defer c.Close()

	files, err := c.Discover(context.Background(), srv.URL+"/list/", acquire.DiscoverOptions{
		IgnoredHosts: []string{"twitter.com"},
	})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, srv.URL+"/docs/a.pdf", files[0].URL)
	assert.Equal(t, srv.URL+"/list/b.xlsx?rev=1", files[1].URL)
	assert.Equal(t, "b.xlsx", files[1].Filename)
}

func TestDiscoverRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `<a href="x.csv">x</a>`)
	}))
	defer srv.Close()

	c := New(testConfig())
	files, err := c.Discover(context.Background(), srv.URL, acquire.DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDiscoverPermanentAndChallengeErrors(t *testing.T) {
	t.Parallel()

	var notFoundCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		notFoundCalls.Add(1)
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/challenge", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<html><head><title>Just a moment...</title></head><body></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(testConfig())

	_, err := c.Discover(context.Background(), srv.URL+"/missing", acquire.DiscoverOptions{})
	var httpErr *acquire.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.Equal(t, int32(1), notFoundCalls.Load())
	assert.Equal(t, acquire.KindNetworkPermanent, acquire.Classify(err))

	_, err = c.Discover(context.Background(), srv.URL+"/challenge", acquire.DiscoverOptions{})
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Status)
}

func TestDiscoverCancelAbortsPageLoad(t *testing.T) {
	t.Parallel()

	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ReadTimeout = 30 * time.Second
	c := New(cfg)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Discover(ctx, srv.URL+"/listing/", acquire.DiscoverOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("listing request still open after cancellation")
	}
}

func TestFetchFullAndRange(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("0123456789"), 500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.pdf", time.Unix(0, 0), bytes.NewReader(content))
	}))
	defer srv.Close()

	c := New(testConfig())

	body, err := c.Fetch(context.Background(), srv.URL+"/f.pdf", 0)
	require.NoError(t, err)
	got, err := io.ReadAll(body.Reader)
	require.NoError(t, err)
	require.NoError(t, body.Reader.Close())
	assert.Equal(t, content, got)
	assert.Equal(t, int64(0), body.Offset)
	assert.Equal(t, int64(len(content)), body.Total)

	body, err = c.Fetch(context.Background(), srv.URL+"/f.pdf", 1200)
	require.NoError(t, err)
	got, err = io.ReadAll(body.Reader)
	require.NoError(t, err)
	require.NoError(t, body.Reader.Close())
	assert.Equal(t, int64(1200), body.Offset)
	assert.Equal(t, int64(len(content)), body.Total)
	assert.Equal(t, content[1200:], got)
}

func TestFetchServerIgnoresRange(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "entire body")
	}))
	defer srv.Close()

	c := New(testConfig())
	body, err := c.Fetch(context.Background(), srv.URL, 5)
	require.NoError(t, err)
	defer body.Reader.Close()
	assert.Equal(t, int64(0), body.Offset)
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/busy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/norange", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(testConfig())
	ctx := context.Background()

	_, err := c.Fetch(ctx, srv.URL+"/busy", 0)
	assert.True(t, acquire.Retryable(err))

	_, err = c.Fetch(ctx, srv.URL+"/gone", 0)
	assert.Equal(t, acquire.KindNetworkPermanent, acquire.Classify(err))

	_, err = c.Fetch(ctx, srv.URL+"/norange", 10)
	var resumeErr *acquire.ResumeUnsupportedError
	assert.ErrorAs(t, err, &resumeErr)

	_, err = c.Fetch(ctx, "http://exa mple.gov/x.pdf", 0)
	assert.Equal(t, acquire.KindNetworkPermanent, acquire.Classify(err))
}

func TestFetchIdleReadTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = io.WriteString(w, strings.Repeat("a", 10))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig()
	cfg.ReadTimeout = 100 * time.Millisecond
	c := New(cfg)

	body, err := c.Fetch(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	defer body.Reader.Close()
	_, err = io.ReadAll(body.Reader)
	var timeoutErr *acquire.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "read", timeoutErr.Phase)
}

func TestParseContentRange(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in           string
		start, total int64
		ok           bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-9/*", 0, -1, true},
		{"bytes */200", 0, 0, false},
		{"items 0-1/2", 0, 0, false},
		{"bytes 5-9", 0, 0, false},
	}
	for _, tc := range cases {
		start, total, ok := parseContentRange(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.start, start, tc.in)
			assert.Equal(t, tc.total, total, tc.in)
		}
	}
}

func TestNewAppliesPoolFloor(t *testing.T) {
	t.Parallel()

	c := New(Config{PoolSize: 4})
	assert.Equal(t, 20, c.transport.MaxConnsPerHost)
	assert.Equal(t, 20, c.transport.MaxIdleConnsPerHost)
}
