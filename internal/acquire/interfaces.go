package acquire

import (
	"context"
	"io"
	"time"
)

// Body is a streaming response produced by Fetcher.Fetch.
//   - Offset is the byte position the stream starts at; it is zero when the
//     server ignored a range request.
//   - Total is the full resource size when known, otherwise -1.
type Body struct {
	Reader io.ReadCloser
	Offset int64
	Total  int64
}

// Fetcher is the capability set shared by the direct and browser clients.
type Fetcher interface {
	// Discover loads a listing page and returns every downloadable file it links.
	Discover(ctx context.Context, pageURL string, opts DiscoverOptions) ([]FileDescriptor, error)
	// Fetch opens the resource at url starting at byte offset resumeFrom.
	Fetch(ctx context.Context, url string, resumeFrom int64) (Body, error)
}

// DiscoverOptions constrains link extraction on a listing page.
type DiscoverOptions struct {
	Extensions   []string
	IgnoredHosts []string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes content digests by streaming the reader.
type Hasher interface {
	HashReader(r io.Reader) (string, error)
}

// BlobStore mirrors completed files to object storage and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes acquisition notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Acquired is the notification payload for downstream parsers. It carries
// only the fields a parser may depend on.
type Acquired struct {
	URL         string `json:"url"`
	LocalPath   string `json:"local_path"`
	SourceID    string `json:"source_id"`
	FiscalYear  int    `json:"fiscal_year"`
	ContentHash string `json:"content_hash"`
}
