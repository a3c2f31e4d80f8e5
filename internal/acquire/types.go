package acquire

import (
	"time"
)

// OutcomeState is the terminal state of one download attempt sequence.
type OutcomeState string

// Outcome states.
const (
	StateSkipped   OutcomeState = "skipped"
	StateSucceeded OutcomeState = "succeeded"
	StateFailed    OutcomeState = "failed"
)

// Skip reasons attached to skipped outcomes.
const (
	SkipAlreadyExists = "already_exists"
	SkipSince         = "since"
	SkipCanceled      = "canceled"
)

// ManifestStatus values persisted with manifest entries.
const (
	ManifestStatusVerified = "verified"
)

// FileDescriptor is a candidate file produced by a discovery routine.
type FileDescriptor struct {
	URL             string `json:"url"`
	DisplayName     string `json:"display_name"`
	Filename        string `json:"filename"`
	Extension       string `json:"extension"`
	SourceID        string `json:"source_id"`
	SourceLabel     string `json:"source_label"`
	Category        string `json:"category"`
	FiscalYear      int    `json:"fiscal_year"`
	ExpectedSize    *int64 `json:"expected_size,omitempty"`
	RequiresBrowser bool   `json:"requires_browser"`
	// Dest overrides the computed destination path; set when a descriptor is
	// rebuilt from a failure record.
	Dest string `json:"-"`
}

// CanonicalKey returns the deduplication key for the descriptor.
func (d FileDescriptor) CanonicalKey() string {
	key, err := Canonicalize(d.URL)
	if err != nil {
		return d.URL
	}
	return key
}

// Outcome is the result of materializing one FileDescriptor.
type Outcome struct {
	Descriptor FileDescriptor
	State      OutcomeState
	Reason     string
	LocalPath  string
	Bytes      int64
	Attempts   int
	Kind       ErrorKind
	Err        error
}

// Skipped builds a skipped outcome.
func Skipped(desc FileDescriptor, reason, path string) Outcome {
	return Outcome{Descriptor: desc, State: StateSkipped, Reason: reason, LocalPath: path}
}

// Succeeded builds a succeeded outcome.
func Succeeded(desc FileDescriptor, path string, size int64, attempts int) Outcome {
	return Outcome{Descriptor: desc, State: StateSucceeded, LocalPath: path, Bytes: size, Attempts: attempts}
}

// Failed builds a failed outcome.
func Failed(desc FileDescriptor, path string, attempts int, err error) Outcome {
	return Outcome{
		Descriptor: desc,
		State:      StateFailed,
		LocalPath:  path,
		Attempts:   attempts,
		Kind:       Classify(err),
		Err:        err,
	}
}

// ManifestEntry is the durable record of one materialized file.
type ManifestEntry struct {
	URL         string    `json:"url"`
	Filename    string    `json:"filename"`
	SourceID    string    `json:"source_id"`
	FiscalYear  int       `json:"fiscal_year"`
	Extension   string    `json:"extension"`
	FileSize    int64     `json:"file_size"`
	ContentHash string    `json:"content_hash"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	LocalPath   string    `json:"local_path"`
}

// FailureRecord is the durable record of one failed file. It carries enough
// detail to retry the file without re-running discovery.
type FailureRecord struct {
	URL        string    `json:"url"`
	Dest       string    `json:"dest"`
	Filename   string    `json:"filename"`
	Error      string    `json:"error"`
	ErrorKind  ErrorKind `json:"error_kind"`
	Source     string    `json:"source"`
	Year       int       `json:"year"`
	UseBrowser bool      `json:"use_browser"`
	Timestamp  time.Time `json:"timestamp"`
}

// Descriptor rebuilds the FileDescriptor a failure record was created from.
func (r FailureRecord) Descriptor() FileDescriptor {
	ext := ExtensionOf(r.Filename)
	if ext == "" {
		ext = ExtensionOf(r.URL)
	}
	return FileDescriptor{
		URL:             r.URL,
		DisplayName:     r.Filename,
		Filename:        r.Filename,
		Extension:       ext,
		SourceID:        r.Source,
		Category:        CategoryFor(ext),
		FiscalYear:      r.Year,
		RequiresBrowser: r.UseBrowser,
		Dest:            r.Dest,
	}
}

// DiscoveryCacheEntry caches the result of one source/year discovery call.
type DiscoveryCacheEntry struct {
	SourceID     string           `json:"source_id"`
	FiscalYear   int              `json:"fiscal_year"`
	DiscoveredAt time.Time        `json:"discovered_at"`
	TTL          time.Duration    `json:"ttl"`
	Files        []FileDescriptor `json:"files"`
}

// Live reports whether the entry is still within its TTL at now.
func (e DiscoveryCacheEntry) Live(now time.Time) bool {
	if e.DiscoveredAt.IsZero() || e.TTL <= 0 {
		return false
	}
	return now.Before(e.DiscoveredAt.Add(e.TTL))
}
