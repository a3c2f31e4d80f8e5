package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageRunStart        Stage = "RUN_START"
	StageRunDone         Stage = "RUN_DONE"
	StageDiscoverDone    Stage = "DISCOVER_DONE"
	StageDiscoverFailed  Stage = "DISCOVER_FAILED"
	StageDownloadStart   Stage = "DOWNLOAD_START"
	StageDownloadBytes   Stage = "DOWNLOAD_BYTES"
	StageDownloadRetry   Stage = "DOWNLOAD_RETRY"
	StageDownloadDone    Stage = "DOWNLOAD_DONE"
	StageDownloadSkipped Stage = "DOWNLOAD_SKIPPED"
	StageDownloadFailed  Stage = "DOWNLOAD_FAILED"
)

// Event captures a single step of a harvest run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Source and Year scope discovery and download events.
	Source string
	Year   int
	URL    string
	// Bytes is the streamed delta for DOWNLOAD_BYTES and the file size for
	// DOWNLOAD_DONE.
	Bytes int64
	// Total is the expected file size, or -1 when unknown.
	Total int64
	// Files counts discovered candidates on DISCOVER_DONE.
	Files   int
	Cached  bool
	Attempt int
	// Kind is the failure taxonomy label on failures and retries.
	Kind string
	// Reason is the skip reason on DOWNLOAD_SKIPPED.
	Reason string
	Dur    time.Duration
	Note   string
	// Run totals, set on RUN_DONE.
	Succeeded int
	Skipped   int
	Failed    int
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageDiscoverDone, StageDiscoverFailed:
		if e.Source == "" || e.Year == 0 {
			return errors.New("discovery events require source and year")
		}
	case StageDownloadStart, StageDownloadBytes, StageDownloadRetry,
		StageDownloadDone, StageDownloadSkipped, StageDownloadFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
