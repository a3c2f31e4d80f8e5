package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/progress"
)

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	RunID           string `json:"run_id,omitempty"`
	PairsDiscovered int    `json:"pairs_discovered"`
	PairsFailed     int    `json:"pairs_failed"`
	FilesDiscovered int    `json:"files_discovered"`
	InFlight        int    `json:"in_flight"`
	Succeeded       int    `json:"succeeded"`
	Skipped         int    `json:"skipped"`
	Failed          int    `json:"failed"`
	Retries         int    `json:"retries"`
	Bytes           int64  `json:"bytes"`
	Done            bool   `json:"done"`
}

// CounterSink keeps running totals for status endpoints and the console.
type CounterSink struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewCounterSink returns an empty counter.
func NewCounterSink() *CounterSink {
	return &CounterSink{}
}

// Consume folds the batch into the totals.
func (s *CounterSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		apply(&s.snap, evt)
	}
	return nil
}

func apply(snap *Snapshot, evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		*snap = Snapshot{RunID: evt.RunUUID().String()}
	case progress.StageRunDone:
		snap.Done = true
	case progress.StageDiscoverDone:
		snap.PairsDiscovered++
		snap.FilesDiscovered += evt.Files
	case progress.StageDiscoverFailed:
		snap.PairsFailed++
	case progress.StageDownloadStart:
		snap.InFlight++
	case progress.StageDownloadBytes:
		snap.Bytes += evt.Bytes
	case progress.StageDownloadRetry:
		snap.Retries++
	case progress.StageDownloadDone:
		snap.Succeeded++
		snap.InFlight = max(0, snap.InFlight-1)
	case progress.StageDownloadFailed:
		snap.Failed++
		snap.InFlight = max(0, snap.InFlight-1)
	case progress.StageDownloadSkipped:
		snap.Skipped++
	}
}

// Snapshot returns a copy of the current totals.
func (s *CounterSink) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Close implements the Sink interface; it performs no action.
func (s *CounterSink) Close(context.Context) error {
	return nil
}
