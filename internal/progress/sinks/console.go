package sinks

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/progress"
)

// ConsoleSink renders progress for an operator. In interactive mode it keeps
// one status line updated in place; otherwise it prints one line per
// completed file or discovery pair.
type ConsoleSink struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	snap        Snapshot
	lastWidth   int
}

// NewConsoleSink writes to out.
func NewConsoleSink(out io.Writer, interactive bool) *ConsoleSink {
	return &ConsoleSink{out: out, interactive: interactive}
}

// Consume renders the batch.
func (s *ConsoleSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		apply(&s.snap, evt)
		if !s.interactive {
			if line := describe(evt); line != "" {
				if _, err := fmt.Fprintln(s.out, line); err != nil {
					return err
				}
			}
		}
	}
	if s.interactive {
		return s.redraw()
	}
	return nil
}

func (s *ConsoleSink) redraw() error {
	line := fmt.Sprintf("discovered %d files | ok %d  skip %d  fail %d  retry %d | active %d | %s",
		s.snap.FilesDiscovered, s.snap.Succeeded, s.snap.Skipped, s.snap.Failed, s.snap.Retries,
		s.snap.InFlight, humanBytes(s.snap.Bytes))
	pad := ""
	if n := s.lastWidth - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	s.lastWidth = len(line)
	_, err := fmt.Fprintf(s.out, "\r%s%s", line, pad)
	return err
}

func describe(evt progress.Event) string {
	switch evt.Stage {
	case progress.StageDiscoverDone:
		cached := ""
		if evt.Cached {
			cached = " (cached)"
		}
		return fmt.Sprintf("discovered %s FY%d: %d files%s", evt.Source, evt.Year, evt.Files, cached)
	case progress.StageDiscoverFailed:
		return fmt.Sprintf("discovery failed %s FY%d: %s", evt.Source, evt.Year, evt.Note)
	case progress.StageDownloadDone:
		return fmt.Sprintf("ok      %s (%s)", evt.URL, humanBytes(evt.Bytes))
	case progress.StageDownloadSkipped:
		return fmt.Sprintf("skip    %s [%s]", evt.URL, evt.Reason)
	case progress.StageDownloadRetry:
		return fmt.Sprintf("retry   %s attempt %d: %s", evt.URL, evt.Attempt, evt.Note)
	case progress.StageDownloadFailed:
		return fmt.Sprintf("FAILED  %s [%s]: %s", evt.URL, evt.Kind, evt.Note)
	}
	return ""
}

// Close ends the status line.
func (s *ConsoleSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interactive && s.lastWidth > 0 {
		_, err := fmt.Fprintln(s.out)
		return err
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
