package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/progress"
)

// bytesEventInterval bounds how often DOWNLOAD_BYTES events are emitted for
// one file.
const bytesEventInterval = 250 * time.Millisecond

// chunkSize picks the copy buffer from the expected size.
func chunkSize(total int64) int {
	switch {
	case total > 0 && total < 1<<20:
		return 32 << 10
	case total > 0 && total < 64<<20:
		return 256 << 10
	default:
		return 1 << 20
	}
}

// attempt performs one fetch into <dest>.part, resuming from whatever the part
// file already holds, then verifies and promotes it. It returns the final
// size.
func (s *Scheduler) attempt(ctx context.Context, desc acquire.FileDescriptor, dest string, fetcher acquire.Fetcher) (int64, error) {
	fsys := s.deps.FS
	part := dest + PartSuffix
	if err := fsys.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, &acquire.NetworkError{URL: desc.URL, Permanent: true, Err: fmt.Errorf("create directory: %w", err)}
	}

	var offset int64
	if info, err := fsys.Stat(part); err == nil && !info.IsDir() {
		offset = info.Size()
	}

	body, err := fetcher.Fetch(ctx, desc.URL, offset)
	var resumeErr *acquire.ResumeUnsupportedError
	if errors.As(err, &resumeErr) && offset > 0 {
		s.logger.Info("resume refused; restarting from zero", zap.String("url", desc.URL), zap.Int64("offset", offset))
		offset = 0
		body, err = fetcher.Fetch(ctx, desc.URL, 0)
	}
	if err != nil {
		return 0, err
	}
	defer body.Reader.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if body.Offset != offset || offset == 0 {
		// The server sent the whole resource; start the part file over.
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		offset = body.Offset
	}
	f, err := fsys.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, &acquire.NetworkError{URL: desc.URL, Permanent: true, Err: fmt.Errorf("open part file: %w", err)}
	}

	written, copyErr := s.copy(ctx, f, body, desc)
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = &acquire.NetworkError{URL: desc.URL, Err: fmt.Errorf("close part file: %w", err)}
	}
	if copyErr != nil {
		return 0, copyErr
	}

	size := offset + written
	if body.Total > 0 && size < body.Total {
		return 0, &acquire.NetworkError{
			URL: desc.URL,
			Err: fmt.Errorf("received %d of %d bytes: %w", size, body.Total, io.ErrUnexpectedEOF),
		}
	}

	if err := s.deps.Verifier.Verify(part, desc.Extension); err != nil {
		_ = fsys.Remove(part)
		var integrityErr *acquire.IntegrityError
		if errors.As(err, &integrityErr) {
			integrityErr.Path = dest
			return 0, integrityErr
		}
		return 0, &acquire.NetworkError{URL: desc.URL, Err: err}
	}
	if s.cfg.Overwrite {
		_ = fsys.Remove(dest)
	}
	if err := fsys.Rename(part, dest); err != nil {
		return 0, &acquire.NetworkError{URL: desc.URL, Permanent: true, Err: fmt.Errorf("promote part file: %w", err)}
	}
	return size, nil
}

// copy streams body into w, emitting coalesced byte-progress deltas. Reads
// that fail for reasons other than cancellation become transient network
// errors so the partial file is resumed on the next attempt.
func (s *Scheduler) copy(ctx context.Context, w io.Writer, body acquire.Body, desc acquire.FileDescriptor) (int64, error) {
	buf := make([]byte, chunkSize(body.Total))
	var written, pending int64
	last := time.Now()
	flush := func() {
		if pending == 0 {
			return
		}
		s.report(progress.Event{
			Stage: progress.StageDownloadBytes, Source: desc.SourceID, Year: desc.FiscalYear, URL: desc.URL,
			Bytes: pending, Total: body.Total,
		})
		pending = 0
		last = time.Now()
	}
	defer flush()
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := body.Reader.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, &acquire.NetworkError{URL: desc.URL, Permanent: true, Err: fmt.Errorf("write part file: %w", err)}
			}
			written += int64(n)
			pending += int64(n)
			if time.Since(last) >= bytesEventInterval {
				flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			var timeoutErr *acquire.TimeoutError
			if errors.As(readErr, &timeoutErr) {
				return written, readErr
			}
			return written, &acquire.NetworkError{URL: desc.URL, Err: readErr}
		}
	}
}

// afterSuccess fans a verified file out to the optional mirror, notifier and
// extractor. Their failures are logged and never change the outcome.
func (s *Scheduler) afterSuccess(ctx context.Context, desc acquire.FileDescriptor, dest string, entry acquire.ManifestEntry, log *zap.Logger) {
	if s.deps.Mirror != nil {
		if uri, err := s.mirror(ctx, desc, dest); err != nil {
			log.Warn("mirror upload failed", zap.Error(err))
		} else {
			log.Debug("mirrored", zap.String("uri", uri))
		}
	}
	if s.deps.Publisher != nil {
		msg := acquire.Acquired{
			URL:         desc.URL,
			LocalPath:   dest,
			SourceID:    desc.SourceID,
			FiscalYear:  desc.FiscalYear,
			ContentHash: entry.ContentHash,
		}
		if id, err := s.deps.Publisher.Publish(ctx, s.cfg.NotifyTopic, msg); err != nil {
			log.Warn("notify failed", zap.Error(err))
		} else {
			log.Debug("notified", zap.String("message_id", id))
		}
	}
	if s.deps.Extractor != nil && strings.EqualFold(desc.Extension, "zip") {
		if !s.deps.Extractor.Enqueue(dest) {
			log.Warn("extraction queue full; archive left packed", zap.String("path", dest))
		}
	}
}

func (s *Scheduler) mirror(ctx context.Context, desc acquire.FileDescriptor, dest string) (string, error) {
	f, err := s.deps.FS.Open(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()
	contentType := mime.TypeByExtension("." + desc.Extension)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := path.Join(fmt.Sprint(desc.FiscalYear), desc.SourceID, filepath.Base(dest))
	return s.deps.Mirror.PutObject(ctx, key, contentType, f)
}
