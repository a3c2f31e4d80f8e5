package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

const (
	defaultFailureLimit = 100
	maxFailureLimit     = 1000
	listTimeout         = 3 * time.Second
)

type failureDTO struct {
	URL       string            `json:"url"`
	Dest      string            `json:"dest"`
	Error     string            `json:"error"`
	ErrorKind acquire.ErrorKind `json:"error_kind"`
	Source    string            `json:"source"`
	Year      int               `json:"year"`
	Timestamp time.Time         `json:"timestamp"`
}

// getProgress handles GET /v1/progress.
func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	if s.progress == nil {
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.progress.Snapshot())
}

// listFailures handles GET /v1/failures?limit=&offset=. It returns
// {"failures": [...], "total": n}, 400 for invalid paging, 503 without a
// ledger, or 500 when the ledger read fails.
func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	if s.failures == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultFailureLimit, maxFailureLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), listTimeout)
	defer cancel()

	records, err := s.failures.ListFailures(ctx)
	if err != nil {
		s.logger.Error("list failures failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	total := len(records)
	start := min(offset, total)
	end := min(start+limit, total)
	out := make([]failureDTO, 0, end-start)
	for _, rec := range records[start:end] {
		out = append(out, failureDTO{
			URL:       rec.URL,
			Dest:      rec.Dest,
			Error:     rec.Error,
			ErrorKind: rec.ErrorKind,
			Source:    rec.Source,
			Year:      rec.Year,
			Timestamp: rec.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": out, "total": total})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
