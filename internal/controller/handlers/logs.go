package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"coderunner/internal/logger"

	"go.uber.org/zap"
)

// GetLogs handles GET /jobs/{id}/logs
// It returns every line logged so far as plain text.
func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	lines, err := h.logs.Tail(r.Context(), rec.ID)
	if err != nil {
		h.internalError(w, r, "Failed to read logs", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, strings.Join(lines, ""))
}

// StreamLogs handles GET /jobs/{id}/logs/stream
// It replays the log as server-sent events and follows it until the job's
// log is sealed, then sends a final "end" event.
//
// Each event carries the line's 1-based position as its id, so a client can
// resume with Last-Event-ID or ?start_at=N.
func (h *Handlers) StreamLogs(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	startAt, err := streamStart(r)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	log := logger.FromContext(logger.WithJobID(ctx, rec.ID), h.logger)
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Warn("log stream cannot flush", zap.Error(err))
		return
	}

	seq := startAt
	for line, err := range h.logs.Stream(ctx, rec.ID, startAt) {
		if err != nil {
			if ctx.Err() == nil {
				log.Error("log stream failed", zap.Error(err))
			}
			return
		}
		seq++
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", seq, eventData(line)); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	io.WriteString(w, "event: end\ndata: complete\n\n")
	rc.Flush()
}

// streamStart reads the resume position from Last-Event-ID or ?start_at.
func streamStart(r *http.Request) (int, error) {
	raw := r.Header.Get("Last-Event-ID")
	name := "Last-Event-ID"
	if q := r.URL.Query().Get("start_at"); q != "" {
		raw, name = q, "start_at"
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return n, nil
}

// eventData strips the line terminator; a bare CR would split the SSE field.
func eventData(line string) string {
	line = strings.TrimRight(line, "\r\n")
	return strings.ReplaceAll(line, "\r", "")
}
