package handlers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coderunner/internal/store"
)

func TestGetLogs(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "job1", "[runner] starting job job1\n", "hello\n")

	rr := httptest.NewRecorder()
	env.h.GetLogs(rr, withID(httptest.NewRequest(http.MethodGet, "/jobs/job1/logs", nil), "job1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %s", ct)
	}
	if got := rr.Body.String(); got != "[runner] starting job job1\nhello\n" {
		t.Errorf("unexpected body %q", got)
	}
}

func TestGetLogs_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.h.GetLogs(rr, withID(httptest.NewRequest(http.MethodGet, "/jobs/nope/logs", nil), "nope"))

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestStreamLogs_SealedLog(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		lastID   string
		expected string
	}{
		{
			name:     "Full Replay",
			expected: "id: 1\ndata: a\n\nid: 2\ndata: b\n\nid: 3\ndata: c\n\nevent: end\ndata: complete\n\n",
		},
		{
			name:     "Start At",
			query:    "?start_at=2",
			expected: "id: 3\ndata: c\n\nevent: end\ndata: complete\n\n",
		},
		{
			name:     "Last Event ID",
			lastID:   "1",
			expected: "id: 2\ndata: b\n\nid: 3\ndata: c\n\nevent: end\ndata: complete\n\n",
		},
		{
			name:     "Past The End",
			query:    "?start_at=10",
			expected: "event: end\ndata: complete\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seed(t, "job1")
			env.finish(t, "job1", store.Outcome{Status: store.StatusSucceeded, ExitCode: store.IntPtr(0)}, "a\n", "b\n", "c\n")

			req := withID(httptest.NewRequest(http.MethodGet, "/jobs/job1/logs/stream"+tt.query, nil), "job1")
			if tt.lastID != "" {
				req.Header.Set("Last-Event-ID", tt.lastID)
			}
			rr := httptest.NewRecorder()
			env.h.StreamLogs(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
				t.Errorf("expected text/event-stream, got %s", ct)
			}
			if got := rr.Body.String(); got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStreamLogs_InvalidStart(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "job1")

	rr := httptest.NewRecorder()
	env.h.StreamLogs(rr, withID(httptest.NewRequest(http.MethodGet, "/jobs/job1/logs/stream?start_at=-1", nil), "job1"))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestStreamLogs_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.h.StreamLogs(rr, withID(httptest.NewRequest(http.MethodGet, "/jobs/nope/logs/stream", nil), "nope"))

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestStreamLogs_FollowsLiveLog(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "job1", "first\n")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}/logs/stream", env.h.StreamLogs)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/jobs/job1/logs/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var sb strings.Builder
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			if line == "\n" {
				return sb.String()
			}
			sb.WriteString(line)
		}
	}

	if got := readEvent(); got != "id: 1\ndata: first\n" {
		t.Errorf("unexpected first event %q", got)
	}

	env.logs.Append(ctx, "job1", "second\r\n")
	if got := readEvent(); got != "id: 2\ndata: second\n" {
		t.Errorf("unexpected live event %q", got)
	}

	env.logs.MarkComplete(ctx, "job1")
	if got := readEvent(); got != "event: end\ndata: complete\n" {
		t.Errorf("unexpected end event %q", got)
	}
}
