package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"coderunner/pkg/api"
)

func TestLogsCommand_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/job-123/logs" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("[runner] starting job job-123\nhello\n"))
	}))
	defer server.Close()

	output, err := runCLI(t, server.URL, "logs", "job-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output != "[runner] starting job job-123\nhello\n" {
		t.Errorf("unexpected output %q", output)
	}
}

func TestLogsCommand_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "job not found", Code: "404"})
	}))
	defer server.Close()

	_, err := runCLI(t, server.URL, "logs", "nope")
	if err == nil || !strings.Contains(err.Error(), "job not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestLogsCommand_RequiresJobIDArgument(t *testing.T) {
	_, err := runCLI(t, "http://127.0.0.1:1", "logs")
	if err == nil {
		t.Error("expected error when job_id argument is missing")
	}
}

func TestLogsCommand_Follow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/job-1/logs/stream" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\ndata: first\n\nid: 2\ndata: second\n\nevent: end\ndata: complete\n\n")
	}))
	defer server.Close()

	output, err := runCLI(t, server.URL, "logs", "job-1", "--follow")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output != "first\nsecond\n" {
		t.Errorf("unexpected output %q", output)
	}
}

func TestLogsCommand_FollowResumesAfterDisconnect(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if calls.Add(1) == 1 {
			// Drop the connection after one line.
			fmt.Fprint(w, "id: 1\ndata: first\n\n")
			return
		}
		if got := r.URL.Query().Get("start_at"); got != "1" {
			t.Errorf("expected resume from 1, got %q", got)
		}
		fmt.Fprint(w, "id: 2\ndata: second\n\nevent: end\ndata: complete\n\n")
	}))
	defer server.Close()

	output, err := runCLI(t, server.URL, "logs", "job-1", "-f")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "first\n") || !strings.Contains(output, "second\n") {
		t.Errorf("unexpected output %q", output)
	}
	if !strings.Contains(output, "reconnecting") {
		t.Errorf("expected a reconnect notice, got %q", output)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 stream requests, got %d", calls.Load())
	}
}

func TestLogsCommand_HasFollowFlag(t *testing.T) {
	flag := logsCmd.Flags().Lookup("follow")
	if flag == nil {
		t.Fatal("expected --follow flag")
	}
	if flag.Shorthand != "f" {
		t.Errorf("expected shorthand f, got %q", flag.Shorthand)
	}
}

func TestStreamLogs_ParsesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start_at") != "3" {
			t.Errorf("unexpected start_at %q", r.URL.Query().Get("start_at"))
		}
		fmt.Fprint(w, "id: 4\ndata: \n\nid: 5\ndata: x: y\n\nevent: end\ndata: complete\n\n")
	}))
	defer server.Close()

	var lines []string
	seen, err := NewJobClient(server.URL).StreamLogs(context.Background(), "j", 3, func(l string) {
		lines = append(lines, l)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != 5 {
		t.Errorf("expected 5 lines seen, got %d", seen)
	}
	if len(lines) != 2 || lines[0] != "" || lines[1] != "x: y" {
		t.Errorf("unexpected lines %q", lines)
	}
}

func TestStreamLogs_EndedEarly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "id: 1\ndata: a\n\n")
	}))
	defer server.Close()

	seen, err := NewJobClient(server.URL).StreamLogs(context.Background(), "j", 0, func(string) {})
	if err != errStreamEnded {
		t.Errorf("expected errStreamEnded, got %v", err)
	}
	if seen != 1 {
		t.Errorf("expected 1 line seen, got %d", seen)
	}
}
