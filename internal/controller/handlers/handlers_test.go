package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coderunner/internal/store"
	"coderunner/internal/store/memory"
)

// testEnv wires the handlers to in-memory backends.
type testEnv struct {
	h       *Handlers
	jobs    *memory.JobStore
	logs    *memory.LogStore
	queue   *memory.Queue
	dataDir string
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		jobs:    memory.NewJobStore(),
		logs:    memory.NewLogStore(),
		queue:   memory.NewQueue(16),
		dataDir: t.TempDir(),
	}
	d := Deps{
		Jobs:             env.jobs,
		Logs:             env.logs,
		Queue:            env.queue,
		DataDir:          env.dataDir,
		SyncPollInterval: 10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&d)
	}
	env.h = New(d)
	return env
}

// seed creates a queued job directly in the stores.
func (e *testEnv) seed(t *testing.T, id string, lines ...string) *store.JobRecord {
	t.Helper()
	ctx := context.Background()
	paths, err := store.NewJobPaths(e.dataDir, id)
	if err != nil {
		t.Fatalf("create paths: %v", err)
	}
	if err := e.logs.Register(ctx, id); err != nil {
		t.Fatalf("register log: %v", err)
	}
	rec, err := e.jobs.Create(ctx, id, store.DefaultJobSpec(), paths)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	for _, l := range lines {
		if err := e.logs.Append(ctx, id, l); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return rec
}

// finish drives a job through running into the given outcome and seals its log.
func (e *testEnv) finish(t *testing.T, id string, out store.Outcome, lines ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.jobs.MarkRunning(ctx, id); err != nil {
		t.Errorf("mark running: %v", err)
		return
	}
	for _, l := range lines {
		e.logs.Append(ctx, id, l)
	}
	if _, err := e.jobs.MarkFinished(ctx, id, out); err != nil {
		t.Errorf("mark finished: %v", err)
	}
	e.logs.MarkComplete(ctx, id)
}

// file is one multipart upload.
type file struct {
	field, name, content string
}

// multipartRequest builds a job submission. An empty spec omits the field.
func multipartRequest(t *testing.T, target, spec string, files ...file) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if spec != "" {
		if err := mw.WriteField("spec", spec); err != nil {
			t.Fatalf("write spec: %v", err)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write([]byte(f.content))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// withID mimics the router filling in path values.
func withID(req *http.Request, id string) *http.Request {
	req.SetPathValue("id", id)
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}
