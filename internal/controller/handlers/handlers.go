// Package handlers contains HTTP handlers for the job API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"coderunner/internal/logger"
	"coderunner/internal/store"
	"coderunner/pkg/api"

	"go.uber.org/zap"
)

// Canceler stops queued or running jobs.
type Canceler interface {
	Cancel(ctx context.Context, id string) error
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Jobs     store.JobStore
	Logs     store.LogStore
	Queue    store.Queue
	Canceler Canceler

	// Pingers are checked by the readiness probe, keyed by backend name.
	Pingers map[string]store.Pinger

	// DataDir is where per-job directory trees are created.
	DataDir string

	// MaxUploadBytes caps a whole multipart submission (default 64 MiB).
	MaxUploadBytes int64

	// SyncPollInterval is how often the synchronous submit re-reads the job (default 100ms).
	SyncPollInterval time.Duration

	// SyncGrace is added to the job timeout before a synchronous submit gives up (default 5s).
	SyncGrace time.Duration

	Logger *zap.Logger
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	jobs     store.JobStore
	logs     store.LogStore
	queue    store.Queue
	canceler Canceler
	pingers  map[string]store.Pinger

	dataDir          string
	maxUploadBytes   int64
	syncPollInterval time.Duration
	syncGrace        time.Duration
	logger           *zap.Logger
}

// New creates a new Handlers instance with the given dependencies.
func New(d Deps) *Handlers {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 64 << 20
	}
	if d.SyncPollInterval <= 0 {
		d.SyncPollInterval = 100 * time.Millisecond
	}
	if d.SyncGrace <= 0 {
		d.SyncGrace = 5 * time.Second
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Handlers{
		jobs:             d.Jobs,
		logs:             d.Logs,
		queue:            d.Queue,
		canceler:         d.Canceler,
		pingers:          d.Pingers,
		dataDir:          d.DataDir,
		maxUploadBytes:   d.MaxUploadBytes,
		syncPollInterval: d.SyncPollInterval,
		syncGrace:        d.SyncGrace,
		logger:           d.Logger,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// internalError logs err with the request's fields and hides it from the client.
func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	logger.FromContext(r.Context(), h.logger).Error(message, zap.Error(err))
	h.httpError(w, message, http.StatusInternalServerError)
}

// toView renders a record without its server-side paths.
func toView(rec *store.JobRecord) api.JobView {
	artifacts := rec.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	return api.JobView{
		ID: rec.ID,
		Spec: api.JobSpec{
			Entry:       rec.Spec.Entry,
			Interpreter: rec.Spec.Interpreter,
			Args:        rec.Spec.Args,
			Env:         rec.Spec.Env,
			TimeoutSec:  rec.Spec.TimeoutSec,
			CPULimit:    rec.Spec.CPULimit,
			MemLimitMB:  rec.Spec.MemLimitMB,
			PidsLimit:   rec.Spec.PidsLimit,
			NetPolicy:   string(rec.Spec.NetPolicy),
		},
		Status:     string(rec.Status),
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		ExitCode:   rec.ExitCode,
		Error:      rec.Error,
		Artifacts:  artifacts,
	}
}
