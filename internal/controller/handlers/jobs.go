package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coderunner/internal/logger"
	"coderunner/internal/store"
	"coderunner/pkg/api"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// submission is a parsed job upload.
type submission struct {
	spec  store.JobSpec
	code  []*multipart.FileHeader
	input []*multipart.FileHeader
}

// decodeSpec applies the submitted JSON on top of the defaults and validates it.
// It returns the HTTP status to use on failure.
func decodeSpec(raw string) (store.JobSpec, int, error) {
	spec := store.DefaultJobSpec()
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return spec, http.StatusUnprocessableEntity, fmt.Errorf("spec field %s has the wrong type", typeErr.Field)
		}
		return spec, http.StatusBadRequest, fmt.Errorf("spec is not valid JSON: %w", err)
	}
	if spec.Args == nil {
		spec.Args = []string{}
	}
	if spec.Env == nil {
		spec.Env = map[string]string{}
	}
	if err := spec.Validate(); err != nil {
		return spec, http.StatusUnprocessableEntity, err
	}
	return spec, http.StatusOK, nil
}

// parseSubmission reads the multipart form: a "spec" JSON field plus
// optional "code_files" and "input_files".
func (h *Handlers) parseSubmission(w http.ResponseWriter, r *http.Request) (*submission, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.httpError(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		h.httpError(w, "Invalid multipart form", http.StatusBadRequest)
		return nil, false
	}

	raw := r.FormValue("spec")
	if raw == "" {
		h.httpError(w, "spec is required", http.StatusUnprocessableEntity)
		return nil, false
	}
	spec, status, err := decodeSpec(raw)
	if err != nil {
		resp := api.ErrorResponse{Error: err.Error(), Code: fmt.Sprint(status)}
		var verr *store.ValidationError
		if errors.As(err, &verr) {
			resp.Fields = verr.Fields
		}
		h.respondJson(w, status, resp)
		return nil, false
	}

	return &submission{
		spec:  spec,
		code:  r.MultipartForm.File["code_files"],
		input: r.MultipartForm.File["input_files"],
	}, true
}

// submit creates the job tree, registers its log, stores the record and enqueues it.
func (h *Handlers) submit(ctx context.Context, sub *submission) (*store.JobRecord, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")

	paths, err := store.NewJobPaths(h.dataDir, id)
	if err != nil {
		return nil, err
	}
	if err := h.logs.Register(ctx, id); err != nil {
		return nil, fmt.Errorf("register log: %w", err)
	}
	if err := saveFiles(paths.Code, sub.code); err != nil {
		return nil, err
	}
	if err := saveFiles(paths.Input, sub.input); err != nil {
		return nil, err
	}

	rec, err := h.jobs.Create(ctx, id, sub.spec, paths)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := h.queue.Enqueue(ctx, id); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	logger.FromContext(logger.WithJobID(ctx, id), h.logger).Info("job submitted",
		zap.String("entry", sub.spec.Entry),
		zap.Int("code_files", len(sub.code)),
		zap.Int("input_files", len(sub.input)),
	)
	return rec, nil
}

// saveFiles writes uploads into dir under their base names only.
func saveFiles(dir string, files []*multipart.FileHeader) error {
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		if name == "." || name == ".." || name == string(filepath.Separator) {
			continue
		}
		if err := saveFile(filepath.Join(dir, name), fh); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	return nil
}

func saveFile(dest string, fh *multipart.FileHeader) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// CreateJob handles POST /jobs.
// It stores the uploaded files, creates a queued job and returns its id.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.parseSubmission(w, r)
	if !ok {
		return
	}

	rec, err := h.submit(r.Context(), sub)
	if err != nil {
		h.internalError(w, r, "Failed to create job", err)
		return
	}

	h.respondJson(w, http.StatusOK, api.CreateJobResponse{
		JobID:  rec.ID,
		Status: string(rec.Status),
	})
}

// CreateJobSync handles POST /jobs/sync.
// It submits like CreateJob, then waits until the job is terminal or
// the job timeout plus a grace period elapsed.
func (h *Handlers) CreateJobSync(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.parseSubmission(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	rec, err := h.submit(ctx, sub)
	if err != nil {
		h.internalError(w, r, "Failed to create job", err)
		return
	}

	rec, err = h.waitTerminal(ctx, rec.ID, sub.spec.Timeout()+h.syncGrace)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		h.httpError(w, "job did not finish before timeout", http.StatusGatewayTimeout)
		return
	case errors.Is(err, store.ErrNotFound):
		h.httpError(w, "job not found", http.StatusNotFound)
		return
	case errors.Is(err, context.Canceled):
		// Client went away.
		return
	case err != nil:
		h.internalError(w, r, "Failed to read job", err)
		return
	}

	lines, err := h.logs.Tail(ctx, rec.ID)
	if err != nil {
		h.internalError(w, r, "Failed to read logs", err)
		return
	}

	view := toView(rec)
	h.respondJson(w, http.StatusOK, api.JobSyncResponse{
		Job:       view,
		Logs:      strings.Join(lines, ""),
		Artifacts: view.Artifacts,
	})
}

// waitTerminal polls the store until the job is terminal. It returns
// context.DeadlineExceeded once wait elapsed.
func (h *Handlers) waitTerminal(ctx context.Context, id string, wait time.Duration) (*store.JobRecord, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(h.syncPollInterval)
	defer ticker.Stop()

	for {
		rec, err := h.jobs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, context.DeadlineExceeded
		case <-ticker.C:
		}
	}
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	lines, err := h.logs.Tail(r.Context(), rec.ID)
	if err != nil {
		h.internalError(w, r, "Failed to read logs", err)
		return
	}

	h.respondJson(w, http.StatusOK, api.JobStatusResponse{
		Job:      toView(rec),
		LogLines: len(lines),
	})
}

// CancelJob handles POST /jobs/{id}/cancel.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if h.canceler == nil {
		h.httpError(w, "Cancellation is not supported", http.StatusNotImplemented)
		return
	}

	err := h.canceler.Cancel(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.httpError(w, "job not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrTerminal):
		h.httpError(w, "job already finished", http.StatusConflict)
		return
	case errors.Is(err, store.ErrNotCancelable):
		h.httpError(w, "job is running on another worker", http.StatusConflict)
		return
	case err != nil:
		h.internalError(w, r, "Failed to cancel job", err)
		return
	}

	rec, err := h.jobs.Get(ctx, id)
	if err != nil {
		h.internalError(w, r, "Failed to read job", err)
		return
	}
	h.respondJson(w, http.StatusAccepted, api.CancelJobResponse{
		JobID:  id,
		Status: string(rec.Status),
	})
}

// loadJob fetches the job named by the {id} path value, writing 404 if it does not exist.
func (h *Handlers) loadJob(w http.ResponseWriter, r *http.Request) (*store.JobRecord, bool) {
	rec, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "job not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.internalError(w, r, "Failed to read job", err)
		return nil, false
	}
	return rec, true
}
