// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the API server.
package api

import "time"

// Job statuses as they appear on the wire.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// IsTerminal reports whether status is final.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCanceled
}

// JobSpec is the "spec" form field of a job submission.
// Omitted fields take the server defaults.
type JobSpec struct {
	Entry       string            `json:"entry,omitempty"`
	Interpreter []string          `json:"interpreter,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	TimeoutSec  int               `json:"timeout_sec,omitempty"`
	CPULimit    float64           `json:"cpu_limit,omitempty"`
	MemLimitMB  int               `json:"mem_limit_mb,omitempty"`
	PidsLimit   int               `json:"pids_limit,omitempty"`
	NetPolicy   string            `json:"net_policy,omitempty"`
}

// JobView is the public view of a job record, without server paths.
type JobView struct {
	ID         string     `json:"id"`
	Spec       JobSpec    `json:"spec"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	ExitCode   *int       `json:"exit_code"`
	Error      *string    `json:"error"`
	Artifacts  []string   `json:"artifacts"`
}

// CreateJobResponse is the response body after submitting a job.
type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobStatusResponse is the response body for job status queries.
type JobStatusResponse struct {
	Job      JobView `json:"job"`
	LogLines int     `json:"log_lines"`
}

// JobSyncResponse is returned by the synchronous submit once the job is terminal.
type JobSyncResponse struct {
	Job       JobView  `json:"job"`
	Logs      string   `json:"logs"`
	Artifacts []string `json:"artifacts"`
}

// CancelJobResponse is the response body after canceling a job.
type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// HealthResponse reports the state of the server and its backends.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
