// Package store contains the job data model and the persistence contracts for coderunner.
package store

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// NetPolicy controls the network reachability of a running job.
type NetPolicy string

const (
	NetPolicyNone     NetPolicy = "none"
	NetPolicyOutbound NetPolicy = "outbound"
)

// JobSpec is the caller-supplied description of what to run and under which limits.
// It is immutable once the job is created.
type JobSpec struct {
	Entry       string            `json:"entry" validate:"required,max=255"`
	Interpreter []string          `json:"interpreter,omitempty"` // Optional command prefix, e.g. ["python3", "-u"]
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	TimeoutSec  int               `json:"timeout_sec" validate:"gt=0,lte=600"`
	CPULimit    float64           `json:"cpu_limit" validate:"gt=0,lte=64"`
	MemLimitMB  int               `json:"mem_limit_mb" validate:"gt=32"`
	PidsLimit   int               `json:"pids_limit" validate:"gt=0"`
	NetPolicy   NetPolicy         `json:"net_policy" validate:"oneof=none outbound"`
}

// DefaultJobSpec returns a spec with every limit set to its default.
// Callers decode their JSON on top of it so omitted fields keep the defaults.
func DefaultJobSpec() JobSpec {
	return JobSpec{
		Entry:      "main.py",
		Args:       []string{},
		Env:        map[string]string{},
		TimeoutSec: 60,
		CPULimit:   1.0,
		MemLimitMB: 512,
		PidsLimit:  128,
		NetPolicy:  NetPolicyNone,
	}
}

// Timeout returns the wall-clock budget of the job.
func (s JobSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// JobPaths holds the on-disk locations owned by a single job.
type JobPaths struct {
	Root      string `json:"root"`
	Code      string `json:"code"`
	Input     string `json:"input"`
	Artifacts string `json:"artifacts"`
	LogFile   string `json:"log_file,omitempty"`
}

// JobRecord is the mutable state of a job, owned by a JobStore.
type JobRecord struct {
	ID         string     `json:"id"`
	Spec       JobSpec    `json:"spec"`
	Status     JobStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	ExitCode   *int       `json:"exit_code"`
	Error      *string    `json:"error"`
	Artifacts  []string   `json:"artifacts"`
	Paths      JobPaths   `json:"paths"`
}

// NewJobRecord builds the initial queued record for a freshly created job.
func NewJobRecord(id string, spec JobSpec, paths JobPaths, now time.Time) *JobRecord {
	return &JobRecord{
		ID:        id,
		Spec:      spec,
		Status:    StatusQueued,
		CreatedAt: now.UTC(),
		Artifacts: []string{},
		Paths:     paths,
	}
}

// Clone returns a deep copy of r so callers never alias store-owned state.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Spec.Interpreter = cloneSlice(r.Spec.Interpreter)
	c.Spec.Args = cloneSlice(r.Spec.Args)
	if r.Spec.Env != nil {
		c.Spec.Env = make(map[string]string, len(r.Spec.Env))
		for k, v := range r.Spec.Env {
			c.Spec.Env[k] = v
		}
	}
	c.Artifacts = cloneSlice(r.Artifacts)
	if c.Artifacts == nil {
		c.Artifacts = []string{}
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		c.ExitCode = &v
	}
	if r.Error != nil {
		v := *r.Error
		c.Error = &v
	}
	return &c
}

func cloneSlice(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// Outcome describes the terminal state written by MarkFinished.
type Outcome struct {
	Status   JobStatus
	ExitCode *int
	Error    *string
	// Artifacts replaces the record's artifact list; nil leaves it unchanged.
	Artifacts []string
}

// IntPtr and StringPtr help build Outcome values.
func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }
