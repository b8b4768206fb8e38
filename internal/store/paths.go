package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// LogFileName is the name of the optional on-disk log mirror inside a job root.
const LogFileName = "logs.txt"

// PathsFor computes the directory layout of job id under dataDir without touching the disk.
func PathsFor(dataDir, id string) JobPaths {
	root := filepath.Join(dataDir, id)
	return JobPaths{
		Root:      root,
		Code:      filepath.Join(root, "code"),
		Input:     filepath.Join(root, "input"),
		Artifacts: filepath.Join(root, "artifacts"),
		LogFile:   filepath.Join(root, LogFileName),
	}
}

// NewJobPaths creates the per-job directory tree and returns its handles.
// The tree must not exist yet; directories are never reused across jobs.
func NewJobPaths(dataDir, id string) (JobPaths, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return JobPaths{}, fmt.Errorf("resolve data dir: %w", err)
	}
	p := PathsFor(abs, id)

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return JobPaths{}, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.Mkdir(p.Root, 0o755); err != nil {
		if os.IsExist(err) {
			return JobPaths{}, fmt.Errorf("job directory %s: %w", p.Root, ErrAlreadyExists)
		}
		return JobPaths{}, fmt.Errorf("create job directory: %w", err)
	}
	for _, dir := range []string{p.Code, p.Input, p.Artifacts} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return JobPaths{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return p, nil
}
