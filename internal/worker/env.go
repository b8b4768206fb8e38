package worker

import (
	"strings"

	"coderunner/internal/store"
)

// Variables every executed program can rely on to find its I/O locations.
const (
	EnvJobID     = "JOB_ID"
	EnvInputDir  = "JOB_INPUT_DIR"
	EnvOutputDir = "JOB_OUTPUT_DIR"
)

// buildEnv layers the child environment: ambient KEY=VALUE pairs, then the
// caller's variables, then the job contract variables unless the caller set them.
func buildEnv(ambient []string, id string, paths store.JobPaths, extra map[string]string) map[string]string {
	env := make(map[string]string, len(ambient)+len(extra)+3)
	for _, kv := range ambient {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	setDefault(env, EnvJobID, id)
	setDefault(env, EnvInputDir, paths.Input)
	setDefault(env, EnvOutputDir, paths.Artifacts)
	return env
}

// setDefault sets key unless the caller's own variables already did.
func setDefault(env map[string]string, key, value string) {
	if _, ok := env[key]; !ok {
		env[key] = value
	}
}

// buildCommand returns interpreter + entry + args. The spec's interpreter wins
// over the runner default; with neither, the entry file is executed directly.
func buildCommand(defaultInterpreter []string, spec store.JobSpec, entryPath string) []string {
	interpreter := spec.Interpreter
	if len(interpreter) == 0 {
		interpreter = defaultInterpreter
	}
	cmd := make([]string, 0, len(interpreter)+1+len(spec.Args))
	cmd = append(cmd, interpreter...)
	cmd = append(cmd, entryPath)
	return append(cmd, spec.Args...)
}
