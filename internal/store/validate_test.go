package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSpec_ValidateDefaults(t *testing.T) {
	assert.NoError(t, DefaultJobSpec().Validate())
}

func TestJobSpec_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*JobSpec)
		field  string
	}{
		{"zero timeout", func(s *JobSpec) { s.TimeoutSec = 0 }, "timeout_sec"},
		{"timeout too large", func(s *JobSpec) { s.TimeoutSec = 601 }, "timeout_sec"},
		{"zero cpu", func(s *JobSpec) { s.CPULimit = 0 }, "cpu_limit"},
		{"tiny memory", func(s *JobSpec) { s.MemLimitMB = 32 }, "mem_limit_mb"},
		{"zero pids", func(s *JobSpec) { s.PidsLimit = 0 }, "pids_limit"},
		{"bad net policy", func(s *JobSpec) { s.NetPolicy = "inbound" }, "net_policy"},
		{"empty entry", func(s *JobSpec) { s.Entry = "" }, "entry"},
		{"absolute entry", func(s *JobSpec) { s.Entry = "/bin/sh" }, "entry"},
		{"escaping entry", func(s *JobSpec) { s.Entry = "../main.py" }, "entry"},
		{"bad env key", func(s *JobSpec) { s.Env = map[string]string{"A=B": "x"} }, "env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := DefaultJobSpec()
			tt.mutate(&spec)

			err := spec.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSpec))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestJobSpec_ValidateCollectsAllFields(t *testing.T) {
	spec := DefaultJobSpec()
	spec.TimeoutSec = -1
	spec.MemLimitMB = 1

	var verr *ValidationError
	require.ErrorAs(t, spec.Validate(), &verr)
	assert.Len(t, verr.Fields, 2)
	assert.Contains(t, verr.Error(), "mem_limit_mb must be greater than 32")
	assert.Contains(t, verr.Error(), "timeout_sec must be greater than 0")
}
