package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"coderunner/pkg/api"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <code_file>...",
	Short: "Upload code and queue a job",
	Long: `Upload one or more code files and queue a job that runs the entry file.

The entry defaults to the first code file. Omitted limits take the server
defaults. With --wait the command blocks until the job finished and prints its
log and artifacts.

Example:
  runnerctl submit main.py util.py --input data.csv
  runnerctl submit main.py --arg --verbose --env MODE=fast --timeout 30 --wait
  runnerctl submit run.sh --interpreter sh --net outbound`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		entry, _ := flags.GetString("entry")
		inputs, _ := flags.GetStringSlice("input")
		interpreter, _ := flags.GetStringSlice("interpreter")
		jobArgs, _ := flags.GetStringArray("arg")
		envPairs, _ := flags.GetStringArray("env")
		timeout, _ := flags.GetInt("timeout")
		cpu, _ := flags.GetFloat64("cpu")
		mem, _ := flags.GetInt("mem")
		pids, _ := flags.GetInt("pids")
		netPolicy, _ := flags.GetString("net")
		wait, _ := flags.GetBool("wait")

		if entry == "" {
			entry = filepath.Base(args[0])
		}
		env, err := parseEnv(envPairs)
		if err != nil {
			return err
		}

		sub := Submission{
			Spec: api.JobSpec{
				Entry:       entry,
				Interpreter: interpreter,
				Args:        jobArgs,
				Env:         env,
				TimeoutSec:  timeout,
				CPULimit:    cpu,
				MemLimitMB:  mem,
				PidsLimit:   pids,
				NetPolicy:   netPolicy,
			},
			CodeFiles:  args,
			InputFiles: inputs,
		}

		client := newClient()

		if !wait {
			result, err := client.CreateJob(cmd.Context(), sub)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			cmd.Printf("✓ Job submitted!\nJob ID: %s\nStatus: %s\n", result.JobID, result.Status)
			return nil
		}

		result, err := client.CreateJobSync(cmd.Context(), sub)
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}
		printStatus(cmd, result.Job)
		cmd.Println()
		cmd.Print(result.Logs)
		if len(result.Artifacts) > 0 {
			cmd.Printf("\n%sArtifacts:%s %s\n", colorDim, colorReset, strings.Join(result.Artifacts, ", "))
		}
		if result.Job.Status != api.StatusSucceeded {
			return fmt.Errorf("job %s %s", result.Job.ID, result.Job.Status)
		}
		return nil
	},
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("entry", "e", "", "Entry file relative to the code directory (default: first code file)")
	flags.StringSliceP("input", "i", nil, "Input files, readable by the job under $JOB_INPUT_DIR")
	flags.StringSlice("interpreter", nil, "Command prefix for the entry, e.g. python3,-u")
	flags.StringArray("arg", nil, "Argument passed to the entry (repeatable)")
	flags.StringArray("env", nil, "Environment variable KEY=VALUE (repeatable)")
	flags.Int("timeout", 0, "Timeout in seconds (server default when 0)")
	flags.Float64("cpu", 0, "CPU limit in cores (server default when 0)")
	flags.Int("mem", 0, "Memory limit in MiB (server default when 0)")
	flags.Int("pids", 0, "Process limit (server default when 0)")
	flags.String("net", "", "Network policy: none or outbound (server default when empty)")
	flags.BoolP("wait", "w", false, "Wait for the job to finish and print its log")

	rootCmd.AddCommand(submitCmd)
}
