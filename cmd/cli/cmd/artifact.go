package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact [job_id] [name]",
	Short: "Download a file the job wrote to its output directory",
	Long: `Download one artifact of a finished job.

By default the file is saved under its own name in the current directory.
Use -o - to write it to stdout.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, name := args[0], args[1]
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = filepath.Base(name)
		}

		var w io.Writer = cmd.OutOrStdout()
		var f *os.File
		if output != "-" {
			var err error
			f, err = os.CreateTemp(filepath.Dir(output), ".runnerctl-*")
			if err != nil {
				return err
			}
			defer os.Remove(f.Name())
			defer f.Close()
			w = f
		}

		n, err := newClient().DownloadArtifact(cmd.Context(), jobID, name, w)
		if err != nil {
			return err
		}
		if f == nil {
			return nil
		}
		if err := f.Close(); err != nil {
			return err
		}
		if err := os.Rename(f.Name(), output); err != nil {
			return fmt.Errorf("failed to save %s: %w", output, err)
		}
		cmd.PrintErrf("Saved %s (%d bytes)\n", output, n)
		return nil
	},
}

func init() {
	artifactCmd.Flags().StringP("output", "o", "", "Destination file, - for stdout (default: the artifact name)")
	rootCmd.AddCommand(artifactCmd)
}
