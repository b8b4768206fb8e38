package cmd

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().CancelJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		cmd.Printf("Cancel requested for %s (status: %s)\n", result.JobID, colorizeStatus(result.Status))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
