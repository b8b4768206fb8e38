package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var follow bool

var logsCmd = &cobra.Command{
	Use:   "logs [job_id]",
	Short: "Print or follow the log of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		client := newClient()

		if !follow {
			text, err := client.GetLogs(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			cmd.Print(text)
			return nil
		}

		// Trap Ctrl+C to stop following
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		seen := 0
		for {
			var err error
			seen, err = client.StreamLogs(ctx, jobID, seen, func(line string) {
				cmd.Println(line)
			})
			if err == nil || ctx.Err() != nil {
				return nil
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return err
			}
			cmd.PrintErrf("Log stream interrupted: %v, reconnecting\n", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second): // Retry backoff
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output until the job finished")
}
