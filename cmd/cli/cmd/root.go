package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runnerctl",
	Short: "runnerctl submits code to a coderunner server and follows its jobs",
	Long: `runnerctl is the command-line interface for coderunner.

coderunner accepts an entry file plus optional code and input files, runs the
entry under the requested resource limits and keeps the combined output and any
files written to $JOB_OUTPUT_DIR as the job's log and artifacts.

Common workflows:

  Submit a job and return immediately:
    runnerctl submit main.py helpers.py --input data.csv

  Submit and wait for the result:
    runnerctl submit main.py --wait

  Check a job:
    runnerctl status <job-id>

  Follow the log live:
    runnerctl logs <job-id> --follow

  Download an artifact:
    runnerctl artifact <job-id> result.json -o result.json

Configuration:
  Set the server endpoint via flag, environment or a config file:
    CODERUNNER_URL    Server URL (default: http://localhost:8765)`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".runnerctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".runnerctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "CODERUNNER_VARNAME"
	viper.SetEnvPrefix("CODERUNNER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runnerctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8765", "coderunner server URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}

// newClient builds a client for the configured server.
func newClient() *JobClient {
	return NewJobClient(viper.GetString("url"))
}
