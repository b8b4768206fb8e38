package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("CODERUNNER")
	viper.AutomaticEnv()
}

// resetFlags restores every flag to its default; cobra keeps values between Execute calls.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCLI executes the root command against the server at url.
func runCLI(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	resetViper()
	resetFlags(rootCmd)
	viper.Set("url", url)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return stdout.String(), err
}
