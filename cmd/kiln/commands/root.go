// Package commands provides the CLI commands for kiln.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kiln-ai/kiln/internal/logging"
)

var (
	// Version information set at build time.
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "kiln - coding agent runtime",
	Long: `Kiln runs the coding agent session runtime as a headless server:
session turn loop, streaming state machine, permission arbiter and an
HTTP + SSE surface for clients.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Keys in a local .env are picked up before config loads.
		_ = godotenv.Load()

		logging.Setup(logging.Options{
			Level:  logLevel,
			Pretty: logPretty,
		})
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "Human-readable log output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("kiln %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// workDir returns the working directory from the flag or the process cwd.
func workDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
