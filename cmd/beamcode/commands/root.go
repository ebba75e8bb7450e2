// Package commands provides the CLI commands for the beamcode broker.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/beamcode/beamcode/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs   bool
	logLevel    string
	logFilePath string
)

var rootCmd = &cobra.Command{
	Use:   "beamcode",
	Short: "beamcode - multi-backend agent session broker",
	Long: `beamcode sits between WebSocket consumers and coding-assistant
backends (claude, codex, gemini, ACP subprocesses, remote peers). It
supervises backend processes, translates protocols, fans traffic out to
consumers, and persists sessions across restarts.

Run 'beamcode serve' to start the broker.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A .env in the working directory is a convenience for development.
		godotenv.Load()

		// Flags win over the BEAMCODE_LOG_* environment.
		level := logLevel
		if level == "" {
			level = os.Getenv("BEAMCODE_LOG_LEVEL")
		}
		file := logFilePath
		if file == "" {
			file = os.Getenv("BEAMCODE_LOG_FILE")
		}

		logging.Init(logging.Config{
			Level:    logging.ParseLevel(level),
			Output:   os.Stderr,
			Pretty:   printLogs,
			FilePath: file,
		})

		if file != "" {
			logging.Info().
				Str("version", Version).
				Str("logFile", logging.FilePath()).
				Msg("beamcode started with file logging")
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print pretty logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFilePath, "log-file", "", "Also mirror logs to this file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
