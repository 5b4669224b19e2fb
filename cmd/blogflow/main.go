package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

func main() {
	root := &cobra.Command{
		Use:           "blogflow",
		Short:         "Blog automation job queue with retry control and health monitoring",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log output format (console, json)")

	root.AddCommand(serveCmd(), probeCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("blogflow failed")
		os.Exit(1)
	}
}

// setupLogging configures the global zerolog logger. Flags win over
// BLOGFLOW_LOG_LEVEL and BLOGFLOW_LOG_FORMAT.
func setupLogging(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if v := os.Getenv("BLOGFLOW_LOG_LEVEL"); v != "" && !flags.Changed("log-level") {
		logLevel = v
	}
	if v := os.Getenv("BLOGFLOW_LOG_FORMAT"); v != "" && !flags.Changed("log-format") {
		logFormat = v
	}

	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	switch logFormat {
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	case "json":
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid log format %q", logFormat)
	}
	return nil
}
