package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"konnect/apps/api/config"
	"konnect/libs/go/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	// Initialize Sentry first (if DSN is configured)
	sentryCleanup, err := logging.InitSentry(logging.SentryConfig{
		DSN:              os.Getenv("SENTRY_DSN"),
		Environment:      os.Getenv("ENVIRONMENT"),
		Release:          Version,
		TracesSampleRate: 0.1,
	})
	if err != nil {
		// Can't use logger yet, fall back to stderr
		os.Stderr.WriteString("failed to initialize Sentry: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Initialize logger (will now capture errors to Sentry)
	logger := logging.Init()

	// Load .env file if it exists (check both current dir and parent)
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			logger.Debug("no .env file found, using environment variables")
		}
	}

	cmd := newRootCommand(logger)
	err = cmd.ExecuteContext(context.Background())
	sentryCleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *logging.Logger) *cobra.Command {
	serve := newServeCommand(logger)

	root := &cobra.Command{
		Use:           "konnect",
		Short:         "Local and SSH terminal session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		// Bare "konnect" serves.
		RunE: serve.RunE,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	root.AddCommand(
		serve,
		newConnectionsCommand(logger),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
			},
		},
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}
		// Reads the environment once; .env has been applied by now.
		config.Get()
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}
	return root
}
