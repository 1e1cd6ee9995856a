package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/phsym/console-slog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "forceauth",
	Short: "forceauth is a stateless login and session security service",
	Long: `Runs the OAuth 2.0 PKCE login flow against Salesforce, keeps sessions in
encrypted cookies, and guards the application API with CSRF tokens and
layered rate limits.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is normal outside development.
		godotenv.Load()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the log.level and log.format
// settings.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	switch strings.ToLower(format) {
	case "console":
		return slog.New(console.NewHandler(w, &console.HandlerOptions{Level: lvl}))
	case "text":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	default:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
}
