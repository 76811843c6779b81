// Package main provides the CLI entry point for the strand agent engine.
//
// Strand runs LLM-driven agents over HTTP: threads and runs are managed
// through a REST API and run progress is streamed as Server-Sent Events.
//
// # Basic Usage
//
// Start the server:
//
//	strand serve --config strand.yaml
//
// # Environment Variables
//
//   - OPENAI_API_KEY: API key for the OpenAI-compatible endpoint,
//     referenced from the config file as ${OPENAI_API_KEY}
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strand",
		Short: "Strand - LLM agent run engine",
		Long: `Strand executes LLM-driven agent runs with tool calling, context
summarization, and planner delegation, exposed over a REST+SSE API.

Tool surfaces are built from OpenAPI documents and grouped into toolsets
that planner agents can delegate to.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
