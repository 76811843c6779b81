package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/strandloop/strand/internal/config"
)

// buildServeCmd creates the "serve" command that starts the engine.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the strand server",
		Long: `Start the strand server with the configured store, LLM endpoint,
and tool sources.

The server will:
1. Load configuration from the specified file
2. Open the run store (memory, sqlite, or postgres)
3. Build toolsets from the configured OpenAPI sources
4. Start the HTTP API with SSE run streaming

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  strand serve

  # Start with custom config
  strand serve --config /etc/strand/production.yaml

  # Start with debug logging
  strand serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "strand.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigCheckCmd(), buildConfigDefaultsCmd())
	return cmd
}

func buildConfigCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK: %s\n", configPath)
			fmt.Fprintf(out, "  listen:       %s\n", cfg.Server.Addr())
			fmt.Fprintf(out, "  store:        %s\n", storeBackend(cfg))
			fmt.Fprintf(out, "  model:        %s\n", cfg.Run.Model)
			fmt.Fprintf(out, "  tool sources: %d\n", len(cfg.ToolSources))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "strand.yaml",
		"Path to YAML configuration file")
	return cmd
}

func buildConfigDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Print the default configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func storeBackend(cfg *config.Config) string {
	if cfg.Store.Backend == "" {
		return config.StoreMemory
	}
	return cfg.Store.Backend
}
