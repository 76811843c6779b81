// Package config loads the strand configuration from YAML with
// environment expansion.
package config

import (
	"fmt"
	"time"

	"github.com/strandloop/strand/internal/orchestrator"
	"github.com/strandloop/strand/pkg/models"
)

// Config is the root configuration for the strand daemon.
type Config struct {
	Server        ServerConfig               `yaml:"server"`
	Store         StoreConfig                `yaml:"store"`
	LLM           LLMConfig                  `yaml:"llm"`
	Run           models.RunConfig           `yaml:"run"`
	ToolSources   []orchestrator.SourceConfig `yaml:"tool_sources"`
	Observability ObservabilityConfig        `yaml:"observability"`
	Logging       LoggingConfig              `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type StoreConfig struct {
	Backend string `yaml:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LLMConfig struct {
	// APIKey authenticates against the OpenAI-compatible endpoint.
	// Usually set via ${OPENAI_API_KEY}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the endpoint for compatible gateways.
	BaseURL string `yaml:"base_url"`

	MaxRetries int `yaml:"max_retries"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Validate checks cross-field requirements the YAML schema cannot.
func (c *Config) Validate() error {
	if c.Run.Model == "" {
		return fmt.Errorf("run.model is required")
	}
	if err := c.Run.Context.Validate(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case "", StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	for i, src := range c.ToolSources {
		if src.ID == "" {
			return fmt.Errorf("tool_sources[%d]: id is required", i)
		}
		if src.Type != orchestrator.SourceOpenAPI {
			return fmt.Errorf("tool_sources[%d]: unknown type %q", i, src.Type)
		}
		switch src.CreationStrategy {
		case "", orchestrator.StrategyByTag, orchestrator.StrategyAllInOne:
		default:
			return fmt.Errorf("tool_sources[%d]: unknown creation_strategy %q", i, src.CreationStrategy)
		}
	}
	if c.Observability.Tracing.Enabled && c.Observability.Tracing.Endpoint == "" {
		return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// Default returns the baseline configuration applied before the file is
// merged over it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{Backend: StoreMemory},
		LLM:   LLMConfig{MaxRetries: 3},
		Run: models.RunConfig{
			MaxToolCallContinuations: 5,
			Context: models.ContextConfig{
				TokenThreshold:      60000,
				SummaryTargetTokens: 1500,
				ReservedTokens:      2000,
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Addr: "127.0.0.1:9090"},
			Tracing: TracingConfig{ServiceName: "strand", SamplingRate: 1.0},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}
