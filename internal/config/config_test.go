package config

import (
	"log/slog"
	"strings"
	"testing"
)

func TestParseAppliesDefaultsAndOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
run:
  model: gpt-4o
server:
  port: 9999
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Run.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.Run.Model)
	}
	if cfg.Server.Addr() != "127.0.0.1:9999" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("backend = %q", cfg.Store.Backend)
	}
	if cfg.Run.MaxToolCallContinuations != 5 {
		t.Errorf("continuations = %d", cfg.Run.MaxToolCallContinuations)
	}
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("STRAND_TEST_KEY", "sk-abc123")
	cfg, err := Parse([]byte(`
run:
  model: gpt-4o
llm:
  api_key: ${STRAND_TEST_KEY}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "sk-abc123" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
run:
  model: gpt-4o
serverr:
  port: 1
`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing model", `server: {port: 1}`, "run.model"},
		{"sqlite without path", "run: {model: m}\nstore: {backend: sqlite}", "sqlite_path"},
		{"postgres without dsn", "run: {model: m}\nstore: {backend: postgres}", "store.dsn"},
		{"unknown backend", "run: {model: m}\nstore: {backend: dynamo}", "unknown store backend"},
		{"source without id", "run: {model: m}\ntool_sources:\n  - type: openapi", "id is required"},
		{"source bad type", "run: {model: m}\ntool_sources:\n  - id: a\n    type: grpc", "unknown type"},
		{"tracing without endpoint", "run: {model: m}\nobservability: {tracing: {enabled: true}}", "tracing.endpoint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestLogLevelMapping(t *testing.T) {
	if got := (LoggingConfig{Level: "debug"}).LogLevel(); got != slog.LevelDebug {
		t.Errorf("debug = %v", got)
	}
	if got := (LoggingConfig{Level: "nonsense"}).LogLevel(); got != slog.LevelInfo {
		t.Errorf("fallback = %v", got)
	}
}
