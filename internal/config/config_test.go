// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8080"
  grpc_addr: "127.0.0.1:50051"

database:
  driver: "bolt"
  path: "./test.db"

providers:
  openai:
    api_key: "sk-test"
    default_model: "gpt-4o-mini"
    models: ["gpt-4o-mini", "gpt-4o"]
    timeout: "2m"
  echo:
    kind: "echo"
    token_delay: "25ms"

defaults:
  provider: "openai"
  system_prompt: "Be brief."
  inference_parameters:
    temperature: 0.2
    max_tokens: 1024

stream:
  min_token_interval: "50ms"
  heartbeat_interval: "20s"

generation:
  timeout: "5m"
  shutdown_grace: "3s"

idempotency:
  ttl: "1m"
  max_entries: 500

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8080")
	}
	if cfg.Database.Driver != "bolt" {
		t.Errorf("Database.Driver = %q, want bolt", cfg.Database.Driver)
	}

	openai := cfg.Providers["openai"]
	if openai.APIKey != "sk-test" || openai.DefaultModel != "gpt-4o-mini" {
		t.Errorf("Providers[openai] = %+v", openai)
	}
	if len(openai.Models) != 2 {
		t.Errorf("len(Providers[openai].Models) = %d, want 2", len(openai.Models))
	}
	if openai.Timeout != 2*time.Minute {
		t.Errorf("Providers[openai].Timeout = %v, want 2m", openai.Timeout)
	}
	if cfg.Providers["echo"].TokenDelay != 25*time.Millisecond {
		t.Errorf("Providers[echo].TokenDelay = %v, want 25ms", cfg.Providers["echo"].TokenDelay)
	}

	if cfg.Defaults.SystemPrompt != "Be brief." {
		t.Errorf("Defaults.SystemPrompt = %q", cfg.Defaults.SystemPrompt)
	}
	if p := cfg.Defaults.Parameters; p.Temperature == nil || *p.Temperature != 0.2 {
		t.Errorf("Defaults.Parameters.Temperature = %v, want 0.2", p.Temperature)
	}
	if p := cfg.Defaults.Parameters; p.TopP != nil {
		t.Errorf("Defaults.Parameters.TopP = %v, want unset", *p.TopP)
	}

	if cfg.Stream.MinTokenInterval != 50*time.Millisecond {
		t.Errorf("Stream.MinTokenInterval = %v", cfg.Stream.MinTokenInterval)
	}
	if cfg.Stream.HeartbeatInterval != 20*time.Second {
		t.Errorf("Stream.HeartbeatInterval = %v", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Generation.Timeout != 5*time.Minute || cfg.Generation.ShutdownGrace != 3*time.Second {
		t.Errorf("Generation = %+v", cfg.Generation)
	}
	if cfg.Idempotency.TTL != time.Minute || cfg.Idempotency.MaxEntries != 500 {
		t.Errorf("Idempotency = %+v", cfg.Idempotency)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9090"

[database]
path = "./chats.json"
driver = "json"

[providers.groq]
api_key = "gsk-test"
models = ["llama-3.1-8b-instant"]

[defaults]
provider = "groq"

[generation]
timeout = "90s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != "json" {
		t.Errorf("Database.Driver = %q, want json", cfg.Database.Driver)
	}
	if cfg.Providers["groq"].APIKey != "gsk-test" {
		t.Errorf("Providers[groq].APIKey = %q", cfg.Providers["groq"].APIKey)
	}
	if cfg.Generation.Timeout != 90*time.Second {
		t.Errorf("Generation.Timeout = %v, want 90s", cfg.Generation.Timeout)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if _, ok := cfg.Providers["echo"]; !ok || len(cfg.Providers) != 1 {
		t.Errorf("Providers = %v, want only echo", cfg.ProviderIDs())
	}
	if cfg.Defaults.Provider != "echo" {
		t.Errorf("Defaults.Provider = %q, want echo", cfg.Defaults.Provider)
	}
	if cfg.Stream.HeartbeatInterval != 15*time.Second {
		t.Errorf("Stream.HeartbeatInterval = %v, want 15s", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Stream.MinTokenInterval != 0 {
		t.Errorf("Stream.MinTokenInterval = %v, want 0", cfg.Stream.MinTokenInterval)
	}
	if cfg.Generation.ShutdownGrace != 5*time.Second {
		t.Errorf("Generation.ShutdownGrace = %v, want 5s", cfg.Generation.ShutdownGrace)
	}
	if cfg.Idempotency.MaxEntries != 10_000 {
		t.Errorf("Idempotency.MaxEntries = %d", cfg.Idempotency.MaxEntries)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_LLMCONNECT_KEY", "sk-from-env")
	t.Setenv("TEST_LLMCONNECT_ADDR", "127.0.0.1:7000")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "${TEST_LLMCONNECT_ADDR}"
database:
  path: "./test.db"
providers:
  openai:
    api_key: "${TEST_LLMCONNECT_KEY}"
  ollama:
    api_key: "${TEST_LLMCONNECT_UNSET}"
defaults:
  provider: openai
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Providers["openai"].APIKey != "sk-from-env" {
		t.Errorf("Providers[openai].APIKey = %q", cfg.Providers["openai"].APIKey)
	}
	if cfg.Providers["ollama"].APIKey != "" {
		t.Errorf("unset variable expanded to %q, want empty", cfg.Providers["ollama"].APIKey)
	}
}

func TestLoad_DBPathOverride(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/override.db")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8080"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q, want override", cfg.Database.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr "missing colon"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		section string
	}{
		{"stream", "stream:\n  heartbeat_interval: \"soon\"\n"},
		{"generation", "generation:\n  timeout: \"-5s\"\n"},
		{"provider", "providers:\n  echo:\n    token_delay: \"fast\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
`+tt.section)

			if _, err := Load(configPath); err == nil {
				t.Error("Load() expected error for invalid duration, got nil")
			}
		})
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing http_addr",
			configContent: `
database:
  path: "./test.db"
`,
			wantErrSubstr: "server.http_addr",
		},
		{
			name: "unknown driver",
			configContent: `
server:
  http_addr: "127.0.0.1:8080"
database:
  driver: "postgres"
  path: "./test.db"
`,
			wantErrSubstr: "database.driver",
		},
		{
			name: "ambiguous default provider",
			configContent: `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
providers:
  openai: {}
  groq: {}
`,
			wantErrSubstr: "defaults.provider is required",
		},
		{
			name: "default provider not configured",
			configContent: `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
providers:
  openai: {}
defaults:
  provider: "anthropic"
`,
			wantErrSubstr: "not a configured provider",
		},
		{
			name: "unknown provider kind",
			configContent: `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
providers:
  local:
    kind: "grpc"
`,
			wantErrSubstr: "providers.local.kind",
		},
		{
			name: "temperature out of range",
			configContent: `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
defaults:
  inference_parameters:
    temperature: 3
`,
			wantErrSubstr: "temperature",
		},
		{
			name: "bad log format",
			configContent: `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
logging:
  format: "xml"
`,
			wantErrSubstr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want substring %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${TEST_EXPAND_A}", "alpha"},
		{"x-${TEST_EXPAND_A}-${TEST_EXPAND_MISSING}-y", "x-alpha--y"},
		{"$TEST_EXPAND_A", "$TEST_EXPAND_A"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
