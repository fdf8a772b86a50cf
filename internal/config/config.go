// ABOUTME: Configuration loading and parsing for llmconnect
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvDBPath overrides database.path when set.
const EnvDBPath = "LLMCONNECT_DB_PATH"

// Config represents the complete llmconnect configuration
type Config struct {
	Server      ServerConfig              `yaml:"server" toml:"server"`
	Database    DatabaseConfig            `yaml:"database" toml:"database"`
	Providers   map[string]ProviderConfig `yaml:"providers" toml:"providers"`
	Defaults    DefaultsConfig            `yaml:"defaults" toml:"defaults"`
	Stream      StreamConfig              `yaml:"stream" toml:"stream"`
	Generation  GenerationConfig          `yaml:"generation" toml:"generation"`
	Idempotency IdempotencyConfig         `yaml:"idempotency" toml:"idempotency"`
	Logging     LoggingConfig             `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service; empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig selects the document store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite, bolt or json
	Path   string `yaml:"path" toml:"path"`
}

// ProviderConfig describes one completion provider. The map key is its id.
type ProviderConfig struct {
	Name         string   `yaml:"name" toml:"name"`
	Kind         string   `yaml:"kind" toml:"kind"` // openai or echo
	BaseURL      string   `yaml:"base_url" toml:"base_url"`
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	DefaultModel string   `yaml:"default_model" toml:"default_model"`
	Models       []string `yaml:"models" toml:"models"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TokenDelay time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw    string `yaml:"timeout" toml:"timeout"`
	TokenDelayRaw string `yaml:"token_delay" toml:"token_delay"`
}

// DefaultsConfig seeds new conversations
type DefaultsConfig struct {
	Provider     string           `yaml:"provider" toml:"provider"`
	Model        string           `yaml:"model" toml:"model"`
	SystemPrompt string           `yaml:"system_prompt" toml:"system_prompt"`
	Parameters   ParametersConfig `yaml:"inference_parameters" toml:"inference_parameters"`
}

// ParametersConfig overrides inference parameter defaults; unset fields keep them.
type ParametersConfig struct {
	Temperature      *float64 `yaml:"temperature" toml:"temperature"`
	TopP             *float64 `yaml:"top_p" toml:"top_p"`
	TopK             *int     `yaml:"top_k" toml:"top_k"`
	MaxTokens        *int     `yaml:"max_tokens" toml:"max_tokens"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty" toml:"frequency_penalty"`
	PresencePenalty  *float64 `yaml:"presence_penalty" toml:"presence_penalty"`
}

// StreamConfig tunes the SSE stream endpoint
type StreamConfig struct {
	MinTokenInterval  time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`

	MinTokenIntervalRaw  string `yaml:"min_token_interval" toml:"min_token_interval"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// GenerationConfig bounds generation tasks
type GenerationConfig struct {
	Timeout       time.Duration `yaml:"-" toml:"-"`
	ShutdownGrace time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw       string `yaml:"timeout" toml:"timeout"`
	ShutdownGraceRaw string `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// IdempotencyConfig sizes the Idempotency-Key cache
type IdempotencyConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if envPath := os.Getenv(EnvDBPath); envPath != "" {
		cfg.Database.Path = envPath
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills optional settings left empty.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if len(c.Providers) == 0 {
		c.Providers = map[string]ProviderConfig{"echo": {Kind: "echo"}}
	}
	if c.Defaults.Provider == "" && len(c.Providers) == 1 {
		for id := range c.Providers {
			c.Defaults.Provider = id
		}
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = 15 * time.Second
	}
	if c.Generation.ShutdownGrace == 0 {
		c.Generation.ShutdownGrace = 5 * time.Second
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 10 * time.Minute
	}
	if c.Idempotency.MaxEntries == 0 {
		c.Idempotency.MaxEntries = 10_000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required (or set %s)", EnvDBPath)
	}
	if !slices.Contains([]string{"sqlite", "bolt", "json"}, c.Database.Driver) {
		return fmt.Errorf("database.driver must be sqlite, bolt or json, got %q", c.Database.Driver)
	}

	for _, id := range c.ProviderIDs() {
		p := c.Providers[id]
		if p.Kind != "" && p.Kind != "openai" && p.Kind != "echo" {
			return fmt.Errorf("providers.%s.kind must be openai or echo, got %q", id, p.Kind)
		}
	}
	if c.Defaults.Provider == "" {
		return fmt.Errorf("defaults.provider is required when more than one provider is configured")
	}
	if _, ok := c.Providers[c.Defaults.Provider]; !ok {
		return fmt.Errorf("defaults.provider %q is not a configured provider", c.Defaults.Provider)
	}

	if p := c.Defaults.Parameters; p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("defaults.inference_parameters.temperature must be between 0 and 2")
	}
	if p := c.Defaults.Parameters; p.TopP != nil && (*p.TopP <= 0 || *p.TopP > 1) {
		return fmt.Errorf("defaults.inference_parameters.top_p must be in (0, 1]")
	}
	if p := c.Defaults.Parameters; p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return fmt.Errorf("defaults.inference_parameters.max_tokens must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ProviderIDs returns the configured provider ids, sorted.
func (c *Config) ProviderIDs() []string {
	ids := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"stream.min_token_interval", cfg.Stream.MinTokenIntervalRaw, &cfg.Stream.MinTokenInterval},
		{"stream.heartbeat_interval", cfg.Stream.HeartbeatIntervalRaw, &cfg.Stream.HeartbeatInterval},
		{"generation.timeout", cfg.Generation.TimeoutRaw, &cfg.Generation.Timeout},
		{"generation.shutdown_grace", cfg.Generation.ShutdownGraceRaw, &cfg.Generation.ShutdownGrace},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}
	for _, f := range fields {
		if err := parseDuration(f.name, f.raw, f.dst); err != nil {
			return err
		}
	}

	for id, p := range cfg.Providers {
		if err := parseDuration("providers."+id+".timeout", p.TimeoutRaw, &p.Timeout); err != nil {
			return err
		}
		if err := parseDuration("providers."+id+".token_delay", p.TokenDelayRaw, &p.TokenDelay); err != nil {
			return err
		}
		cfg.Providers[id] = p
	}
	return nil
}

func parseDuration(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", name)
	}
	*dst = d
	return nil
}
