// ABOUTME: Registry of configured completion providers keyed by provider id
// ABOUTME: Open builds a fresh client per generation and classifies construction failures

package provider

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Provider kinds.
const (
	KindOpenAI = "openai"
	KindEcho   = "echo"
)

// knownBaseURLs lets configs name a hosted OpenAI-compatible service by id alone.
var knownBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"ollama":     "http://localhost:11434/v1",
}

// Config describes one provider.
type Config struct {
	ID           string
	Name         string
	Kind         string
	BaseURL      string
	APIKey       string
	DefaultModel string
	Models       []string

	// Timeout bounds each HTTP request of an OpenAI-compatible client.
	Timeout time.Duration

	// TokenDelay paces the echo provider between deltas.
	TokenDelay time.Duration
}

// Info is the public description of a provider.
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	DefaultModel string   `json:"default_model"`
	Models       []string `json:"models"`
}

// Factory constructs a client for cfg.
type Factory func(cfg Config) (Client, error)

type registration struct {
	cfg     Config
	factory Factory
}

// Registry maps provider ids to their factories.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]registration
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers: make(map[string]registration),
		logger:    logger.With("component", "providers"),
	}
}

// Register adds a provider using the factory for its kind. The kind defaults
// to echo for the id "echo" and to openai otherwise.
func (r *Registry) Register(cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if cfg.Kind == "" {
		cfg.Kind = KindOpenAI
		if cfg.ID == KindEcho {
			cfg.Kind = KindEcho
		}
	}

	var factory Factory
	switch cfg.Kind {
	case KindOpenAI:
		if cfg.BaseURL == "" {
			cfg.BaseURL = knownBaseURLs[cfg.ID]
		}
		if cfg.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", cfg.ID)
		}
		factory = func(c Config) (Client, error) { return NewOpenAIClient(c) }
	case KindEcho:
		factory = func(c Config) (Client, error) { return NewEchoClient(c.TokenDelay), nil }
	default:
		return fmt.Errorf("provider %q: unknown kind %q", cfg.ID, cfg.Kind)
	}

	r.RegisterFactory(cfg, factory)
	return nil
}

// RegisterFactory adds a provider with a custom factory, replacing any
// provider with the same id.
func (r *Registry) RegisterFactory(cfg Config, factory Factory) {
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.DefaultModel == "" && len(cfg.Models) > 0 {
		cfg.DefaultModel = cfg.Models[0]
	}

	r.mu.Lock()
	r.providers[cfg.ID] = registration{cfg: cfg, factory: factory}
	r.mu.Unlock()

	r.logger.Debug("provider registered", "provider", cfg.ID, "kind", cfg.Kind)
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id]
	return ok
}

// DefaultModel returns the default model of a provider.
func (r *Registry) DefaultModel(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[id].cfg.DefaultModel
}

// Open constructs a client for the provider id. Errors wrap
// ErrUnsupportedProvider or ErrProviderInit.
func (r *Registry) Open(id string) (Client, error) {
	r.mu.RLock()
	reg, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, id)
	}

	client, err := reg.factory(reg.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderInit, id, err)
	}
	return client, nil
}

// List returns the registered providers sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.providers))
	for _, reg := range r.providers {
		out = append(out, Info{
			ID:           reg.cfg.ID,
			Name:         reg.cfg.Name,
			Kind:         reg.cfg.Kind,
			DefaultModel: reg.cfg.DefaultModel,
			Models:       slices.Clone(reg.cfg.Models),
		})
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}
