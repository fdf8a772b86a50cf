// ABOUTME: Entry point for the llmconnect chat server
// ABOUTME: Serves conversations with streamed replies from configured completion providers

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/llmconnect/internal/client"
	"github.com/2389/llmconnect/internal/config"
	"github.com/2389/llmconnect/internal/gateway"
	"github.com/2389/llmconnect/internal/provider"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ _                                             _
| | |_ __ ___   ___ ___  _ __  _ __   ___  ___| |_
| | | '_ ' _ \ / __/ _ \| '_ \| '_ \ / _ \/ __| __|
| | | | | | | | (_| (_) | | | | | | |  __/ (__| |_
|_|_|_| |_| |_|\___\___/|_| |_|_| |_|\___|\___|\__|
`

// getConfigPath returns the path to the config file.
// Priority: LLMCONNECT_CONFIG env var > XDG_CONFIG_HOME/llmconnect/config.yaml > ~/.config/llmconnect/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("LLMCONNECT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "llmconnect", "config.yaml")
}

// getDataPath returns the path to the llmconnect data directory.
// Priority: XDG_DATA_HOME/llmconnect > ~/.local/share/llmconnect
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "llmconnect")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: llmconnect <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the chat server")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  health     Check server health")
		fmt.Println("  providers  List configured providers")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "providers":
		err = runProviders(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s ", cfg.Database.Driver)
	gray.Println(cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Providers: %s ", strings.Join(cfg.ProviderIDs(), ", "))
	gray.Printf("(default %s)\n", cfg.Defaults.Provider)
	fmt.Println()

	logger.Info("starting llmconnect",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output. Derived handlers share the
// root's mutex so concurrent records never interleave.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(color.Output, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// newClient returns an API client for the server named in the config file.
func newClient() (*client.Client, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return client.New("http://"+cfg.Server.HTTPAddr, nil), nil
}

func runHealth(ctx context.Context) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Println("healthy")
	return nil
}

func runProviders(ctx context.Context) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	list, err := c.Providers(ctx)
	if err != nil {
		return fmt.Errorf("listing providers: %w", err)
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for _, p := range list.Providers {
		marker := "  "
		if p.ID == list.Default {
			marker = "* "
		}
		green.Print(marker + p.ID)
		gray.Printf(" (%s) default model: %s\n", p.Kind, p.DefaultModel)
		for _, m := range p.Models {
			fmt.Printf("      %s\n", m)
		}
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("llmconnect configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Storage Configuration ---")
	driver := prompt(reader, "Driver (sqlite/bolt/json)", "sqlite")
	dbFile := map[string]string{"sqlite": "llmconnect.db", "bolt": "llmconnect.bolt", "json": "conversations.json"}[driver]
	if dbFile == "" {
		dbFile = "llmconnect.db"
	}
	dbPath := prompt(reader, "Database path", filepath.Join(defaultDataPath, dbFile))

	fmt.Println("\n--- Provider Configuration ---")
	providerID := prompt(reader, "Provider id (openai, openrouter, ollama, echo, ...)", "echo")
	kind := provider.KindOpenAI
	if providerID == provider.KindEcho {
		kind = provider.KindEcho
	}
	var baseURL, apiKey, model string
	if kind == provider.KindOpenAI {
		baseURL = prompt(reader, "Base URL (empty for the well-known default)", "")
		apiKey = prompt(reader, "API key (use ${ENV_VAR} to read from the environment)", "${OPENAI_API_KEY}")
		model = prompt(reader, "Default model", "gpt-4o-mini")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# llmconnect configuration\n")
	cfg.WriteString("# Generated by llmconnect init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: \"%s\"\n", grpcAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", driver))
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("providers:\n")
	cfg.WriteString(fmt.Sprintf("  %s:\n", providerID))
	cfg.WriteString(fmt.Sprintf("    kind: \"%s\"\n", kind))
	if baseURL != "" {
		cfg.WriteString(fmt.Sprintf("    base_url: \"%s\"\n", baseURL))
	}
	if apiKey != "" {
		cfg.WriteString(fmt.Sprintf("    api_key: \"%s\"\n", apiKey))
	}
	if model != "" {
		cfg.WriteString(fmt.Sprintf("    default_model: \"%s\"\n", model))
	}
	cfg.WriteString("    timeout: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("defaults:\n")
	cfg.WriteString(fmt.Sprintf("  provider: \"%s\"\n", providerID))
	cfg.WriteString("\n")

	cfg.WriteString("stream:\n")
	cfg.WriteString("  heartbeat_interval: \"15s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("generation:\n")
	cfg.WriteString("  shutdown_grace: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  llmconnect serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
