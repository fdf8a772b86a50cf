// ABOUTME: Gateway orchestrator that wires the conversation store, generation and HTTP/gRPC servers
// ABOUTME: Manages server lifecycle; shutdown finalizes running generations before closing the store

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/llmconnect/internal/chat"
	"github.com/2389/llmconnect/internal/config"
	"github.com/2389/llmconnect/internal/conversation"
	"github.com/2389/llmconnect/internal/dedupe"
	"github.com/2389/llmconnect/internal/generation"
	"github.com/2389/llmconnect/internal/provider"
	"github.com/2389/llmconnect/internal/relay"
	"github.com/2389/llmconnect/internal/store"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "llmconnect"

// Gateway orchestrates the llmconnect server components.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	docs          store.DocumentStore
	conversations *conversation.Store
	events        *conversation.EventBroadcaster
	providers     *provider.Registry
	tasks         *generation.Registry
	chat          *chat.Service
	relay         *relay.Relay
	dedupe        *dedupe.Cache

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the document store named by config.
func initStore(cfg *config.Config) (store.DocumentStore, error) {
	docs, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return docs, nil
}

// initProviders registers every configured provider.
func initProviders(cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	providers := provider.NewRegistry(logger)
	for _, id := range cfg.ProviderIDs() {
		p := cfg.Providers[id]
		err := providers.Register(provider.Config{
			ID:           id,
			Name:         p.Name,
			Kind:         p.Kind,
			BaseURL:      p.BaseURL,
			APIKey:       p.APIKey,
			DefaultModel: p.DefaultModel,
			Models:       p.Models,
			Timeout:      p.Timeout,
			TokenDelay:   p.TokenDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("registering provider: %w", err)
		}
	}
	return providers, nil
}

// defaultParameters applies configured overrides to the built-in defaults.
func defaultParameters(p config.ParametersConfig) store.InferenceParameters {
	params := store.DefaultInferenceParameters()
	if p.Temperature != nil {
		params.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		params.TopP = *p.TopP
	}
	if p.TopK != nil {
		k := *p.TopK
		params.TopK = &k
	}
	if p.MaxTokens != nil {
		params.MaxTokens = *p.MaxTokens
	}
	if p.FrequencyPenalty != nil {
		params.FrequencyPenalty = *p.FrequencyPenalty
	}
	if p.PresencePenalty != nil {
		params.PresencePenalty = *p.PresencePenalty
	}
	return params
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	docs, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	providers, err := initProviders(cfg, logger)
	if err != nil {
		_ = docs.Close()
		return nil, err
	}

	model := cfg.Defaults.Model
	if model == "" {
		model = providers.DefaultModel(cfg.Defaults.Provider)
	}

	events := conversation.NewEventBroadcaster(logger)
	convs, err := conversation.NewStore(context.Background(), docs, conversation.Options{
		SystemPrompt: cfg.Defaults.SystemPrompt,
		Provider:     cfg.Defaults.Provider,
		Model:        model,
		Parameters:   defaultParameters(cfg.Defaults.Parameters),
		Broadcaster:  events,
		Logger:       logger,
	})
	if err != nil {
		_ = docs.Close()
		return nil, err
	}

	tasks := generation.NewRegistry(convs, providers, generation.Options{
		Timeout: cfg.Generation.Timeout,
		Logger:  logger,
	})
	keys := dedupe.New(dedupe.Options{
		TTL:        cfg.Idempotency.TTL,
		MaxEntries: cfg.Idempotency.MaxEntries,
	})

	gw := &Gateway{
		config:        cfg,
		logger:        logger.With("component", "gateway"),
		docs:          docs,
		conversations: convs,
		events:        events,
		providers:     providers,
		tasks:         tasks,
		chat: chat.New(convs, tasks, chat.Options{
			CancelGrace: cfg.Generation.ShutdownGrace,
			Keys:        keys,
			Logger:      logger,
		}),
		relay: relay.New(convs, relay.Options{
			MinTokenInterval: cfg.Stream.MinTokenInterval,
			Logger:           logger,
		}),
		dedupe: keys,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = createGRPCServer()
		gw.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Conversations
	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", g.handleUpdateConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", g.handleDeleteConversation)
	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleSubmitTurn)
	mux.HandleFunc("PUT /api/conversations/{id}/messages/{index}", g.handleEditMessage)
	mux.HandleFunc("POST /api/conversations/{id}/regenerate", g.handleRegenerate)
	mux.HandleFunc("GET /api/conversations/{id}/stream", g.handleStream)
	mux.HandleFunc("GET /api/conversations/{id}/export", g.handleExport)

	// Folders
	mux.HandleFunc("GET /api/folders", g.handleListFolders)
	mux.HandleFunc("POST /api/folders", g.handleCreateFolder)
	mux.HandleFunc("PATCH /api/folders/{id}", g.handleRenameFolder)
	mux.HandleFunc("DELETE /api/folders/{id}", g.handleDeleteFolder)

	mux.HandleFunc("GET /api/providers", g.handleListProviders)
	mux.HandleFunc("GET /api/events", g.handleEvents)

	return mux
}

// setupTCPListeners creates standard TCP listeners for HTTP and, if configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer == nil {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// Run starts the servers and blocks until ctx is cancelled or a server fails.
// Returns nil on graceful shutdown, or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		grp.Go(func() error {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	grp.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// gracefulShutdown performs shutdown with a fresh context, since the run
// context is already cancelled. Generations get the configured grace period.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Generation.ShutdownGrace+5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, finalizes running generations, stops the
// servers and closes the store. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.shuttingDown.Store(true)
	if g.health != nil {
		g.health.Shutdown()
	}

	var errs []error

	graceCtx, cancel := context.WithTimeout(ctx, g.config.Generation.ShutdownGrace)
	errs = appendCloseError(errs, "generation shutdown", g.tasks.Shutdown(graceCtx))
	cancel()

	// Ends lifecycle feeds; reply streams end on their own after the done event
	g.events.Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}

	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.docs.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts new turns.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d providers)", len(g.providers.List()))
}
