// ABOUTME: GenerationTask produces the assistant reply for exactly one placeholder message
// ABOUTME: Failures are written into the placeholder as content with status error, never returned

package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/llmconnect/internal/conversation"
	"github.com/2389/llmconnect/internal/provider"
	"github.com/2389/llmconnect/internal/store"
)

// ConversationStore is what a task needs from the conversation layer.
type ConversationStore interface {
	ActivePlaceholder(convID string) (*conversation.Message, error)
	History(convID, excludeID string) ([]store.Message, error)
	Settings(convID string) (conversation.Settings, error)
	SetContent(convID string, msg *conversation.Message, text string) error
	SetStatus(ctx context.Context, convID string, msg *conversation.Message, status store.Status) error
}

// Opener acquires a provider client by provider id.
type Opener interface {
	Open(id string) (provider.Client, error)
}

// errCancelled is the cause recorded when a task is stopped by its owner.
var errCancelled = errors.New("generation cancelled")

// Task generates one reply.
type Task struct {
	convID    string
	msg       *conversation.Message
	store     ConversationStore
	providers Opener
	timeout   time.Duration
	logger    *slog.Logger
}

// NewTask creates a task writing into msg. Pass nil logger for default.
func NewTask(convID string, msg *conversation.Message, s ConversationStore, providers Opener, timeout time.Duration, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		convID:    convID,
		msg:       msg,
		store:     s,
		providers: providers,
		timeout:   timeout,
		logger:    logger.With("component", "generation", "conversation_id", convID, "message_id", msg.ID),
	}
}

// Run drives the provider and writes the accumulated reply into the
// placeholder. It returns the status the placeholder ended in.
func (t *Task) Run(ctx context.Context) store.Status {
	history, err := t.store.History(t.convID, t.msg.ID)
	if err != nil {
		t.logger.Warn("conversation gone before generation started", "error", err)
		return t.msg.Status()
	}
	settings, err := t.store.Settings(t.convID)
	if err != nil {
		t.logger.Warn("conversation gone before generation started", "error", err)
		return t.msg.Status()
	}

	client, err := t.providers.Open(settings.Provider)
	if err != nil {
		t.logger.Warn("provider unavailable", "provider", settings.Provider, "error", err)
		return t.fail(ctx, "", describeOpenError(settings.Provider, err))
	}
	defer func() {
		if err := client.Close(); err != nil {
			t.logger.Debug("provider close failed", "error", err)
		}
	}()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, t.timeout, fmt.Errorf("timed out after %s", t.timeout))
		defer cancel()
	}

	req := provider.ChatRequest{
		Model:            settings.Model,
		Messages:         toProviderMessages(history),
		Temperature:      settings.Parameters.Temperature,
		TopP:             settings.Parameters.TopP,
		TopK:             settings.Parameters.TopK,
		MaxTokens:        settings.Parameters.MaxTokens,
		FrequencyPenalty: settings.Parameters.FrequencyPenalty,
		PresencePenalty:  settings.Parameters.PresencePenalty,
	}

	t.logger.Debug("generation started", "provider", settings.Provider, "model", settings.Model, "history", len(history))
	start := time.Now()

	content, err := t.stream(ctx, client, req)
	if errors.Is(err, errFrozen) {
		t.logger.Debug("placeholder no longer writable, generation abandoned", "error", err)
		return t.msg.Status()
	}
	if err != nil {
		var genErr *provider.GenerationError
		if !errors.As(err, &genErr) {
			genErr = &provider.GenerationError{Partial: content, Err: err}
		}
		t.logger.Warn("generation failed", "error", genErr.Err, "partial_len", len(genErr.Partial))
		return t.fail(ctx, genErr.Partial, genErr.Err.Error())
	}

	if err := t.store.SetStatus(ctx, t.convID, t.msg, store.StatusComplete); err != nil {
		t.logger.Debug("could not complete placeholder", "error", err)
		return t.msg.Status()
	}
	t.logger.Info("generation complete",
		"provider", settings.Provider,
		"model", settings.Model,
		"content_len", len(content),
		"duration", time.Since(start))
	return store.StatusComplete
}

// errFrozen marks a placeholder that stopped accepting writes mid-stream.
var errFrozen = errors.New("placeholder frozen")

// stream accumulates deltas and publishes the full text after each one.
func (t *Task) stream(ctx context.Context, client provider.Client, req provider.ChatRequest) (string, error) {
	s, err := client.Chat(ctx, req)
	if err != nil {
		return "", &provider.GenerationError{Err: causeOf(ctx, err)}
	}
	defer s.Close()

	var acc strings.Builder
	for {
		delta, err := s.Next()
		if errors.Is(err, io.EOF) {
			return acc.String(), nil
		}
		if err != nil {
			return acc.String(), &provider.GenerationError{Partial: acc.String(), Err: causeOf(ctx, err)}
		}
		if ctx.Err() != nil {
			return acc.String(), &provider.GenerationError{Partial: acc.String(), Err: causeOf(ctx, ctx.Err())}
		}
		if delta == "" {
			continue
		}
		acc.WriteString(delta)
		if err := t.store.SetContent(t.convID, t.msg, acc.String()); err != nil {
			return acc.String(), fmt.Errorf("%w: %w", errFrozen, err)
		}
	}
}

// fail records msg as the terminal error content of the placeholder.
func (t *Task) fail(ctx context.Context, partial, msg string) store.Status {
	content := conversation.ErrorContent(partial, msg)
	// The owner may have cancelled ctx; the error must still be recorded.
	ctx = context.WithoutCancel(ctx)
	if err := t.store.SetContent(t.convID, t.msg, content); err != nil {
		t.logger.Debug("could not record generation error", "error", err)
		return t.msg.Status()
	}
	if err := t.store.SetStatus(ctx, t.convID, t.msg, store.StatusError); err != nil {
		t.logger.Debug("could not record generation error", "error", err)
		return t.msg.Status()
	}
	return store.StatusError
}

// causeOf prefers the reason the context ended over the transport error it produced.
func causeOf(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return errCancelled
}

func describeOpenError(providerID string, err error) string {
	switch {
	case errors.Is(err, provider.ErrUnsupportedProvider):
		return fmt.Sprintf("Unsupported provider: %s", providerID)
	case errors.Is(err, provider.ErrProviderInit):
		return fmt.Sprintf("Failed to initialize provider %s: %v", providerID, innermost(err))
	default:
		return err.Error()
	}
}

// innermost returns the last error joined by a multi-%w wrap.
func innermost(err error) error {
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := multi.Unwrap(); len(errs) > 0 {
			return errs[len(errs)-1]
		}
	}
	return err
}

func toProviderMessages(history []store.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, m := range history {
		out = append(out, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
