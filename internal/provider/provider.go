// ABOUTME: Completion provider abstraction: a client yields text deltas for an ordered history
// ABOUTME: Clients are acquired per generation and must be closed on every exit path

package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedProvider is returned when no provider is registered under an id
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrProviderInit is returned when a provider client cannot be constructed
	ErrProviderInit = errors.New("provider initialization failed")
)

// Message is one history entry sent to a provider.
type Message struct {
	Role    string
	Content string
}

// ChatRequest describes one streamed completion.
type ChatRequest struct {
	Model            string
	Messages         []Message
	Temperature      float64
	TopP             float64
	TopK             *int
	MaxTokens        int
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Stream is a lazy, finite sequence of text deltas.
type Stream interface {
	// Next returns the next delta. It returns io.EOF after the last delta.
	Next() (string, error)

	// Close stops the stream and releases its connection.
	Close() error
}

// Client produces completions. A Client is scoped to one generation.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (Stream, error)
	Close() error
}

// GenerationError is a failure during streamed production. Partial holds
// the content accumulated before the failure.
type GenerationError struct {
	Partial string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
