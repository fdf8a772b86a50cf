// ABOUTME: Tests for GenerationTask and the task Registry
// ABOUTME: Uses the real conversation store with a scripted provider client

package generation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/llmconnect/internal/conversation"
	"github.com/2389/llmconnect/internal/provider"
	"github.com/2389/llmconnect/internal/store"
)

type fixture struct {
	store     *conversation.Store
	providers *provider.Registry
	client    *provider.MockClient
}

func newFixture(t *testing.T, client *provider.MockClient) *fixture {
	t.Helper()
	convs, err := conversation.NewStore(context.Background(), store.NewMockStore(), conversation.Options{
		Provider: "stub",
		Model:    "stub-model",
	})
	require.NoError(t, err)

	providers := provider.NewRegistry(nil)
	providers.RegisterFactory(provider.Config{ID: "stub"}, client.Factory())
	providers.RegisterFactory(provider.Config{ID: "broken"}, func(provider.Config) (provider.Client, error) {
		return nil, errors.New("missing api key")
	})

	return &fixture{store: convs, providers: providers, client: client}
}

// startTurn creates conversation c1 with a user turn and returns its placeholder.
func (f *fixture) startTurn(t *testing.T, providerID string) *conversation.Message {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.CreateConversation(ctx, "c1", providerID, "", nil)
	require.NoError(t, err)
	_, ph, err := f.store.AppendUserTurn(ctx, "c1", "Hello world", nil)
	require.NoError(t, err)
	return ph
}

func (f *fixture) run(t *testing.T, ph *conversation.Message, timeout time.Duration) store.Status {
	t.Helper()
	return NewTask("c1", ph, f.store, f.providers, timeout, nil).Run(context.Background())
}

func waitTerminal(t *testing.T, msg *conversation.Message) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		_, status, changed := msg.Observe()
		if status.Terminal() {
			return
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatal("reply never finished")
		}
	}
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	require.NotNil(t, ch)
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestTask_StreamsAccumulatedContent(t *testing.T) {
	f := newFixture(t, provider.NewMockClient("Hi ", "there", "!"))
	ph := f.startTurn(t, "stub")

	status := f.run(t, ph, 0)

	assert.Equal(t, store.StatusComplete, status)
	assert.Equal(t, store.StatusComplete, ph.Status())
	assert.Equal(t, "Hi there!", ph.Content())
	assert.Equal(t, 1, f.client.Closes())
	assert.Equal(t, 1, f.client.StreamsClosed())

	reqs := f.client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "stub-model", reqs[0].Model)
	assert.Equal(t, 0.7, reqs[0].Temperature)
	assert.Equal(t, 0.95, reqs[0].TopP)
	assert.Equal(t, 4096, reqs[0].MaxTokens)
	assert.Equal(t, []provider.Message{
		{Role: "system", Content: conversation.DefaultSystemPrompt},
		{Role: "user", Content: "Hello world"},
	}, reqs[0].Messages, "history excludes the placeholder")
}

func TestTask_WritesFullContentOnEveryDelta(t *testing.T) {
	client := provider.NewMockClient("Hi ", "there", "!")
	client.Step = make(chan struct{})
	f := newFixture(t, client)
	ph := f.startTurn(t, "stub")

	done := make(chan store.Status, 1)
	go func() { done <- f.run(t, ph, 0) }()

	var seen []string
	for range 3 {
		_, _, changed := ph.Observe()
		client.Step <- struct{}{}
		<-changed
		seen = append(seen, ph.Content())
	}
	assert.Equal(t, []string{"Hi ", "Hi there", "Hi there!"}, seen)
	assert.Equal(t, store.StatusComplete, <-done)
}

func TestTask_UnsupportedProvider(t *testing.T) {
	f := newFixture(t, provider.NewMockClient("never"))
	ph := f.startTurn(t, "bogus")

	status := f.run(t, ph, 0)

	assert.Equal(t, store.StatusError, status)
	assert.Equal(t, store.StatusError, ph.Status())
	assert.Equal(t, "Error: Unsupported provider: bogus", ph.Content())
	assert.Empty(t, f.client.Requests())
}

func TestTask_ProviderInitError(t *testing.T) {
	f := newFixture(t, provider.NewMockClient())
	ph := f.startTurn(t, "broken")

	assert.Equal(t, store.StatusError, f.run(t, ph, 0))
	assert.Equal(t, "Error: Failed to initialize provider broken: missing api key", ph.Content())
}

func TestTask_ChatErrorHasNoPartial(t *testing.T) {
	client := provider.NewMockClient()
	client.ChatErr = errors.New("rate limited")
	f := newFixture(t, client)
	ph := f.startTurn(t, "stub")

	assert.Equal(t, store.StatusError, f.run(t, ph, 0))
	assert.Equal(t, "Error: rate limited", ph.Content())
	assert.Equal(t, 1, client.Closes(), "client released on error")
}

func TestTask_MidStreamErrorKeepsPartial(t *testing.T) {
	client := provider.NewMockClient("Hi ", "there")
	client.Err = errors.New("connection reset")
	f := newFixture(t, client)
	ph := f.startTurn(t, "stub")

	assert.Equal(t, store.StatusError, f.run(t, ph, 0))
	assert.Equal(t, "Hi there\n\n[Error: connection reset]", ph.Content())
	assert.Equal(t, 1, client.Closes())
	assert.Equal(t, 1, client.StreamsClosed())
}

func TestTask_Timeout(t *testing.T) {
	client := provider.NewMockClient("never released")
	client.Step = make(chan struct{})
	f := newFixture(t, client)
	ph := f.startTurn(t, "stub")

	assert.Equal(t, store.StatusError, f.run(t, ph, 50*time.Millisecond))
	assert.Equal(t, "Error: timed out after 50ms", ph.Content())
	assert.Equal(t, 1, client.Closes())
}

func TestTask_ConversationDeletedMidStream(t *testing.T) {
	client := provider.NewMockClient("a", "b")
	client.Step = make(chan struct{})
	f := newFixture(t, client)
	ph := f.startTurn(t, "stub")

	done := make(chan store.Status, 1)
	go func() { done <- f.run(t, ph, 0) }()

	_, _, changed := ph.Observe()
	client.Step <- struct{}{}
	<-changed
	require.NoError(t, f.store.Delete(context.Background(), "c1"))
	client.Step <- struct{}{}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop")
	}
	assert.Equal(t, store.StatusError, ph.Status(), "deleted reply does not stay streaming")
	assert.Equal(t, "a\n\n[Error: conversation deleted]", ph.Content())
	assert.Equal(t, 1, client.Closes())
}

func TestRegistry_SpawnRunsToCompletion(t *testing.T) {
	f := newFixture(t, provider.NewMockClient("Hi ", "there", "!"))
	ph := f.startTurn(t, "stub")
	r := NewRegistry(f.store, f.providers, Options{})

	msg, err := r.Spawn("c1")
	require.NoError(t, err)
	assert.Same(t, ph, msg)

	waitTerminal(t, msg)
	assert.Equal(t, "Hi there!", ph.Content())
	assert.Equal(t, store.StatusComplete, ph.Status())

	// Terminal placeholders are never spawned again
	_, err = r.Spawn("c1")
	assert.ErrorIs(t, err, conversation.ErrNoActiveGeneration)
}

func TestRegistry_OneTaskPerPlaceholder(t *testing.T) {
	client := provider.NewMockClient("x")
	client.Step = make(chan struct{})
	f := newFixture(t, client)
	f.startTurn(t, "stub")
	r := NewRegistry(f.store, f.providers, Options{})

	_, err := r.Spawn("c1")
	require.NoError(t, err)
	assert.True(t, r.Active("c1"))

	_, err = r.Spawn("c1")
	assert.ErrorIs(t, err, ErrTaskRunning)

	done := r.Done("c1")
	client.Step <- struct{}{}
	waitDone(t, done)
	assert.False(t, r.Active("c1"))
	assert.Len(t, client.Requests(), 1)
}

func TestRegistry_CancelAndWait(t *testing.T) {
	client := provider.NewMockClient("Hi ", "there")
	client.Step = make(chan struct{})
	f := newFixture(t, client)
	ph := f.startTurn(t, "stub")
	r := NewRegistry(f.store, f.providers, Options{})

	_, err := r.Spawn("c1")
	require.NoError(t, err)

	_, _, changed := ph.Observe()
	client.Step <- struct{}{}
	<-changed

	require.NoError(t, r.CancelAndWait(context.Background(), "c1", nil))

	assert.Equal(t, store.StatusError, ph.Status())
	assert.Equal(t, "Hi \n\n[Error: generation cancelled]", ph.Content())
	assert.Equal(t, 1, client.Closes(), "provider released on cancellation")
	assert.False(t, r.Active("c1"))

	// Nothing left to cancel
	assert.NoError(t, r.CancelAndWait(context.Background(), "c1", nil))
}

func TestRegistry_CancelWithCause(t *testing.T) {
	client := provider.NewMockClient("x")
	client.Step = make(chan struct{})
	f := newFixture(t, client)
	ph := f.startTurn(t, "stub")
	r := NewRegistry(f.store, f.providers, Options{})

	_, err := r.Spawn("c1")
	require.NoError(t, err)

	require.NoError(t, r.CancelAndWait(context.Background(), "c1", errors.New("message edited")))
	assert.Equal(t, "Error: message edited", ph.Content())
}

func TestRegistry_CancelAndWaitHonorsContext(t *testing.T) {
	f := newFixture(t, provider.NewMockClient("x"))
	f.startTurn(t, "stub")

	// A provider that ignores cancellation keeps the task alive
	block := make(chan struct{})
	defer close(block)
	f.providers.RegisterFactory(provider.Config{ID: "stub"}, func(provider.Config) (provider.Client, error) {
		<-block
		return nil, errors.New("late")
	})

	r := NewRegistry(f.store, f.providers, Options{})
	_, err := r.Spawn("c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = r.CancelAndWait(ctx, "c1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_Shutdown(t *testing.T) {
	client := provider.NewMockClient("x")
	client.Step = make(chan struct{})
	f := newFixture(t, client)
	ph := f.startTurn(t, "stub")
	r := NewRegistry(f.store, f.providers, Options{})

	_, err := r.Spawn("c1")
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, store.StatusError, ph.Status())
	assert.Equal(t, "Error: server shutting down", ph.Content())

	_, err = r.Spawn("c1")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRegistry_NextTurnAfterCompletion(t *testing.T) {
	f := newFixture(t, provider.NewMockClient("ok"))
	f.startTurn(t, "stub")
	r := NewRegistry(f.store, f.providers, Options{})

	_, err := r.Spawn("c1")
	require.NoError(t, err)

	first, err := f.store.LatestAssistant("c1")
	require.NoError(t, err)
	waitTerminal(t, first)

	// The next turn may start before the finished task has deregistered
	_, _, err = f.store.AppendUserTurn(context.Background(), "c1", "again", nil)
	require.NoError(t, err)
	second, err := r.Spawn("c1")
	require.NoError(t, err)
	waitTerminal(t, second)
	assert.Equal(t, "ok", second.Content())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRegistry_TaskLogsCarryOneComponent(t *testing.T) {
	client := provider.NewMockClient("ok")
	client.Step = make(chan struct{})
	f := newFixture(t, client)
	f.startTurn(t, "stub")

	var out syncBuffer
	logger := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := NewRegistry(f.store, f.providers, Options{Logger: logger})

	_, err := r.Spawn("c1")
	require.NoError(t, err)
	done := r.Done("c1")
	client.Step <- struct{}{}
	waitDone(t, done)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var taskLines int
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"component":`), line)
		if strings.Contains(line, `"component":"generation"`) {
			taskLines++
		}
	}
	assert.Positive(t, taskLines, "task logged under its own component")
}
