// ABOUTME: Task registry that owns every running GenerationTask, keyed by conversation
// ABOUTME: Deletion and edits cancel through here and wait for the task to release its provider

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/llmconnect/internal/conversation"
)

var (
	// ErrTaskRunning is returned by Spawn when the conversation already has a task
	ErrTaskRunning = errors.New("generation task already running")

	// ErrShuttingDown is returned by Spawn after Shutdown started
	ErrShuttingDown = errors.New("generation registry shutting down")
)

// Options configures a Registry.
type Options struct {
	// Timeout bounds each task; zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
}

type handle struct {
	msg    *conversation.Message
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Registry spawns tasks and tracks them until they finish.
type Registry struct {
	store      ConversationStore
	providers  Opener
	timeout    time.Duration
	logger     *slog.Logger
	taskLogger *slog.Logger // untagged; tasks add their own component

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	tasks   map[string]*handle // conversation ID -> running task
	closed  bool
	running sync.WaitGroup
}

// NewRegistry creates a registry.
func NewRegistry(s ConversationStore, providers Opener, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Registry{
		store:      s,
		providers:  providers,
		timeout:    opts.Timeout,
		logger:     opts.Logger.With("component", "generation_registry"),
		taskLogger: opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*handle),
	}
}

// Spawn starts the task for the conversation's streaming placeholder and
// returns that placeholder. At most one task runs per conversation, and a
// placeholder gets exactly one task: once it leaves streaming it can never
// be resolved again.
func (r *Registry) Spawn(convID string) (*conversation.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShuttingDown
	}
	// A task whose placeholder is already terminal is only releasing its provider
	if h, ok := r.tasks[convID]; ok && !h.msg.Status().Terminal() {
		return nil, fmt.Errorf("%w: conversation %s message %s", ErrTaskRunning, convID, h.msg.ID)
	}
	msg, err := r.store.ActivePlaceholder(convID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(r.ctx)
	h := &handle{msg: msg, cancel: cancel, done: make(chan struct{})}
	r.tasks[convID] = h
	r.running.Add(1)

	task := NewTask(convID, msg, r.store, r.providers, r.timeout, r.taskLogger)
	go func() {
		defer r.running.Done()
		defer cancel(nil)

		status := task.Run(ctx)

		r.mu.Lock()
		if r.tasks[convID] == h {
			delete(r.tasks, convID)
		}
		r.mu.Unlock()
		r.logger.Debug("task finished", "conversation_id", convID, "message_id", msg.ID, "status", status)
		close(h.done)
	}()

	r.logger.Debug("task spawned", "conversation_id", convID, "message_id", msg.ID)
	return msg, nil
}

// Active reports whether the conversation has a running task.
func (r *Registry) Active(convID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[convID]
	return ok
}

// Done returns a channel closed when the conversation's current task
// finishes, or nil if none is running.
func (r *Registry) Done(convID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.tasks[convID]; ok {
		return h.done
	}
	return nil
}

// CancelAndWait cancels the conversation's task and waits until it has
// finalized its placeholder and released its provider. It returns nil when
// no task is running.
func (r *Registry) CancelAndWait(ctx context.Context, convID string, cause error) error {
	r.mu.Lock()
	h, ok := r.tasks[convID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.logger.Debug("cancelling task", "conversation_id", convID, "message_id", h.msg.ID, "cause", cause)
	h.cancel(cause)

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for generation in %s: %w", convID, ctx.Err())
	}
}

// Shutdown cancels every task and waits for them to finish or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	n := len(r.tasks)
	r.mu.Unlock()

	r.logger.Info("stopping generation tasks", "running", n)
	r.cancel(errors.New("server shutting down"))

	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
