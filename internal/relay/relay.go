// ABOUTME: StreamRelay turns a reply's shared state into an ordered token/done event sequence
// ABOUTME: Replays the current content on attach, then follows change notifications until terminal

package relay

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/llmconnect/internal/conversation"
	"github.com/2389/llmconnect/internal/store"
)

// EventType names a relay event.
type EventType string

const (
	EventToken EventType = "token"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one item of a relay's output.
//
// Token events carry the full content so far, never a delta. The done event
// carries the final status (complete or error), the message's UI index, or
// -1 when the message was removed before the relay finished, and the final
// content. Error events are only emitted when no reply can be found.
type Event struct {
	Type           EventType
	Content        string
	Status         store.Status
	ConversationID string
	MessageIndex   int
	Err            string
}

// Source resolves the reply a relay follows.
type Source interface {
	LatestAssistant(convID string) (*conversation.Message, error)
	UIIndex(convID string, msg *conversation.Message) (int, error)
}

// Options configures a Relay.
type Options struct {
	// MinTokenInterval coalesces token events so that at most one is
	// emitted per interval. Zero emits on every change.
	MinTokenInterval time.Duration
	Logger           *slog.Logger
}

// Relay creates observations. It holds no per-observer state.
type Relay struct {
	src         Source
	minInterval time.Duration
	logger      *slog.Logger
}

// New creates a Relay.
func New(src Source, opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		src:         src,
		minInterval: opts.MinTokenInterval,
		logger:      opts.Logger.With("component", "relay"),
	}
}

// Observe follows the latest reply of the conversation. The channel is
// closed after the done or error event, or as soon as ctx is cancelled.
func (r *Relay) Observe(ctx context.Context, convID string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		r.run(ctx, convID, out)
	}()
	return out
}

func (r *Relay) run(ctx context.Context, convID string, out chan<- Event) {
	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	msg, err := r.src.LatestAssistant(convID)
	if err != nil {
		r.logger.Debug("nothing to observe", "conversation_id", convID, "error", err)
		send(Event{Type: EventError, ConversationID: convID, Err: err.Error()})
		return
	}

	var limiter *rate.Limiter
	if r.minInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(r.minInterval), 1)
	}

	var last string
	emitted := false
	for {
		content, status, changed := msg.Observe()
		if status != store.StatusStreaming {
			break
		}
		if content != last {
			if limiter != nil {
				if !waitTurn(ctx, msg, limiter) {
					return
				}
				// Pick up whatever arrived while waiting
				content, status, changed = msg.Observe()
				if status != store.StatusStreaming {
					break
				}
			}
			if !send(Event{Type: EventToken, Content: content, ConversationID: convID}) {
				return
			}
			last, emitted = content, true
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}

	content, status, _ := msg.Observe()
	if !emitted || content != last {
		if !send(Event{Type: EventToken, Content: content, ConversationID: convID}) {
			return
		}
	}

	index, err := r.src.UIIndex(convID, msg)
	if err != nil {
		index = -1
	}
	send(Event{
		Type:           EventDone,
		Content:        content,
		Status:         status,
		ConversationID: convID,
		MessageIndex:   index,
	})
}

// waitTurn blocks until the limiter grants the next token event or the
// message leaves streaming. It returns false if ctx ended first.
func waitTurn(ctx context.Context, msg *conversation.Message, limiter *rate.Limiter) bool {
	delay := limiter.Reserve().Delay()
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		_, status, changed := msg.Observe()
		if status != store.StatusStreaming {
			return true
		}
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		case <-changed:
		}
	}
}
