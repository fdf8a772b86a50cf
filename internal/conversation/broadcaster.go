// ABOUTME: In-memory fan-out of conversation lifecycle notifications for sidebar sync
// ABOUTME: Subscribers follow one conversation or all of them; slow subscribers drop notifications

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/llmconnect/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllConversations subscribes to notifications for every conversation.
	AllConversations = "*"
)

// EventType names a lifecycle notification
type EventType string

const (
	EventConversationCreated   EventType = "conversation_created"
	EventConversationUpdated   EventType = "conversation_updated"
	EventConversationTruncated EventType = "conversation_truncated"
	EventConversationDeleted   EventType = "conversation_deleted"
	EventTurnStarted           EventType = "turn_started"
	EventMessageFinished       EventType = "message_finished"
	EventFoldersChanged        EventType = "folders_changed"
)

// Event is a lifecycle notification. It is a hint that state changed;
// receivers re-read the store for the actual data.
type Event struct {
	ID             string       `json:"id"`
	Type           EventType    `json:"type"`
	ConversationID string       `json:"conversation_id,omitempty"`
	MessageID      string       `json:"message_id,omitempty"`
	Status         store.Status `json:"status,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// EventBroadcaster provides in-memory pub/sub for lifecycle events.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // key -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events of one conversation, or of all of them when
// key is AllConversations. The subscription is removed and its channel closed
// when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, key string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *Event)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish delivers an event to the subscribers of its conversation and to
// AllConversations subscribers. It never blocks.
func (b *EventBroadcaster) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	var targets []chan *Event
	for _, key := range []string{event.ConversationID, AllConversations} {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
		if event.ConversationID == AllConversations {
			break
		}
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", event.ConversationID,
				"type", event.Type)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
