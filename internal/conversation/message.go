// ABOUTME: Live message cell shared between one generation writer and many readers
// ABOUTME: Content and status are published together as an immutable state behind an atomic pointer

package conversation

import (
	"sync/atomic"
	"time"

	"github.com/2389/llmconnect/internal/store"
)

// messageState is one published version of a message's mutable fields.
// It is never modified after publication; changed is closed when a newer
// state replaces it.
type messageState struct {
	content string
	status  store.Status
	changed chan struct{}
}

// Message is a conversation entry. Identity fields are immutable; content and
// status are read lock-free and always observed as a consistent pair.
type Message struct {
	ID        string
	Role      store.Role
	Files     []store.File
	CreatedAt time.Time

	state atomic.Pointer[messageState]
}

func newMessage(id string, role store.Role, content string, status store.Status, files []store.File, createdAt time.Time) *Message {
	m := &Message{
		ID:        id,
		Role:      role,
		Files:     files,
		CreatedAt: createdAt,
	}
	m.state.Store(&messageState{
		content: content,
		status:  status,
		changed: make(chan struct{}),
	})
	return m
}

// Content returns the current content.
func (m *Message) Content() string {
	return m.state.Load().content
}

// Status returns the current status.
func (m *Message) Status() store.Status {
	return m.state.Load().status
}

// Observe returns the current content and status together with a channel
// that is closed as soon as either changes. Reading the state and obtaining
// the channel is a single atomic step, so an observer that waits on changed
// after handling content cannot miss an update.
func (m *Message) Observe() (content string, status store.Status, changed <-chan struct{}) {
	s := m.state.Load()
	return s.content, s.status, s.changed
}

// Snapshot returns the persisted form of the message.
func (m *Message) Snapshot() store.Message {
	s := m.state.Load()
	var files []store.File
	if m.Files != nil {
		files = append([]store.File(nil), m.Files...)
	}
	return store.Message{
		ID:        m.ID,
		Role:      m.Role,
		Content:   s.content,
		Status:    s.status,
		Files:     files,
		CreatedAt: m.CreatedAt,
	}
}

// update publishes a new state derived from the current one. If allow
// rejects the current status the state is left untouched and false is
// returned.
func (m *Message) update(allow func(store.Status) bool, content func(string) string, status func(store.Status) store.Status) bool {
	for {
		cur := m.state.Load()
		if allow != nil && !allow(cur.status) {
			return false
		}
		next := &messageState{
			content: cur.content,
			status:  cur.status,
			changed: make(chan struct{}),
		}
		if content != nil {
			next.content = content(cur.content)
		}
		if status != nil {
			next.status = status(cur.status)
		}
		if m.state.CompareAndSwap(cur, next) {
			close(cur.changed)
			return true
		}
	}
}

func isStreaming(s store.Status) bool {
	return s == store.StatusStreaming
}
