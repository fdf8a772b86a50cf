// ABOUTME: Tests for the lock-free Message cell
// ABOUTME: Readers racing a writer only ever see complete, growing content

package conversation

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/llmconnect/internal/store"
)

func TestMessage_UpdateRespectsAllow(t *testing.T) {
	m := newMessage("m", store.RoleAssistant, "", store.StatusComplete, nil, time.Now())

	ok := m.update(isStreaming, func(string) string { return "nope" }, nil)
	assert.False(t, ok)
	assert.Equal(t, "", m.Content())
}

func TestMessage_ObserveChannelClosesOncePerVersion(t *testing.T) {
	m := newMessage("m", store.RoleAssistant, "", store.StatusStreaming, nil, time.Now())

	_, _, first := m.Observe()
	m.update(nil, func(string) string { return "a" }, nil)
	_, _, second := m.Observe()

	select {
	case <-first:
	default:
		t.Fatal("first version channel should be closed")
	}
	select {
	case <-second:
		t.Fatal("current version channel should be open")
	default:
	}
}

func TestMessage_ConcurrentReadersSeeConsistentPrefixes(t *testing.T) {
	m := newMessage("m", store.RoleAssistant, "", store.StatusStreaming, nil, time.Now())
	const final = "the quick brown fox jumps over the lazy dog"

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			last := ""
			for {
				content, status, changed := m.Observe()
				assert.True(t, strings.HasPrefix(final, content), "torn or foreign content %q", content)
				assert.GreaterOrEqual(t, len(content), len(last))
				last = content
				if status != store.StatusStreaming {
					assert.Equal(t, final, content)
					return
				}
				<-changed
			}
		})
	}

	for i := 1; i <= len(final); i++ {
		text := final[:i]
		m.update(isStreaming, func(string) string { return text }, nil)
	}
	m.update(isStreaming, nil, func(store.Status) store.Status { return store.StatusComplete })

	wg.Wait()
}

func TestMessage_SnapshotCopiesFiles(t *testing.T) {
	files := []store.File{{Name: "a.txt"}}
	m := newMessage("m", store.RoleUser, "hi", store.StatusNone, files, time.Now())

	snap := m.Snapshot()
	snap.Files[0].Name = "changed"
	assert.Equal(t, "a.txt", m.Files[0].Name)
}
