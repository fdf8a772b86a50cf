// ABOUTME: SSE endpoints: the per-conversation reply stream and the lifecycle feed
// ABOUTME: Reply streams replay current content on attach so reconnects lose nothing

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/llmconnect/internal/conversation"
	"github.com/2389/llmconnect/internal/relay"
)

// setSSEHeaders prepares w for an event stream.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// heartbeat returns a ticker channel for keepalive comments, or nil when disabled.
func (g *Gateway) heartbeat() (<-chan time.Time, func()) {
	interval := g.config.Stream.HeartbeatInterval
	if interval <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// handleStream handles GET /api/conversations/{id}/stream.
// It follows the latest assistant reply until its done event. A conversation
// with no reply yields a single error event.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events := g.relay.Observe(r.Context(), convID)
	tick, stop := g.heartbeat()
	defer stop()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := g.logger.With("conversation_id", convID)
	logger.Debug("stream attached")

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				logger.Debug("stream finished")
				return
			}
			if err := relay.Write(w, ev); err != nil {
				logger.Debug("stream write failed", "error", err)
				return
			}
			flusher.Flush()

		case <-tick:
			if err := relay.WriteComment(w, "keepalive"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleEvents handles GET /api/events, the lifecycle feed.
// ?conversation_id= narrows the feed to one conversation.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	key := r.URL.Query().Get("conversation_id")
	if key == "" {
		key = conversation.AllConversations
	}

	// Subscribe before the headers go out so no event after the response is missed
	events, subID := g.events.Subscribe(r.Context(), key)
	tick, stop := g.heartbeat()
	defer stop()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.logger.Debug("lifecycle feed attached", "key", key, "sub_id", subID)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, string(ev.Type), ev); err != nil {
				return
			}
			flusher.Flush()

		case <-tick:
			if err := relay.WriteComment(w, "keepalive"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes a single SSE event with JSON data.
func writeSSEEvent(w io.Writer, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	return err
}
