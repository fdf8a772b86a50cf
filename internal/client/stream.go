// ABOUTME: Reply stream reader that decodes SSE frames back into relay events
// ABOUTME: Keepalive comments are skipped; the stream ends after done or error

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/llmconnect/internal/relay"
	"github.com/2389/llmconnect/internal/store"
)

// Stream follows the latest reply of the conversation and calls fn for each
// event. It returns nil after the done event, or the first error from fn.
func (c *Client) Stream(ctx context.Context, convID string, fn func(relay.Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(convID)+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	return readEvents(resp.Body, convID, fn)
}

// readEvents parses an SSE body. A body that ends before done is an error.
func readEvents(body io.Reader, convID string, fn func(relay.Event) error) error {
	reader := bufio.NewReader(body)

	var eventType string
	var dataLines []string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("stream ended before done: %w", io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("reading stream: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")

		// Empty line signals end of event
		if line == "" {
			if eventType == "" {
				continue
			}
			ev, known, err := decodeEvent(eventType, strings.Join(dataLines, "\n"), convID)
			eventType, dataLines = "", nil
			if err != nil {
				return err
			}
			if !known {
				continue
			}
			if err := fn(ev); err != nil {
				return err
			}
			if ev.Type != relay.EventToken {
				return nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// decodeEvent converts one frame. Unknown event types are reported as not
// known so newer servers can add events.
func decodeEvent(eventType, data, convID string) (relay.Event, bool, error) {
	switch relay.EventType(eventType) {
	case relay.EventToken:
		var content string
		if err := json.Unmarshal([]byte(data), &content); err != nil {
			return relay.Event{}, false, fmt.Errorf("parsing token event: %w", err)
		}
		return relay.Event{Type: relay.EventToken, Content: content, ConversationID: convID}, true, nil

	case relay.EventDone:
		var done relay.DonePayload
		if err := json.Unmarshal([]byte(data), &done); err != nil {
			return relay.Event{}, false, fmt.Errorf("parsing done event: %w", err)
		}
		status := store.StatusError
		if done.Status == relay.WireStatusDone {
			status = store.StatusComplete
		}
		return relay.Event{
			Type:           relay.EventDone,
			Content:        done.Content,
			Status:         status,
			ConversationID: done.ConversationID,
			MessageIndex:   done.MessageIndex,
		}, true, nil

	case relay.EventError:
		return relay.Event{Type: relay.EventError, ConversationID: convID, Err: data}, true, nil

	default:
		return relay.Event{}, false, nil
	}
}
