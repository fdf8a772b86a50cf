// ABOUTME: Server-sent events encoding of relay events
// ABOUTME: token carries a JSON string, done a JSON object, error plain text

package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/2389/llmconnect/internal/store"
)

// Wire values of done.status.
const (
	WireStatusDone  = "done"
	WireStatusError = "error"
)

// DonePayload is the data of a done event.
type DonePayload struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
	MessageIndex   int    `json:"message_index"`
	Content        string `json:"content"`
}

// WireStatus maps a terminal message status to its done.status value.
func WireStatus(s store.Status) string {
	if s == store.StatusComplete {
		return WireStatusDone
	}
	return WireStatusError
}

// Encode renders ev as one SSE frame.
func Encode(ev Event) (string, error) {
	switch ev.Type {
	case EventToken:
		data, err := json.Marshal(ev.Content)
		if err != nil {
			return "", err
		}
		return formatSSEEvent(string(EventToken), string(data)), nil
	case EventDone:
		data, err := json.Marshal(DonePayload{
			Status:         WireStatus(ev.Status),
			ConversationID: ev.ConversationID,
			MessageIndex:   ev.MessageIndex,
			Content:        ev.Content,
		})
		if err != nil {
			return "", err
		}
		return formatSSEEvent(string(EventDone), string(data)), nil
	case EventError:
		return formatSSEEvent(string(EventError), ev.Err), nil
	default:
		return "", fmt.Errorf("unknown relay event type %q", ev.Type)
	}
}

// Write encodes ev to w.
func Write(w io.Writer, ev Event) error {
	frame, err := Encode(ev)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, frame)
	return err
}

// WriteComment writes an SSE comment line, used as a keepalive.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// formatSSEEvent formats a Server-Sent Event. Multi-line data is split
// across data lines so the frame stays well formed.
func formatSSEEvent(eventType, data string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", eventType)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}
