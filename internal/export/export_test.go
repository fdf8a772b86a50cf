// ABOUTME: Tests for conversation export formats
// ABOUTME: Checks transcript structure, markdown rendering and HTML escaping

package export

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/llmconnect/internal/store"
)

func sampleConversation() *store.Conversation {
	created := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	return &store.Conversation{
		ID:        "c1",
		Title:     "Go questions",
		Timestamp: created,
		UpdatedAt: created,
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		Messages: []store.Message{
			{ID: "m0", Role: store.RoleSystem, Content: "You are a helpful assistant."},
			{ID: "m1", Role: store.RoleUser, Content: "What is a **goroutine**?"},
			{ID: "m2", Role: store.RoleAssistant, Content: "A lightweight thread.\n\n```go\ngo f()\n```", Status: store.StatusComplete},
			{ID: "m3", Role: store.RoleUser, Content: "And a channel?", Files: []store.File{{Name: "notes.txt", URL: "/files/notes.txt"}}},
			{ID: "m4", Role: store.RoleAssistant, Content: "Error: rate limited", Status: store.StatusError},
		},
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"":         FormatJSON,
		"json":     FormatJSON,
		"Markdown": FormatMarkdown,
		"md":       FormatMarkdown,
		" html ":   FormatHTML,
	}
	for in, want := range cases {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("pdf")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestFormat_ContentTypeAndExtension(t *testing.T) {
	assert.Equal(t, "application/json", FormatJSON.ContentType())
	assert.Equal(t, "md", FormatMarkdown.Extension())
	assert.Equal(t, "html", FormatHTML.Extension())
	assert.Contains(t, FormatHTML.ContentType(), "text/html")
}

func TestJSON_UsesPersistedKeys(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleConversation(), FormatJSON))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	assert.Equal(t, "c1", raw["id"])
	assert.Equal(t, "Go questions", raw["title"])
	assert.Len(t, raw["messages"], 5)
}

func TestMarkdown_Transcript(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Markdown(&buf, sampleConversation()))
	out := buf.String()

	assert.Contains(t, out, "# Go questions\n")
	assert.Contains(t, out, "- Model: gpt-4o-mini\n")
	assert.Contains(t, out, "- Created: 2026-03-14T15:09:26Z\n")
	assert.Contains(t, out, "> You are a helpful assistant.\n")
	assert.Contains(t, out, "## User\n\nWhat is a **goroutine**?\n")
	assert.Contains(t, out, "## Assistant\n\nA lightweight thread.")
	assert.Contains(t, out, "[notes.txt](/files/notes.txt)")
	assert.Contains(t, out, "_Generation failed._\n\nError: rate limited")
	assert.NotContains(t, out, "## System")
}

func TestHTML_RendersMarkdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, HTML(&buf, sampleConversation()))
	out := buf.String()

	assert.Contains(t, out, "<title>Go questions</title>")
	assert.Contains(t, out, "<strong>goroutine</strong>")
	assert.Contains(t, out, `<code class="language-go">`)
	assert.Contains(t, out, `class="message assistant error"`)
}

func TestHTML_EscapesUntrustedText(t *testing.T) {
	conv := sampleConversation()
	conv.Title = "<script>alert(1)</script>"
	conv.Messages = append(conv.Messages, store.Message{
		ID:      "m5",
		Role:    store.RoleUser,
		Content: "<img src=x onerror=alert(1)>",
	})

	var buf bytes.Buffer
	require.NoError(t, HTML(&buf, conv))
	out := buf.String()

	assert.NotContains(t, out, "<script>alert(1)</script>")
	assert.Contains(t, out, "&lt;script&gt;")
	assert.NotContains(t, out, "<img src=x")
}

func TestHTML_MarksPendingReply(t *testing.T) {
	conv := sampleConversation()
	conv.Messages[4].Status = store.StatusStreaming

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, conv, FormatHTML))
	assert.Contains(t, buf.String(), "assistant (generating)")
}

func TestWrite_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, sampleConversation(), Format("pdf"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
