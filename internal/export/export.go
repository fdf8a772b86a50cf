// ABOUTME: Renders conversation snapshots as JSON, Markdown or standalone HTML
// ABOUTME: HTML renders each message's markdown with goldmark; raw HTML in messages is dropped

package export

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/llmconnect/internal/store"
)

//go:embed templates/conversation.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/conversation.html"))

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("unknown export format")

// Format is an export format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ParseFormat accepts json (the default), markdown, md and html.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// ContentType is the HTTP media type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	default:
		return "application/json"
	}
}

// Extension is the file extension of f, without the dot.
func (f Format) Extension() string {
	if f == FormatMarkdown {
		return "md"
	}
	return string(f)
}

// Write renders conv in format f.
func Write(w io.Writer, conv *store.Conversation, f Format) error {
	switch f {
	case FormatJSON:
		return JSON(w, conv)
	case FormatMarkdown:
		return Markdown(w, conv)
	case FormatHTML:
		return HTML(w, conv)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// JSON writes the snapshot as indented JSON.
func JSON(w io.Writer, conv *store.Conversation) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(conv)
}

// Markdown writes a readable transcript. The system prompt is quoted under
// the header.
func Markdown(w io.Writer, conv *store.Conversation) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", conv.Title)
	fmt.Fprintf(&b, "- Provider: %s\n- Model: %s\n- Created: %s\n", conv.Provider, conv.Model, conv.Timestamp.UTC().Format(time.RFC3339))

	for _, m := range conv.Messages {
		if m.Role == store.RoleSystem {
			b.WriteString("\n")
			for _, line := range strings.Split(m.Content, "\n") {
				fmt.Fprintf(&b, "> %s\n", line)
			}
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", roleTitle(m.Role))
		switch m.Status {
		case store.StatusStreaming:
			b.WriteString("_Still generating._\n\n")
		case store.StatusError:
			b.WriteString("_Generation failed._\n\n")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
		for _, f := range m.Files {
			fmt.Fprintf(&b, "\n[%s](%s)\n", f.Name, f.URL)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

type htmlMessage struct {
	Role    string
	Body    template.HTML
	Pending bool
	Failed  bool
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML writes a standalone page.
func HTML(w io.Writer, conv *store.Conversation) error {
	data := struct {
		Title    string
		Provider string
		Model    string
		Created  string
		Messages []htmlMessage
	}{
		Title:    conv.Title,
		Provider: conv.Provider,
		Model:    conv.Model,
		Created:  conv.Timestamp.UTC().Format("2006-01-02 15:04 MST"),
	}

	for _, m := range conv.Messages {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(m.Content), &buf); err != nil {
			return fmt.Errorf("rendering message %s: %w", m.ID, err)
		}
		data.Messages = append(data.Messages, htmlMessage{
			Role:    string(m.Role),
			Body:    template.HTML(buf.String()),
			Pending: m.Status == store.StatusStreaming,
			Failed:  m.Status == store.StatusError,
		})
	}

	return pageTemplate.Execute(w, data)
}

func roleTitle(r store.Role) string {
	s := string(r)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
