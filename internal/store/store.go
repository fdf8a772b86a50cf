// ABOUTME: Persisted data model and the DocumentStore interface for llmconnect
// ABOUTME: Conversations and folders are saved as one whole document, last writer wins

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a backend holds no saved document yet
var ErrNotFound = errors.New("not found")

// ErrUnknownDriver is returned by Open for an unrecognized database driver
var ErrUnknownDriver = errors.New("unknown database driver")

// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the generation status of a message.
// Non-assistant messages are always StatusNone.
type Status string

const (
	StatusNone      Status = "none"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Terminal reports whether no further generation writes are allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// InferenceParameters are the sampling settings passed to the completion provider
type InferenceParameters struct {
	Temperature      float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP             float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	TopK             *int    `json:"top_k" yaml:"top_k" toml:"top_k"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	FrequencyPenalty float64 `json:"frequency_penalty" yaml:"frequency_penalty" toml:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty" yaml:"presence_penalty" toml:"presence_penalty"`
}

// DefaultInferenceParameters returns the parameters new conversations start with.
func DefaultInferenceParameters() InferenceParameters {
	return InferenceParameters{
		Temperature: 0.7,
		TopP:        0.95,
		MaxTokens:   4096,
	}
}

// File is an opaque attachment descriptor carried on a message
type File struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Message is one persisted entry of a conversation
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Status    Status    `json:"status,omitempty"`
	Files     []File    `json:"files,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the persisted form of a chat, also used as the read-only snapshot type
type Conversation struct {
	ID                  string              `json:"id"`
	Title               string              `json:"title"`
	Messages            []Message           `json:"messages"`
	Timestamp           time.Time           `json:"timestamp"`
	UpdatedAt           time.Time           `json:"updated_at"`
	Provider            string              `json:"provider"`
	Model               string              `json:"model"`
	InferenceParameters InferenceParameters `json:"inference_parameters"`
	FolderID            *string             `json:"folder_id"`
	IsPinned            bool                `json:"is_pinned"`
	IsArchived          bool                `json:"is_archived"`
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	out := *c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			if m.Files != nil {
				m.Files = append([]File(nil), m.Files...)
			}
			out.Messages[i] = m
		}
	}
	if c.FolderID != nil {
		id := *c.FolderID
		out.FolderID = &id
	}
	if c.InferenceParameters.TopK != nil {
		k := *c.InferenceParameters.TopK
		out.InferenceParameters.TopK = &k
	}
	return &out
}

// Folder groups conversations in the sidebar
type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Color     *string   `json:"color"`
	Icon      string    `json:"icon"`
	SortOrder int       `json:"sort_order"`
}

// Document is the whole persisted state. The JSON keys match the db.json layout
// of earlier releases so existing files keep loading.
type Document struct {
	Conversations map[string]*Conversation `json:"chats"`
	Folders       map[string]*Folder       `json:"folders"`
}

// NewDocument returns an empty document with initialized maps.
func NewDocument() *Document {
	return &Document{
		Conversations: make(map[string]*Conversation),
		Folders:       make(map[string]*Folder),
	}
}

// normalize fills nil maps after decoding.
func (d *Document) normalize() *Document {
	if d.Conversations == nil {
		d.Conversations = make(map[string]*Conversation)
	}
	if d.Folders == nil {
		d.Folders = make(map[string]*Folder)
	}
	return d
}

// DocumentStore persists the whole state as a single document.
// Backends only guarantee last-writer-wins durability of the full document.
type DocumentStore interface {
	// Load returns the saved document, or an empty one if nothing was saved yet.
	Load(ctx context.Context) (*Document, error)

	// Save replaces the saved document.
	Save(ctx context.Context, doc *Document) error

	// Close releases any resources held by the store
	Close() error
}

// Driver names accepted by Open
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverJSON   = "json"
)

// Open creates the DocumentStore for the given driver at path.
func Open(driver, path string) (DocumentStore, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(path)
	case DriverBolt:
		return NewBoltStore(path)
	case DriverJSON:
		return NewFileStore(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
