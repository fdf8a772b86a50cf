// ABOUTME: Tests for the DocumentStore backends (SQLite, bbolt, JSON file, mock)
// ABOUTME: Every backend must round-trip the whole document and start empty

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() *Document {
	folderID := "folder-1"
	topK := 40
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	doc := NewDocument()
	doc.Folders[folderID] = &Folder{
		ID:        folderID,
		Name:      "Work",
		CreatedAt: now,
		UpdatedAt: now,
		Icon:      "folder",
	}
	doc.Conversations["conv-1"] = &Conversation{
		ID:    "conv-1",
		Title: "Greeting",
		Messages: []Message{
			{ID: "m0", Role: RoleSystem, Content: "You are a helpful assistant.", Status: StatusNone, CreatedAt: now},
			{ID: "m1", Role: RoleUser, Content: "Hello world", Status: StatusNone, CreatedAt: now},
			{ID: "m2", Role: RoleAssistant, Content: "Hi there!", Status: StatusComplete, CreatedAt: now},
		},
		Timestamp: now,
		UpdatedAt: now,
		Provider:  "groq",
		Model:     "llama-3.1-8b-instant",
		InferenceParameters: InferenceParameters{
			Temperature: 0.5,
			TopP:        0.9,
			TopK:        &topK,
			MaxTokens:   1024,
		},
		FolderID: &folderID,
		IsPinned: true,
	}
	return doc
}

func openBackends(t *testing.T) map[string]DocumentStore {
	t.Helper()
	dir := t.TempDir()

	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	boltStore, err := NewBoltStore(filepath.Join(dir, "state.bolt"))
	require.NoError(t, err)
	fileStore, err := NewFileStore(filepath.Join(dir, "db.json"))
	require.NoError(t, err)

	backends := map[string]DocumentStore{
		DriverSQLite: sqliteStore,
		DriverBolt:   boltStore,
		DriverJSON:   fileStore,
		"mock":       NewMockStore(),
	}
	t.Cleanup(func() {
		for _, b := range backends {
			b.Close()
		}
	})
	return backends
}

func TestDocumentStore_EmptyLoad(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			doc, err := backend.Load(context.Background())
			require.NoError(t, err)
			assert.NotNil(t, doc.Conversations)
			assert.NotNil(t, doc.Folders)
			assert.Empty(t, doc.Conversations)
		})
	}
}

func TestDocumentStore_RoundTrip(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleDocument()

			require.NoError(t, backend.Save(ctx, want))

			got, err := backend.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestDocumentStore_LastWriterWins(t *testing.T) {
	for name, backend := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, backend.Save(ctx, sampleDocument()))

			second := NewDocument()
			second.Conversations["conv-2"] = &Conversation{ID: "conv-2", Title: "Other"}
			require.NoError(t, backend.Save(ctx, second))

			got, err := backend.Load(ctx)
			require.NoError(t, err)
			assert.Len(t, got.Conversations, 1)
			assert.Contains(t, got.Conversations, "conv-2")
			assert.Empty(t, got.Folders)
		})
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, sampleDocument()))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", doc.Conversations["conv-1"].Messages[2].Content)
}

func TestFileStore_LegacyLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	legacy := `{"abc": {"id": "abc", "title": "Old", "messages": [{"role": "system", "content": "hi"}], "provider": "groq", "model": "m"}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s, err := NewFileStore(path)
	require.NoError(t, err)

	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, doc.Conversations, "abc")
	assert.Equal(t, "Old", doc.Conversations["abc"].Title)
	assert.Empty(t, doc.Folders)
}

func TestFileStore_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))

	s, err := NewFileStore(path)
	require.NoError(t, err)

	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Conversations)
}

func TestMockStore_SaveErr(t *testing.T) {
	m := NewMockStore()
	m.SaveErr = errors.New("disk full")

	err := m.Save(context.Background(), sampleDocument())
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, 0, m.Saves())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestConversation_CloneIsDeep(t *testing.T) {
	orig := sampleDocument().Conversations["conv-1"]
	clone := orig.Clone()

	clone.Messages[1].Content = "changed"
	*clone.FolderID = "other"
	*clone.InferenceParameters.TopK = 1

	assert.Equal(t, "Hello world", orig.Messages[1].Content)
	assert.Equal(t, "folder-1", *orig.FolderID)
	assert.Equal(t, 40, *orig.InferenceParameters.TopK)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusNone.Terminal())
	assert.False(t, StatusStreaming.Terminal())
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusError.Terminal())
}
