// ABOUTME: Folder management for grouping conversations in the sidebar
// ABOUTME: Deleting a folder moves its conversations back to the unsorted list

package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/llmconnect/internal/store"
)

const defaultFolderIcon = "folder"

// CreateFolder adds a folder at the end of the sort order.
func (s *Store) CreateFolder(ctx context.Context, name string, color *string, icon string) (*store.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: folder name is required", ErrInvalidFolder)
	}
	if icon == "" {
		icon = defaultFolderIcon
	}

	now := s.now()
	s.mu.Lock()
	order := 0
	for _, f := range s.folders {
		order = max(order, f.SortOrder+1)
	}
	f := &store.Folder{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Color:     color,
		Icon:      icon,
		SortOrder: order,
	}
	s.folders[f.ID] = f
	out := *f
	s.mu.Unlock()

	s.persist(ctx)
	s.events.Publish(&Event{Type: EventFoldersChanged, ConversationID: AllConversations})
	return &out, nil
}

// RenameFolder changes a folder's name.
func (s *Store) RenameFolder(ctx context.Context, id, name string) (*store.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: folder name is required", ErrInvalidFolder)
	}

	s.mu.Lock()
	f, ok := s.folders[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	f.Name = name
	f.UpdatedAt = s.now()
	out := *f
	s.mu.Unlock()

	s.persist(ctx)
	s.events.Publish(&Event{Type: EventFoldersChanged, ConversationID: AllConversations})
	return &out, nil
}

// DeleteFolder removes a folder; its conversations become unsorted.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.folders[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	delete(s.folders, id)

	moved := 0
	for _, e := range s.convs {
		e.mu.Lock()
		if e.meta.FolderID != nil && *e.meta.FolderID == id {
			e.meta.FolderID = nil
			moved++
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()

	s.logger.Info("folder deleted", "folder_id", id, "conversations_moved", moved)
	s.persist(ctx)
	s.events.Publish(&Event{Type: EventFoldersChanged, ConversationID: AllConversations})
	return nil
}

// ListFolders returns folders in sort order.
func (s *Store) ListFolders() []store.Folder {
	s.mu.RLock()
	out := make([]store.Folder, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, *f)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.Folder) int {
		if a.SortOrder != b.SortOrder {
			return a.SortOrder - b.SortOrder
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// MoveConversation puts a conversation into a folder, or back to unsorted
// when folderID is nil.
func (s *Store) MoveConversation(ctx context.Context, convID string, folderID *string) error {
	_, err := s.UpdateSettings(ctx, convID, SettingsPatch{MoveFolder: true, Folder: folderID})
	return err
}
