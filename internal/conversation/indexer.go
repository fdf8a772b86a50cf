// ABOUTME: MessageIndexer maps UI-visible message positions to internal storage positions
// ABOUTME: The leading system message is hidden from the UI; indexers are rebuilt after every mutation

package conversation

import (
	"fmt"

	"github.com/2389/llmconnect/internal/store"
)

// MessageIndexer is a point-in-time view of a conversation's message list.
// It must not be kept across mutations of that list.
type MessageIndexer struct {
	length int
	offset int
}

// NewIndexer builds an indexer over the given internal message list.
func NewIndexer(messages []*Message) MessageIndexer {
	ix := MessageIndexer{length: len(messages)}
	if len(messages) > 0 && messages[0].Role == store.RoleSystem {
		ix.offset = 1
	}
	return ix
}

// Len returns the number of UI-visible messages.
func (ix MessageIndexer) Len() int {
	return ix.length - ix.offset
}

// ToInternal maps a UI index to its internal position.
func (ix MessageIndexer) ToInternal(uiIndex int) (int, error) {
	internal := uiIndex + ix.offset
	if uiIndex < 0 || internal >= ix.length {
		return 0, fmt.Errorf("%w: %d (visible messages: %d)", ErrInvalidIndex, uiIndex, ix.Len())
	}
	return internal, nil
}

// ToUI maps an internal position to its UI index. The system message has no UI index.
func (ix MessageIndexer) ToUI(internal int) (int, error) {
	if internal < ix.offset || internal >= ix.length {
		return 0, fmt.Errorf("%w: internal position %d", ErrInvalidIndex, internal)
	}
	return internal - ix.offset, nil
}
