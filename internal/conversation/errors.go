// ABOUTME: Error taxonomy for conversation store operations
// ABOUTME: Callers match these with errors.Is; the gateway maps them to HTTP statuses

package conversation

import "errors"

var (
	// ErrConversationNotFound is returned when no conversation has the given ID
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidConversationID is returned when creating a conversation without an ID
	ErrInvalidConversationID = errors.New("invalid conversation id")

	// ErrAlreadyExists is returned when creating a conversation whose ID is taken
	ErrAlreadyExists = errors.New("conversation already exists")

	// ErrNoActiveGeneration is returned when there is no assistant message to follow
	ErrNoActiveGeneration = errors.New("no active generation")

	// ErrInvalidIndex is returned when a UI index does not map to a visible message
	ErrInvalidIndex = errors.New("invalid message index")

	// ErrGenerationInProgress is returned when an operation would disturb a streaming message
	ErrGenerationInProgress = errors.New("generation in progress")

	// ErrNoPendingTurn is returned by AppendPlaceholder when the last message is not a user message
	ErrNoPendingTurn = errors.New("no user message awaiting a reply")

	// ErrMessageFrozen is returned when writing generation output to a message that is not streaming
	ErrMessageFrozen = errors.New("message is not streaming")

	// ErrMessageNotFound is returned when a message reference is no longer part of its conversation
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidFolder is returned when folder input is rejected
	ErrInvalidFolder = errors.New("invalid folder")

	// ErrFolderNotFound is returned when no folder has the given ID
	ErrFolderNotFound = errors.New("folder not found")
)
