// ABOUTME: Service orchestrates the conversation store and the generation registry
// ABOUTME: Submit, regenerate, edit and delete go through here so tasks are spawned and cancelled in one place

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/llmconnect/internal/conversation"
	"github.com/2389/llmconnect/internal/generation"
	"github.com/2389/llmconnect/internal/store"
)

// DefaultCancelGrace bounds how long an edit or delete waits for a
// cancelled task to release its provider.
const DefaultCancelGrace = 5 * time.Second

var (
	// ErrEmptyMessage is returned for a turn with neither text nor files.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrDuplicateRequest is returned when an idempotency key was already used.
	ErrDuplicateRequest = errors.New("duplicate request")

	errEdited  = errors.New("message edited")
	errDeleted = errors.New("conversation deleted")
)

// ConversationStore is what the service needs from the conversation layer.
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, id, provider, model string, params *store.InferenceParameters) (*store.Conversation, bool, error)
	AppendUserTurn(ctx context.Context, convID, text string, files []store.File) (user, placeholder *conversation.Message, err error)
	AppendPlaceholder(ctx context.Context, convID string) (*conversation.Message, error)
	SetContent(convID string, msg *conversation.Message, text string) error
	SetStatus(ctx context.Context, convID string, msg *conversation.Message, status store.Status) error
	EditMessage(ctx context.Context, convID string, uiIndex int, content string) ([]*conversation.Message, error)
	ToInternal(convID string, uiIndex int) (int, error)
	UIIndex(convID string, msg *conversation.Message) (int, error)
	Delete(ctx context.Context, convID string) error
}

// Tasks is what the service needs from the generation registry.
type Tasks interface {
	Spawn(convID string) (*conversation.Message, error)
	CancelAndWait(ctx context.Context, convID string, cause error) error
}

// KeyCache claims idempotency keys.
type KeyCache interface {
	CheckAndMark(key string) bool
	Forget(key string)
}

// Options configures a Service.
type Options struct {
	// CancelGrace bounds the wait for a cancelled task; zero uses DefaultCancelGrace.
	CancelGrace time.Duration
	// Keys enables Idempotency-Key handling when set.
	Keys   KeyCache
	Logger *slog.Logger
}

// Service runs turns.
type Service struct {
	store  ConversationStore
	tasks  Tasks
	keys   KeyCache
	grace  time.Duration
	logger *slog.Logger
}

// New creates a Service.
func New(s ConversationStore, tasks Tasks, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	return &Service{
		store:  s,
		tasks:  tasks,
		keys:   opts.Keys,
		grace:  opts.CancelGrace,
		logger: opts.Logger.With("component", "chat"),
	}
}

// TurnRequest is one user submission.
type TurnRequest struct {
	// ConversationID may be empty or "new" to start a conversation; any
	// other id must name an existing conversation.
	ConversationID string
	Text           string
	Files          []store.File

	// Provider, Model and Parameters only apply when a conversation is created.
	Provider   string
	Model      string
	Parameters *store.InferenceParameters

	IdempotencyKey string
}

// TurnResult locates the messages a submission created.
type TurnResult struct {
	ConversationID string `json:"conversation_id"`
	Created        bool   `json:"created"`
	UserIndex      int    `json:"user_index"`
	AssistantIndex int    `json:"assistant_index"`
	MessageID      string `json:"message_id"`
}

// SubmitTurn records the user message and its placeholder, then starts the
// task that fills the placeholder. The reply is observed through a relay.
func (s *Service) SubmitTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Files) == 0 {
		return nil, ErrEmptyMessage
	}

	var claimed string
	if req.IdempotencyKey != "" && s.keys != nil {
		claimed = req.ConversationID + "\x00" + req.IdempotencyKey
		if s.keys.CheckAndMark(claimed) {
			return nil, fmt.Errorf("%w: idempotency key %q", ErrDuplicateRequest, req.IdempotencyKey)
		}
	}

	res, err := s.submit(ctx, req)
	if err != nil && claimed != "" {
		s.keys.Forget(claimed)
	}
	return res, err
}

func (s *Service) submit(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	convID := req.ConversationID
	created := false
	if convID == "" || convID == conversation.NewConversationID {
		conv, ok, err := s.store.GetOrCreateConversation(ctx, convID, req.Provider, req.Model, req.Parameters)
		if err != nil {
			return nil, err
		}
		convID, created = conv.ID, ok
	}

	user, ph, err := s.store.AppendUserTurn(ctx, convID, req.Text, req.Files)
	if err != nil {
		return nil, err
	}

	res, err := s.result(convID, user, ph)
	if err != nil {
		return nil, err
	}
	res.Created = created

	s.start(ctx, convID, ph)
	s.logger.Info("turn submitted",
		"conversation_id", convID,
		"message_id", ph.ID,
		"assistant_index", res.AssistantIndex)
	return res, nil
}

// Regenerate starts a new reply after a trailing user message, typically
// after that message was edited.
func (s *Service) Regenerate(ctx context.Context, convID string) (*TurnResult, error) {
	ph, err := s.store.AppendPlaceholder(ctx, convID)
	if err != nil {
		return nil, err
	}
	res, err := s.result(convID, nil, ph)
	if err != nil {
		return nil, err
	}
	s.start(ctx, convID, ph)
	s.logger.Info("regenerating reply", "conversation_id", convID, "message_id", ph.ID)
	return res, nil
}

// EditResult describes an applied edit.
type EditResult struct {
	ConversationID string `json:"conversation_id"`
	Removed        int    `json:"removed"`
	// Regenerated is set when the edit started a new reply.
	Regenerated *TurnResult `json:"regenerated,omitempty"`
}

// EditMessage replaces the content of the message at uiIndex and discards
// everything after it. A running generation is cancelled and awaited first,
// but only once the index is known to be valid. With regenerate set, an
// edited user message gets a fresh reply.
func (s *Service) EditMessage(ctx context.Context, convID string, uiIndex int, content string, regenerate bool) (*EditResult, error) {
	if _, err := s.store.ToInternal(convID, uiIndex); err != nil {
		return nil, err
	}
	if err := s.cancel(ctx, convID, errEdited); err != nil {
		return nil, err
	}

	removed, err := s.store.EditMessage(ctx, convID, uiIndex, content)
	if err != nil {
		return nil, err
	}
	s.logger.Info("message edited",
		"conversation_id", convID,
		"ui_index", uiIndex,
		"removed", len(removed))

	res := &EditResult{ConversationID: convID, Removed: len(removed)}
	if !regenerate {
		return res, nil
	}
	turn, err := s.Regenerate(ctx, convID)
	switch {
	case errors.Is(err, conversation.ErrNoPendingTurn):
		// Edited an assistant message; nothing to regenerate.
	case err != nil:
		return nil, err
	default:
		res.Regenerated = turn
	}
	return res, nil
}

// Delete cancels the conversation's task and removes the conversation.
func (s *Service) Delete(ctx context.Context, convID string) error {
	if err := s.cancel(ctx, convID, errDeleted); err != nil {
		// The task can no longer write into a deleted conversation.
		s.logger.Warn("deleting conversation with a task still running", "conversation_id", convID, "error", err)
	}
	return s.store.Delete(ctx, convID)
}

func (s *Service) cancel(ctx context.Context, convID string, cause error) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()
	return s.tasks.CancelAndWait(waitCtx, convID, cause)
}

// start spawns the placeholder's task. A placeholder that cannot get a task
// is failed at once so that the conversation is not left streaming.
func (s *Service) start(ctx context.Context, convID string, ph *conversation.Message) {
	if _, err := s.tasks.Spawn(convID); err != nil {
		s.logger.Error("failed to start generation", "conversation_id", convID, "message_id", ph.ID, "error", err)
		if err := s.store.SetContent(convID, ph, "Error: "+spawnFailure(err)); err != nil {
			return
		}
		if err := s.store.SetStatus(context.WithoutCancel(ctx), convID, ph, store.StatusError); err != nil {
			s.logger.Warn("failed to mark placeholder", "conversation_id", convID, "error", err)
		}
	}
}

func spawnFailure(err error) string {
	if errors.Is(err, generation.ErrShuttingDown) {
		return "server shutting down"
	}
	return err.Error()
}

func (s *Service) result(convID string, user, ph *conversation.Message) (*TurnResult, error) {
	res := &TurnResult{ConversationID: convID, UserIndex: -1, MessageID: ph.ID}
	var err error
	if user != nil {
		if res.UserIndex, err = s.store.UIIndex(convID, user); err != nil {
			return nil, err
		}
	}
	if res.AssistantIndex, err = s.store.UIIndex(convID, ph); err != nil {
		return nil, err
	}
	return res, nil
}
