// ABOUTME: ConversationStore owns conversations and messages in memory and persists them wholesale
// ABOUTME: Message lists are mutated under a per-conversation lock; message content is read lock-free

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/llmconnect/internal/store"
)

const (
	// DefaultSystemPrompt seeds every new conversation when none is configured.
	DefaultSystemPrompt = "You are a helpful assistant."

	// DefaultTitle is the title of a conversation that was never renamed.
	DefaultTitle = "Untitled"

	// NewConversationID is the pseudo-id the UI sends to request a fresh conversation.
	NewConversationID = "new"

	persistTimeout = 5 * time.Second

	// interruptedContent replaces the content of messages left streaming by a crash.
	interruptedContent = "generation interrupted"

	deletedContent = "conversation deleted"
)

// ErrorContent is the content of a reply that ended in error: the reason
// alone, or appended to the partial reply received before the failure.
func ErrorContent(partial, reason string) string {
	if partial == "" {
		return "Error: " + reason
	}
	return partial + "\n\n[Error: " + reason + "]"
}

// Options configures a Store.
type Options struct {
	SystemPrompt string
	Provider     string
	Model        string
	Parameters   store.InferenceParameters
	Broadcaster  *EventBroadcaster
	Logger       *slog.Logger
	Now          func() time.Time
}

// Settings are the generation inputs of a conversation, read once when a task starts.
type Settings struct {
	Provider   string
	Model      string
	Parameters store.InferenceParameters
}

// Summary is a list entry for the sidebar. It carries no messages.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	FolderID     *string   `json:"folder_id"`
	IsPinned     bool      `json:"is_pinned"`
	IsArchived   bool      `json:"is_archived"`
	Timestamp    time.Time `json:"timestamp"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Streaming    bool      `json:"streaming"`
}

// entry is the in-memory form of one conversation. meta holds everything
// except the messages; meta.Messages is always nil.
type entry struct {
	mu       sync.Mutex
	meta     store.Conversation
	messages []*Message
	deleted  bool
}

// Store is the ConversationStore. Lock order is s.mu before entry.mu.
type Store struct {
	mu      sync.RWMutex
	convs   map[string]*entry
	folders map[string]*store.Folder

	docs      store.DocumentStore
	persistMu sync.Mutex

	events       *EventBroadcaster
	systemPrompt string
	provider     string
	model        string
	params       store.InferenceParameters
	logger       *slog.Logger
	now          func() time.Time
}

// NewStore loads the saved document and returns a ready Store. Messages
// that were still streaming when the document was saved are marked as errors.
func NewStore(ctx context.Context, docs store.DocumentStore, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.Parameters == (store.InferenceParameters{}) {
		opts.Parameters = store.DefaultInferenceParameters()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewEventBroadcaster(opts.Logger)
	}

	s := &Store{
		convs:        make(map[string]*entry),
		folders:      make(map[string]*store.Folder),
		docs:         docs,
		events:       opts.Broadcaster,
		systemPrompt: opts.SystemPrompt,
		provider:     opts.Provider,
		model:        opts.Model,
		params:       opts.Parameters,
		logger:       opts.Logger.With("component", "conversation_store"),
		now:          opts.Now,
	}

	doc, err := docs.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading conversations: %w", err)
	}

	recovered := 0
	for id, conv := range doc.Conversations {
		e := &entry{meta: *conv}
		e.meta.ID = id
		e.meta.Messages = nil
		for _, m := range conv.Messages {
			status := m.Status
			content := m.Content
			if status == store.StatusStreaming {
				status = store.StatusError
				content = ErrorContent(content, interruptedContent)
				recovered++
			}
			if status == "" {
				status = store.StatusNone
				if m.Role == store.RoleAssistant {
					status = store.StatusComplete
				}
			}
			msgID := m.ID
			if msgID == "" {
				msgID = uuid.New().String()
			}
			e.messages = append(e.messages, newMessage(msgID, m.Role, content, status, m.Files, m.CreatedAt))
		}
		s.convs[id] = e
	}
	for id, f := range doc.Folders {
		folder := *f
		folder.ID = id
		s.folders[id] = &folder
	}

	s.logger.Info("conversations loaded",
		"conversations", len(s.convs),
		"folders", len(s.folders),
		"recovered", recovered)

	if recovered > 0 {
		s.persist(ctx)
	}
	return s, nil
}

// Events returns the lifecycle broadcaster.
func (s *Store) Events() *EventBroadcaster {
	return s.events
}

// lookup returns the entry for id without locking it.
func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.convs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return e, nil
}

// lock returns the locked entry for id. The caller must unlock e.mu.
func (s *Store) lock(id string) (*entry, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return e, nil
}

// snapshotLocked builds the persisted form. The caller holds e.mu.
func (e *entry) snapshotLocked() *store.Conversation {
	c := e.meta.Clone()
	c.Messages = make([]store.Message, len(e.messages))
	for i, m := range e.messages {
		c.Messages[i] = m.Snapshot()
	}
	return c
}

func (e *entry) streamingLocked() *Message {
	for i := len(e.messages) - 1; i >= 0; i-- {
		if isStreaming(e.messages[i].Status()) {
			return e.messages[i]
		}
	}
	return nil
}

func (e *entry) positionLocked(msg *Message) int {
	return slices.Index(e.messages, msg)
}

// persist saves the whole state. Failures are logged; the in-memory state
// stays authoritative and the next mutation retries the save.
func (s *Store) persist(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	doc := store.NewDocument()
	s.mu.RLock()
	for id, e := range s.convs {
		e.mu.Lock()
		if !e.deleted {
			doc.Conversations[id] = e.snapshotLocked()
		}
		e.mu.Unlock()
	}
	for id, f := range s.folders {
		folder := *f
		doc.Folders[id] = &folder
	}
	s.mu.RUnlock()

	// Persistence continues even if the request context is cancelled
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := s.docs.Save(saveCtx, doc); err != nil {
		s.logger.Error("failed to persist conversations",
			"error", err,
			"conversations", len(doc.Conversations))
	}
}

func (s *Store) publish(t EventType, convID string, msg *Message) {
	ev := &Event{Type: t, ConversationID: convID}
	if msg != nil {
		ev.MessageID = msg.ID
		ev.Status = msg.Status()
	}
	s.events.Publish(ev)
}

func (s *Store) newEntry(id, provider, model string, params *store.InferenceParameters) *entry {
	now := s.now()
	if provider == "" {
		provider = s.provider
	}
	if model == "" {
		model = s.model
	}
	p := s.params
	if params != nil {
		p = *params
	}
	e := &entry{
		meta: store.Conversation{
			ID:                  id,
			Title:               DefaultTitle,
			Timestamp:           now,
			UpdatedAt:           now,
			Provider:            provider,
			Model:               model,
			InferenceParameters: p,
		},
	}
	e.messages = []*Message{
		newMessage(uuid.New().String(), store.RoleSystem, s.systemPrompt, store.StatusNone, nil, now),
	}
	return e
}

// CreateConversation creates a conversation seeded with the system message.
// Empty provider, model or nil params fall back to the store defaults.
func (s *Store) CreateConversation(ctx context.Context, id, provider, model string, params *store.InferenceParameters) (*store.Conversation, error) {
	if id == "" {
		return nil, ErrInvalidConversationID
	}

	s.mu.Lock()
	if _, ok := s.convs[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	e := s.newEntry(id, provider, model, params)
	s.convs[id] = e
	s.mu.Unlock()

	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	s.logger.Info("conversation created", "conversation_id", id, "provider", snap.Provider, "model", snap.Model)
	s.persist(ctx)
	s.publish(EventConversationCreated, id, nil)
	return snap, nil
}

// GetOrCreateConversation returns the conversation with id, creating it when
// it does not exist. An empty id or NewConversationID creates a conversation
// with a fresh id.
func (s *Store) GetOrCreateConversation(ctx context.Context, id, provider, model string, params *store.InferenceParameters) (*store.Conversation, bool, error) {
	if id == "" || id == NewConversationID {
		id = uuid.New().String()
	}
	for {
		if snap, err := s.Snapshot(id); err == nil {
			return snap, false, nil
		}
		snap, err := s.CreateConversation(ctx, id, provider, model, params)
		if err == nil {
			return snap, true, nil
		}
		// Lost a race with a concurrent create; read it back.
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, false, err
		}
	}
}

// AppendUserTurn appends a user message and an assistant placeholder in
// status streaming as one step. It fails with ErrGenerationInProgress while
// another placeholder of the conversation is still streaming.
func (s *Store) AppendUserTurn(ctx context.Context, convID, text string, files []store.File) (user, placeholder *Message, err error) {
	e, err := s.lock(convID)
	if err != nil {
		return nil, nil, err
	}
	if active := e.streamingLocked(); active != nil {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: message %s", ErrGenerationInProgress, active.ID)
	}

	now := s.now()
	user = newMessage(uuid.New().String(), store.RoleUser, text, store.StatusNone, files, now)
	placeholder = newMessage(uuid.New().String(), store.RoleAssistant, "", store.StatusStreaming, nil, now)
	e.messages = append(e.messages, user, placeholder)
	e.meta.UpdatedAt = now
	e.mu.Unlock()

	s.logger.Debug("turn started", "conversation_id", convID, "message_id", placeholder.ID)
	s.persist(ctx)
	s.publish(EventTurnStarted, convID, placeholder)
	return user, placeholder, nil
}

// AppendPlaceholder appends a fresh streaming placeholder after a trailing
// user message, for regenerating a reply after an edit.
func (s *Store) AppendPlaceholder(ctx context.Context, convID string) (*Message, error) {
	e, err := s.lock(convID)
	if err != nil {
		return nil, err
	}
	if active := e.streamingLocked(); active != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: message %s", ErrGenerationInProgress, active.ID)
	}
	if len(e.messages) == 0 || e.messages[len(e.messages)-1].Role != store.RoleUser {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoPendingTurn, convID)
	}

	now := s.now()
	placeholder := newMessage(uuid.New().String(), store.RoleAssistant, "", store.StatusStreaming, nil, now)
	e.messages = append(e.messages, placeholder)
	e.meta.UpdatedAt = now
	e.mu.Unlock()

	s.persist(ctx)
	s.publish(EventTurnStarted, convID, placeholder)
	return placeholder, nil
}

// LatestAssistant returns the most recent assistant message in any status.
// Relays follow it so that a late observer still sees the final state.
func (s *Store) LatestAssistant(convID string) (*Message, error) {
	e, err := s.lock(convID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].Role == store.RoleAssistant {
			return e.messages[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoActiveGeneration, convID)
}

// ActivePlaceholder returns the most recent assistant message only if it is
// still streaming.
func (s *Store) ActivePlaceholder(convID string) (*Message, error) {
	msg, err := s.LatestAssistant(convID)
	if err != nil {
		return nil, err
	}
	if !isStreaming(msg.Status()) {
		return nil, fmt.Errorf("%w: latest reply in %s is %s", ErrNoActiveGeneration, convID, msg.Status())
	}
	return msg, nil
}

// SetContent replaces the content of a streaming message. Only the task
// that owns the placeholder may call it.
func (s *Store) SetContent(convID string, msg *Message, text string) error {
	if _, err := s.lookup(convID); err != nil {
		return err
	}
	ok := msg.update(isStreaming, func(string) string { return text }, nil)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageFrozen, msg.ID)
	}
	return nil
}

// SetStatus moves a streaming message to a terminal status and persists.
func (s *Store) SetStatus(ctx context.Context, convID string, msg *Message, status store.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("invalid transition to %q: only complete or error may follow streaming", status)
	}
	e, err := s.lookup(convID)
	if err != nil {
		return err
	}
	ok := msg.update(isStreaming, nil, func(store.Status) store.Status { return status })
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageFrozen, msg.ID)
	}

	e.mu.Lock()
	if e.positionLocked(msg) >= 0 {
		e.meta.UpdatedAt = s.now()
	}
	e.mu.Unlock()

	s.logger.Debug("message finished", "conversation_id", convID, "message_id", msg.ID, "status", status)
	s.persist(ctx)
	s.publish(EventMessageFinished, convID, msg)
	return nil
}

// EditMessage replaces the content of the message at uiIndex and discards
// every message after it. It fails with ErrGenerationInProgress while a
// reply of the conversation is streaming; callers cancel the task first.
func (s *Store) EditMessage(ctx context.Context, convID string, uiIndex int, content string) ([]*Message, error) {
	return s.truncate(ctx, convID, uiIndex, &content)
}

// TruncateAfter keeps the message at uiIndex and discards every message after it.
func (s *Store) TruncateAfter(ctx context.Context, convID string, uiIndex int) ([]*Message, error) {
	return s.truncate(ctx, convID, uiIndex, nil)
}

func (s *Store) truncate(ctx context.Context, convID string, uiIndex int, content *string) ([]*Message, error) {
	e, err := s.lock(convID)
	if err != nil {
		return nil, err
	}
	internal, err := NewIndexer(e.messages).ToInternal(uiIndex)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if active := e.streamingLocked(); active != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: message %s", ErrGenerationInProgress, active.ID)
	}

	target := e.messages[internal]
	if content != nil {
		text := *content
		target.update(nil, func(string) string { return text }, func(st store.Status) store.Status {
			if target.Role == store.RoleAssistant {
				return store.StatusComplete
			}
			return st
		})
	}

	removed := slices.Clone(e.messages[internal+1:])
	e.messages = slices.Clip(e.messages[:internal+1])
	e.meta.UpdatedAt = s.now()
	e.mu.Unlock()

	s.logger.Debug("conversation truncated",
		"conversation_id", convID,
		"ui_index", uiIndex,
		"removed", len(removed))
	s.persist(ctx)
	s.publish(EventConversationTruncated, convID, target)
	return removed, nil
}

// Indexer returns an indexer over the current message list.
func (s *Store) Indexer(convID string) (MessageIndexer, error) {
	e, err := s.lock(convID)
	if err != nil {
		return MessageIndexer{}, err
	}
	defer e.mu.Unlock()
	return NewIndexer(e.messages), nil
}

// ToInternal maps a UI index of the conversation to its internal position.
func (s *Store) ToInternal(convID string, uiIndex int) (int, error) {
	ix, err := s.Indexer(convID)
	if err != nil {
		return 0, err
	}
	return ix.ToInternal(uiIndex)
}

// UIIndex returns the UI index of msg. It fails with ErrMessageNotFound
// when the message was truncated away or the conversation deleted.
func (s *Store) UIIndex(convID string, msg *Message) (int, error) {
	e, err := s.lock(convID)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	pos := e.positionLocked(msg)
	if pos < 0 {
		return 0, fmt.Errorf("%w: %s", ErrMessageNotFound, msg.ID)
	}
	return NewIndexer(e.messages).ToUI(pos)
}

// History returns the ordered messages of the conversation, skipping the
// message with excludeID.
func (s *Store) History(convID, excludeID string) ([]store.Message, error) {
	e, err := s.lock(convID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	out := make([]store.Message, 0, len(e.messages))
	for _, m := range e.messages {
		if m.ID == excludeID {
			continue
		}
		out = append(out, m.Snapshot())
	}
	return out, nil
}

// Settings returns the provider, model and parameters of the conversation.
func (s *Store) Settings(convID string) (Settings, error) {
	e, err := s.lock(convID)
	if err != nil {
		return Settings{}, err
	}
	defer e.mu.Unlock()

	c := e.meta.Clone()
	return Settings{Provider: c.Provider, Model: c.Model, Parameters: c.InferenceParameters}, nil
}

// Snapshot returns a read-only copy of the conversation.
func (s *Store) Snapshot(convID string) (*store.Conversation, error) {
	e, err := s.lock(convID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// List returns summaries sorted pinned first, then most recently updated.
// Archived conversations are included only when includeArchived is set.
func (s *Store) List(includeArchived bool) []Summary {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.convs))
	for _, e := range s.convs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.deleted || (e.meta.IsArchived && !includeArchived) {
			e.mu.Unlock()
			continue
		}
		c := e.meta.Clone()
		sum := Summary{
			ID:           c.ID,
			Title:        c.Title,
			Provider:     c.Provider,
			Model:        c.Model,
			FolderID:     c.FolderID,
			IsPinned:     c.IsPinned,
			IsArchived:   c.IsArchived,
			Timestamp:    c.Timestamp,
			UpdatedAt:    c.UpdatedAt,
			MessageCount: NewIndexer(e.messages).Len(),
			Streaming:    e.streamingLocked() != nil,
		}
		e.mu.Unlock()
		out = append(out, sum)
	}

	slices.SortFunc(out, func(a, b Summary) int {
		if a.IsPinned != b.IsPinned {
			if a.IsPinned {
				return -1
			}
			return 1
		}
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Delete removes the conversation. Callers cancel its task first; writes of
// a task that outlives the conversation fail with ErrConversationNotFound,
// and a reply still streaming is ended as an error so observers finish.
func (s *Store) Delete(ctx context.Context, convID string) error {
	s.mu.Lock()
	e, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, convID)
	}
	delete(s.convs, convID)
	e.mu.Lock()
	e.deleted = true
	streaming := e.streamingLocked()
	e.mu.Unlock()
	s.mu.Unlock()

	if streaming != nil {
		streaming.update(isStreaming,
			func(partial string) string { return ErrorContent(partial, deletedContent) },
			func(store.Status) store.Status { return store.StatusError })
		s.logger.Warn("conversation deleted with a reply still streaming", "conversation_id", convID, "message_id", streaming.ID)
	}

	s.logger.Info("conversation deleted", "conversation_id", convID)
	s.persist(ctx)
	s.publish(EventConversationDeleted, convID, nil)
	return nil
}

// ParametersPatch updates inference parameters; nil fields are unchanged.
type ParametersPatch struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

func (p *ParametersPatch) apply(params *store.InferenceParameters) {
	if p.Temperature != nil {
		params.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		params.TopP = *p.TopP
	}
	if p.TopK != nil {
		k := *p.TopK
		params.TopK = &k
	}
	if p.MaxTokens != nil {
		params.MaxTokens = *p.MaxTokens
	}
	if p.FrequencyPenalty != nil {
		params.FrequencyPenalty = *p.FrequencyPenalty
	}
	if p.PresencePenalty != nil {
		params.PresencePenalty = *p.PresencePenalty
	}
}

// SettingsPatch updates conversation metadata; nil fields are unchanged.
type SettingsPatch struct {
	Title      *string          `json:"title,omitempty"`
	Provider   *string          `json:"provider,omitempty"`
	Model      *string          `json:"model,omitempty"`
	Parameters *ParametersPatch `json:"inference_parameters,omitempty"`
	IsPinned   *bool            `json:"is_pinned,omitempty"`
	IsArchived *bool            `json:"is_archived,omitempty"`

	// MoveFolder applies Folder; a nil Folder moves the conversation back
	// to unsorted.
	MoveFolder bool    `json:"-"`
	Folder     *string `json:"-"`
}

// UpdateSettings applies patch as one change: nothing is applied when the
// conversation or the target folder does not exist. A running generation
// keeps the settings it started with.
func (s *Store) UpdateSettings(ctx context.Context, convID string, patch SettingsPatch) (*store.Conversation, error) {
	s.mu.RLock()
	e, ok := s.convs[convID]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, convID)
	}
	if patch.MoveFolder && patch.Folder != nil {
		if _, ok := s.folders[*patch.Folder]; !ok {
			s.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, *patch.Folder)
		}
	}
	e.mu.Lock()

	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			title = DefaultTitle
		}
		e.meta.Title = title
	}
	if patch.Provider != nil {
		e.meta.Provider = *patch.Provider
	}
	if patch.Model != nil {
		e.meta.Model = *patch.Model
	}
	if patch.Parameters != nil {
		patch.Parameters.apply(&e.meta.InferenceParameters)
	}
	if patch.IsPinned != nil {
		e.meta.IsPinned = *patch.IsPinned
	}
	if patch.IsArchived != nil {
		e.meta.IsArchived = *patch.IsArchived
	}
	if patch.MoveFolder {
		e.meta.FolderID = nil
		if patch.Folder != nil {
			id := *patch.Folder
			e.meta.FolderID = &id
		}
	}
	e.meta.UpdatedAt = s.now()
	snap := e.snapshotLocked()
	e.mu.Unlock()
	s.mu.RUnlock()

	s.persist(ctx)
	s.publish(EventConversationUpdated, convID, nil)
	return snap, nil
}
