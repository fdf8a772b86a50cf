// ABOUTME: HTTP API handlers for conversations, turns, edits and export
// ABOUTME: Maps domain sentinel errors to status codes with a JSON error body

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/2389/llmconnect/internal/chat"
	"github.com/2389/llmconnect/internal/conversation"
	"github.com/2389/llmconnect/internal/export"
	"github.com/2389/llmconnect/internal/generation"
	"github.com/2389/llmconnect/internal/provider"
	"github.com/2389/llmconnect/internal/store"
)

// maxRequestBodySize bounds JSON request bodies.
const maxRequestBodySize = 1 << 20

// IdempotencyKeyHeader carries a client-chosen key that makes a turn submission safe to retry.
const IdempotencyKeyHeader = "Idempotency-Key"

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	ID         string                     `json:"id,omitempty"`
	Provider   string                     `json:"provider,omitempty"`
	Model      string                     `json:"model,omitempty"`
	Parameters *store.InferenceParameters `json:"inference_parameters,omitempty"`
}

// UpdateConversationRequest is the JSON request body for PATCH /api/conversations/{id}.
// A folder_id of null moves the conversation out of its folder.
type UpdateConversationRequest struct {
	conversation.SettingsPatch
	FolderID json.RawMessage `json:"folder_id,omitempty"`
}

// SubmitTurnRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SubmitTurnRequest struct {
	Message    string                     `json:"message"`
	Files      []store.File               `json:"files,omitempty"`
	Provider   string                     `json:"provider,omitempty"`
	Model      string                     `json:"model,omitempty"`
	Parameters *store.InferenceParameters `json:"inference_parameters,omitempty"`
}

// EditMessageRequest is the JSON request body for PUT /api/conversations/{id}/messages/{index}.
type EditMessageRequest struct {
	Content    string `json:"content"`
	Regenerate bool   `json:"regenerate,omitempty"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []conversation.Summary `json:"conversations"`
}

// handleListConversations handles GET /api/conversations.
// Archived conversations are included with ?archived=true.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))
	g.writeJSON(w, http.StatusOK, ListConversationsResponse{
		Conversations: g.conversations.List(includeArchived),
	})
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		conv *store.Conversation
		err  error
	)
	if req.ID == "" || req.ID == conversation.NewConversationID {
		conv, _, err = g.conversations.GetOrCreateConversation(r.Context(), "", req.Provider, req.Model, req.Parameters)
	} else {
		conv, err = g.conversations.CreateConversation(r.Context(), req.ID, req.Provider, req.Model, req.Parameters)
	}
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, conv)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversations.Snapshot(r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

// handleUpdateConversation handles PATCH /api/conversations/{id}.
func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req UpdateConversationRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.FolderID != nil {
		var folderID *string
		if err := json.Unmarshal(req.FolderID, &folderID); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "folder_id must be a string or null")
			return
		}
		req.MoveFolder = true
		req.Folder = folderID
	}

	conv, err := g.conversations.UpdateSettings(r.Context(), id, req.SettingsPatch)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := g.chat.Delete(r.Context(), r.PathValue("id")); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmitTurn handles POST /api/conversations/{id}/messages.
// The reply is produced in the background; clients attach to /stream.
func (g *Gateway) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}

	var req SubmitTurnRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.chat.SubmitTurn(r.Context(), chat.TurnRequest{
		ConversationID: r.PathValue("id"),
		Text:           req.Message,
		Files:          req.Files,
		Provider:       req.Provider,
		Model:          req.Model,
		Parameters:     req.Parameters,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, result)
}

// handleEditMessage handles PUT /api/conversations/{id}/messages/{index}.
func (g *Gateway) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "index must be an integer")
		return
	}

	var req EditMessageRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.chat.EditMessage(r.Context(), r.PathValue("id"), index, req.Content, req.Regenerate)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, result)
}

// handleRegenerate handles POST /api/conversations/{id}/regenerate.
func (g *Gateway) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	result, err := g.chat.Regenerate(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, result)
}

// handleExport handles GET /api/conversations/{id}/export?format=json|markdown|html.
func (g *Gateway) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	conv, err := g.conversations.Snapshot(r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", conv.ID+format.Extension()))
	if err := export.Write(w, conv, format); err != nil {
		g.logger.Error("export failed", "conversation_id", conv.ID, "format", format, "error", err)
	}
}

// ProvidersResponse is the JSON response for GET /api/providers.
type ProvidersResponse struct {
	Providers []provider.Info `json:"providers"`
	Default   string          `json:"default"`
}

// handleListProviders handles GET /api/providers.
func (g *Gateway) handleListProviders(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, ProvidersResponse{
		Providers: g.providers.List(),
		Default:   g.config.Defaults.Provider,
	})
}

// decodeBody reads a JSON body. An empty body is accepted when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	if err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError sends a JSON error response with the given status code and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps an error from the domain packages to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrConversationNotFound),
		errors.Is(err, conversation.ErrFolderNotFound),
		errors.Is(err, conversation.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrInvalidIndex),
		errors.Is(err, conversation.ErrInvalidConversationID),
		errors.Is(err, conversation.ErrInvalidFolder),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrGenerationInProgress),
		errors.Is(err, conversation.ErrAlreadyExists),
		errors.Is(err, conversation.ErrNoPendingTurn),
		errors.Is(err, conversation.ErrMessageFrozen),
		errors.Is(err, chat.ErrDuplicateRequest),
		errors.Is(err, generation.ErrTaskRunning):
		return http.StatusConflict
	case errors.Is(err, generation.ErrShuttingDown),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err with its mapped status. Internal errors are logged
// and not echoed to the client.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}
