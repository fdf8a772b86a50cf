// ABOUTME: HTTP client for the llmconnect API used by the CLI and the TUI
// ABOUTME: Maps JSON error bodies to APIError and decodes typed responses

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/llmconnect/internal/chat"
	"github.com/2389/llmconnect/internal/conversation"
	"github.com/2389/llmconnect/internal/provider"
	"github.com/2389/llmconnect/internal/store"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// Client talks to one llmconnect server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL. A nil httpClient uses http.DefaultClient;
// it must not set a timeout if Stream is used.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Turn is a user submission.
type Turn struct {
	Message  string       `json:"message"`
	Files    []store.File `json:"files,omitempty"`
	Provider string       `json:"provider,omitempty"`
	Model    string       `json:"model,omitempty"`

	// IdempotencyKey makes the submission safe to retry.
	IdempotencyKey string `json:"-"`
}

// Providers lists configured providers.
type Providers struct {
	Providers []provider.Info `json:"providers"`
	Default   string          `json:"default"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and decodes a JSON response into out when out is non-nil.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// checkResponse returns an APIError for non-2xx responses.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			apiErr.Message = body["error"]
		}
	}
	return apiErr
}

// Health reports whether the server accepts new turns.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Providers lists the configured providers.
func (c *Client) Providers(ctx context.Context) (*Providers, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/providers", nil)
	if err != nil {
		return nil, err
	}
	var out Providers
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations lists conversation summaries.
func (c *Client) Conversations(ctx context.Context, includeArchived bool) ([]conversation.Summary, error) {
	path := "/api/conversations"
	if includeArchived {
		path += "?archived=true"
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Conversations []conversation.Summary `json:"conversations"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Conversation returns a snapshot of one conversation.
func (c *Client) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var out store.Conversation
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitTurn posts a user message. convID "new" starts a conversation.
func (c *Client) SubmitTurn(ctx context.Context, convID string, turn Turn) (*chat.TurnResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(convID)+"/messages", turn)
	if err != nil {
		return nil, err
	}
	if turn.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", turn.IdempotencyKey)
	}
	var out chat.TurnResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage replaces the message at uiIndex and drops everything after it.
func (c *Client) EditMessage(ctx context.Context, convID string, uiIndex int, content string, regenerate bool) (*chat.EditResult, error) {
	body := struct {
		Content    string `json:"content"`
		Regenerate bool   `json:"regenerate,omitempty"`
	}{content, regenerate}
	path := "/api/conversations/" + url.PathEscape(convID) + "/messages/" + strconv.Itoa(uiIndex)
	req, err := c.newRequest(ctx, http.MethodPut, path, body)
	if err != nil {
		return nil, err
	}
	var out chat.EditResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Regenerate starts a new reply after a trailing user message.
func (c *Client) Regenerate(ctx context.Context, convID string) (*chat.TurnResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(convID)+"/regenerate", nil)
	if err != nil {
		return nil, err
	}
	var out chat.TurnResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation removes a conversation, cancelling its reply.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}
