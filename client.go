// Package chatcore is the client-side real-time messaging core of the
// marketplace: conversation discovery, optimistic message delivery with
// reconciliation, room-scoped realtime events and presence.
//
// Example:
//
//	api := chatcore.NewClient("https://api.example.com", chatcore.WithToken(jwt))
//	pool := chatcore.NewChannelPool(chatcore.ChannelConfig{URL: "wss://api.example.com/ws"})
//
//	sess, _ := chatcore.NewSession(ctx, chatcore.SessionConfig{
//		Self:  me,
//		API:   api,
//		Pool:  pool,
//	})
//	sess.Start()
//	defer sess.Close()
//
//	sess.SelectCounterpart(ctx, seller, orderID)
//	sess.Send(ctx, "hello")
package chatcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout = 30 * time.Second

	conversationsPath    = "/api/conversations/"
	openConversationPath = "/api/conversations/open"
	messagesPath         = "/api/messages/"
)

// DefaultChatListPaths maps a user role to the endpoint listing the people
// that role can chat with. "%s" is replaced by the user id.
var DefaultChatListPaths = map[string]string{
	"buyer":    "/api/chat-list/buyer/%s",
	"seller":   "/api/chat-list/seller/%s",
	"provider": "/api/chat-list/provider/%s",
	"admin":    "/api/chat-list/admin/%s",
}

// ============================================================================
// Collaborator contracts
// ============================================================================

// ConversationAPI discovers and opens conversations.
type ConversationAPI interface {
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	OpenConversation(ctx context.Context, req OpenConversationRequest) (*Conversation, error)
}

// HistoryAPI loads the persisted messages of a conversation.
type HistoryAPI interface {
	MessageHistory(ctx context.Context, conversationID string) ([]Message, error)
}

// ChatListSource lists the counterparts available to a user. Implementations
// are role specific.
type ChatListSource interface {
	ChatList(ctx context.Context, self User) ([]User, error)
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace REST API.
type Client struct {
	baseURL       string
	token         string
	httpClient    *http.Client
	chatListPaths map[string]string
	log           zerolog.Logger
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithChatListPaths overrides the per-role chat list endpoints.
func WithChatListPaths(paths map[string]string) ClientOption {
	return func(c *Client) {
		for role, p := range paths {
			c.chatListPaths[role] = p
		}
	}
}

// NewClient creates a REST client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		chatListPaths: make(map[string]string, len(DefaultChatListPaths)),
		log:           zerolog.Nop(),
	}
	for role, p := range DefaultChatListPaths {
		c.chatListPaths[role] = p
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("api call")

	if resp.StatusCode >= 300 {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}
	return data, nil
}

// envelope is the wrapped response shape some endpoints use.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func apiErrorFrom(status int, data []byte) *APIError {
	var env envelope
	if json.Unmarshal(data, &env) == nil && env.Message != "" {
		return &APIError{Status: status, Message: env.Message}
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}

// decodeData decodes either a bare payload or a {"success","data"} wrapper.
func decodeData[T any](data []byte) (*T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && (env.Success != nil || len(env.Data) > 0) {
			if env.Success != nil && !*env.Success {
				msg := env.Message
				if msg == "" {
					msg = "request was not successful"
				}
				return nil, &APIError{Message: msg}
			}
			if len(env.Data) > 0 {
				trimmed = env.Data
			}
		}
	}

	var result T
	if err := json.Unmarshal(trimmed, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversation API
// ============================================================================

// ListConversations returns every conversation userID participates in.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, conversationsPath+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeData[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// OpenConversation creates a conversation, or returns the existing one for
// the same participants.
func (c *Client) OpenConversation(ctx context.Context, req OpenConversationRequest) (*Conversation, error) {
	if len(req.Participants) != 2 {
		return nil, fmt.Errorf("open conversation: need exactly 2 participants, got %d", len(req.Participants))
	}
	data, err := c.doRequest(ctx, http.MethodPost, openConversationPath, req, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Conversation](data)
}

// ============================================================================
// History API
// ============================================================================

// MessageHistory returns the messages of a conversation in chronological order.
func (c *Client) MessageHistory(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, messagesPath+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeData[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// ============================================================================
// Chat list
// ============================================================================

// ChatList returns the counterparts self can talk to, using the endpoint
// registered for self's role.
func (c *Client) ChatList(ctx context.Context, self User) ([]User, error) {
	tmpl, ok := c.chatListPaths[strings.ToLower(self.Role)]
	if !ok {
		return nil, fmt.Errorf("no chat list endpoint for role %q", self.Role)
	}
	path := tmpl
	if strings.Contains(tmpl, "%s") {
		path = fmt.Sprintf(tmpl, url.PathEscape(self.ID))
	}
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	users, err := decodeData[[]User](data)
	if err != nil {
		return nil, err
	}
	return *users, nil
}
