// Package chatsync is a client-side synchronization engine for a real-time chat API.
//
// It keeps a local, paginated, multi-conversation message cache and a recency-ordered
// conversation directory consistent under user actions, server responses and push
// events delivered over a Pusher-protocol WebSocket.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com/api"))
//	push := chatsync.NewPushClient(&chatsync.RealtimeConfig{URL: "wss://ws.example.com", AppKey: "app-key", Authorizer: client})
//	session := chatsync.NewSession(client, push)
//	_ = session.Start(ctx)
//	_ = session.Open(ctx, "conv-1")
//	_, _ = session.Mutations().Send(ctx, "conv-1", chatsync.SendMessageInput{Content: "hi"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Client
// ============================================================================

const (
	Version        = "0.1.0"
	DefaultBaseURL = "http://localhost:8000/api"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the chat data API. It is safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.RWMutex
	socketID string
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a data API client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetSocketID sets the push connection id sent as X-Socket-ID, which lets the
// server skip broadcasting this client's own mutations back to it.
func (c *Client) SetSocketID(id string) {
	c.mu.Lock()
	c.socketID = id
	c.mu.Unlock()
}

// ============================================================================
// Internal request helpers
// ============================================================================

type requestBody struct {
	reader      io.Reader
	contentType string
}

func jsonBody(v any) (*requestBody, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return &requestBody{reader: bytes.NewReader(b), contentType: "application/json"}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body *requestBody, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = body.reader
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "chatsync-go/"+Version)
	if body != nil {
		req.Header.Set("Content-Type", body.contentType)
	}
	c.mu.RLock()
	token, socketID := c.token, c.socketID
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if socketID != "" {
		req.Header.Set("X-Socket-ID", socketID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request_failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		c.logger.Warn("request_rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

type dataEnvelope[T any] struct {
	Data *T `json:"data"`
}

// decodeData unwraps a {"data": ...} resource envelope.
func decodeData[T any](data []byte) (*T, error) {
	env, err := decodeJSON[dataEnvelope[T]](data)
	if err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, fmt.Errorf("failed to unmarshal response: missing data")
	}
	return env.Data, nil
}

func conversationPath(conversationID string) string {
	return "/conversations/" + url.PathEscape(conversationID)
}

func messagePath(conversationID, messageID string) string {
	return conversationPath(conversationID) + "/messages/" + url.PathEscape(messageID)
}

// ============================================================================
// Queries
// ============================================================================

// CurrentUser returns the authenticated user.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/user", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[User](data)
}

// ListConversations returns every conversation visible to the user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeData[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// GetConversation fetches a single conversation by id.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	data, err := c.doRequest(ctx, http.MethodGet, conversationPath(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Conversation](data)
}

// ListMessages fetches one page of history, newest first. Page 0 and 1 both mean the newest page.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page int) (*MessagePage, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	var query url.Values
	if page > 1 {
		query = url.Values{"page": {strconv.Itoa(page)}}
	}
	data, err := c.doRequest(ctx, http.MethodGet, conversationPath(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// ============================================================================
// Mutations
// ============================================================================

// SendMessage posts a message. It switches to multipart when an attachment is present.
// Oversized attachments are rejected before any request is made.
func (c *Client) SendMessage(ctx context.Context, conversationID string, in SendMessageInput) (*SendResult, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	var body *requestBody
	var err error
	if in.Attachment != nil {
		body, err = multipartBody(in)
	} else {
		body, err = jsonBody(map[string]string{"content": in.Content})
	}
	if err != nil {
		return nil, err
	}

	data, err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID)+"/messages", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[SendResult](data)
}

// UpdateMessage edits the content of a message the user authored.
func (c *Client) UpdateMessage(ctx context.Context, conversationID, messageID, content string) (*Message, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	body, err := jsonBody(map[string]string{"content": content})
	if err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, http.MethodPatch, messagePath(conversationID, messageID), body, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](data)
}

// DeleteMessage deletes a message. The result carries the server's view of the
// conversation's new last message.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) (*DeleteResult, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	data, err := c.doRequest(ctx, http.MethodDelete, messagePath(conversationID, messageID), nil, nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &DeleteResult{DeletedID: messageID}, nil
	}
	// The endpoint has answered both bare and enveloped over time.
	res, err := decodeData[DeleteResult](data)
	if err != nil {
		if res, err = decodeJSON[DeleteResult](data); err != nil {
			return nil, err
		}
	}
	if res.DeletedID == "" {
		res.DeletedID = messageID
	}
	return res, nil
}

// MarkAsRead tells the server the user has read the conversation.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	_, err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID)+"/mark-as-read", nil, nil)
	return err
}

// AuthorizeChannel signs a private channel subscription for the given socket.
func (c *Client) AuthorizeChannel(ctx context.Context, socketID, channelName string) (*ChannelAuth, error) {
	body, err := jsonBody(map[string]string{"socket_id": socketID, "channel_name": channelName})
	if err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/broadcasting/auth", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChannelAuth](data)
}

// --------------------------------------------------------------------------
// Multipart helpers
// --------------------------------------------------------------------------

func multipartBody(in SendMessageInput) (*requestBody, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if in.Content != "" {
		if err := w.WriteField("content", in.Content); err != nil {
			return nil, fmt.Errorf("failed to write content field: %w", err)
		}
	}

	att := in.Attachment
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(att.FileName)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename="%s"`, escapeQuotes(att.FileName)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(att.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}
	return &requestBody{reader: &buf, contentType: w.FormDataContentType()}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
