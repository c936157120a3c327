// Package talentwire is the Go client for the Talentwire recruitment
// platform's conversation layer.
//
// The package has two halves. The REST half (Client and its sub-clients)
// covers durable operations: listing conversations, paging message history,
// sending messages and attachments, marking conversations read. The real-time
// half (Conn, Session and the trackers built on them) keeps local state —
// message lists, unread counters, the online roster, typing indicators —
// eventually consistent with server-pushed events that may arrive out of
// order, duplicated, or not at all.
//
// Example:
//
//	client := talentwire.NewClient(token)
//	session, _ := talentwire.NewSession(client, actor, nil)
//	session.Start(ctx)
//	defer session.Close()
//
//	view, _ := session.OpenConversation(ctx, "c1")
//	view.Send(ctx, "hello")
package talentwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is used when no base URL is configured. It points at a
	// local development backend.
	DefaultBaseURL = "http://localhost:4000"

	// DefaultTimeout caps any single REST call.
	DefaultTimeout = 15 * time.Second
)

// Per-operation deadlines. Every REST call fails after a fixed client-side
// timeout and is then treated as an ordinary send/load failure.
const (
	listTimeout     = 10 * time.Second
	historyTimeout  = 10 * time.Second
	sendTimeout     = 10 * time.Second
	markReadTimeout = 3 * time.Second
	presenceTimeout = 3 * time.Second
	uploadTimeout   = 15 * time.Second
)

// MaxAttachmentSize is the client-enforced attachment cap. Oversized uploads
// are rejected before any network call.
const MaxAttachmentSize = 10 * 1024 * 1024

var (
	// ErrForbidden means the backend denied access to the resource, e.g. the
	// actor is not a participant of the conversation.
	ErrForbidden = errors.New("talentwire: access forbidden")

	// ErrAttachmentTooLarge means the attachment exceeds MaxAttachmentSize.
	ErrAttachmentTooLarge = fmt.Errorf("talentwire: attachment exceeds %d bytes", int(MaxAttachmentSize))

	// ErrUnavailable means the REST breaker is open after repeated transport
	// failures; the call was not attempted.
	ErrUnavailable = errors.New("talentwire: backend unavailable")
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client. It is safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	breaker    *gobreaker.CircuitBreaker

	conversations *ConversationsClient
	messages      *MessagesClient
	presence      *PresenceClient
	attachments   *AttachmentsClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL selects the backend host for both REST calls and the channel
// connection.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the overall HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithoutBreaker disables the REST circuit breaker.
func WithoutBreaker() ClientOption {
	return func(c *Client) { c.breaker = nil }
}

// NewClient creates a REST client authenticated with the given session token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "talentwire-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	for _, opt := range opts {
		opt(c)
	}

	c.conversations = &ConversationsClient{c: c}
	c.messages = &MessagesClient{c: c}
	c.presence = &PresenceClient{c: c}
	c.attachments = &AttachmentsClient{c: c}
	return c
}

// SetToken replaces the session token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured backend host.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ChannelURL returns the push channel endpoint derived from the base URL.
func (c *Client) ChannelURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if c.token != "" {
		return u + "/channel?token=" + url.QueryEscape(c.token)
	}
	return u + "/channel"
}

// Conversations returns the conversation sub-client.
func (c *Client) Conversations() *ConversationsClient { return c.conversations }

// Messages returns the message sub-client.
func (c *Client) Messages() *MessagesClient { return c.messages }

// Presence returns the presence sub-client.
func (c *Client) Presence() *PresenceClient { return c.presence }

// Attachments returns the attachment sub-client.
func (c *Client) Attachments() *AttachmentsClient { return c.attachments }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
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
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.send(req)
}

// send runs the request through the breaker. Only transport-level failures
// count against the breaker; HTTP error statuses are the backend answering.
func (c *Client) send(req *http.Request) ([]byte, error) {
	run := func() (any, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return &restResponse{status: resp.StatusCode, body: data}, nil
	}

	var out any
	var err error
	if c.breaker != nil {
		out, err = c.breaker.Execute(run)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	} else {
		out, err = run()
	}
	if err != nil {
		return nil, err
	}

	resp := out.(*restResponse)
	if resp.status >= 400 {
		return nil, decodeStatusError(resp.status, resp.body)
	}
	return resp.body, nil
}

type restResponse struct {
	status int
	body   []byte
}

func decodeStatusError(status int, body []byte) error {
	apiErr := &APIError{}
	if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
		apiErr = &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
	}
	if status == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient covers the conversation-collection endpoints.
type ConversationsClient struct{ c *Client }

// List fetches the actor's conversations with embedded presence snapshots and
// unread counters.
func (cv *ConversationsClient) List(ctx context.Context) (*ConversationList, error) {
	ctx, cancel := withDeadline(ctx, listTimeout)
	defer cancel()
	data, err := cv.c.doRequest(ctx, http.MethodGet, "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationList](data)
}

// Get fetches a single conversation.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	ctx, cancel := withDeadline(ctx, listTimeout)
	defer cancel()
	data, err := cv.c.doRequest(ctx, http.MethodGet, "/api/chat/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// MarkRead zeroes the calling side's unread counter and stamps readAt on the
// counterpart's messages.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	ctx, cancel := withDeadline(ctx, markReadTimeout)
	defer cancel()
	_, err := cv.c.doRequest(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient covers per-message endpoints.
type MessagesClient struct{ c *Client }

// SendOptions carries the body of a message send.
type SendOptions struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// IdempotencyKey lets the backend recognize a retried send. Optional.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// History fetches one page of a conversation's history. An empty cursor means
// the latest page.
func (m *MessagesClient) History(ctx context.Context, conversationID, cursor string, limit int) (*MessagePage, error) {
	ctx, cancel := withDeadline(ctx, historyTimeout)
	defer cancel()
	query := map[string]string{}
	if cursor != "" {
		query["cursor"] = cursor
	}
	if limit > 0 {
		query["limit"] = fmt.Sprintf("%d", limit)
	}
	data, err := m.c.doRequest(ctx, http.MethodGet, "/api/chat/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// Send persists a message and returns the durable copy.
func (m *MessagesClient) Send(ctx context.Context, conversationID string, opts SendOptions) (*SendResult, error) {
	ctx, cancel := withDeadline(ctx, sendTimeout)
	defer cancel()
	data, err := m.c.doRequest(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/messages", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SendResult](data)
}

// ============================================================================
// Presence
// ============================================================================

// PresenceClient covers the per-actor presence snapshot endpoint. The engine
// only ever calls it for the session's own actor (the heartbeat self-check);
// peer liveness is push-only.
type PresenceClient struct{ c *Client }

// Get fetches the presence snapshot for one actor.
func (p *PresenceClient) Get(ctx context.Context, actorType ActorType, id string) (*PresenceSnapshot, error) {
	ctx, cancel := withDeadline(ctx, presenceTimeout)
	defer cancel()
	data, err := p.c.doRequest(ctx, http.MethodGet, "/api/presence/"+string(actorType)+"/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[PresenceSnapshot](data)
}

// ============================================================================
// Attachments
// ============================================================================

// AttachmentsClient covers binary attachment upload.
type AttachmentsClient struct{ c *Client }

// Upload stores an attachment and returns its descriptor for inclusion in a
// subsequent send. Files over MaxAttachmentSize are rejected locally; no
// partial upload occurs.
func (a *AttachmentsClient) Upload(ctx context.Context, data []byte, fileName, mimeType string) (*UploadResult, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required")
	}
	if int64(len(data)) > MaxAttachmentSize {
		return nil, ErrAttachmentTooLarge
	}
	ctx, cancel := withDeadline(ctx, uploadTimeout)
	defer cancel()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.c.baseURL+"/api/chat/attachments", &buf)
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if mimeType != "" {
		req.Header.Set("X-Attachment-Type", mimeType)
	}
	if a.c.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.c.token)
	}

	body, err := a.c.send(req)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UploadResult](body)
}
