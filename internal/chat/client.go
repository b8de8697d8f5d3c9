package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// Client is a thin wrapper over the chat backend HTTP API. It is stateless
// with respect to the conversation itself; the only state it carries is the
// dedup cursor it keeps on behalf of the orchestrator. Cursors are keyed by
// conversation id so an in-flight poll for a superseded conversation can
// never move the live conversation's cursor.
type Client struct {
	HTTPClient *http.Client

	baseURL         string
	apiKey          string
	assistantPrefix string

	mu      sync.Mutex
	cursors map[string]string
}

// NewClient constructs a chat backend client. assistantPrefix is the
// author-id prefix convention that distinguishes assistant messages.
func NewClient(baseURL, apiKey, assistantPrefix string) *Client {
	return &Client{
		HTTPClient:      &http.Client{Timeout: 15 * time.Second},
		baseURL:         baseURL,
		apiKey:          apiKey,
		assistantPrefix: assistantPrefix,
		cursors:         make(map[string]string),
	}
}

// Cursor returns the conversation's dedup cursor (last delivered message id).
func (c *Client) Cursor(conversationID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[conversationID]
}

type createConversationResponse struct {
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

// CreateConversation posts an empty-body creation request and returns the
// backend-assigned conversation id. Cursors of earlier conversations are
// dropped before the request is issued, so a failure never leaves a stale
// cursor behind.
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.cursors = make(map[string]string)
	c.mu.Unlock()

	body, err := c.post(ctx, "/conversations", nil)
	if err != nil {
		return "", err
	}
	var cr createConversationResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", fmt.Errorf("chat: parse conversation response: %w", err)
	}
	if cr.Conversation.ID == "" {
		return "", fmt.Errorf("chat: conversation response missing id")
	}
	return cr.Conversation.ID, nil
}

// SendEvent posts a fire-and-forget signal (e.g. a landmark detection) that
// triggers scripted flows on the backend. Failure is logged, non-fatal.
func (c *Client) SendEvent(ctx context.Context, conversationID, eventType string, fields map[string]any) {
	payload := map[string]any{"type": eventType}
	for k, v := range fields {
		payload[k] = v
	}
	req := map[string]any{"conversationId": conversationID, "payload": payload}
	if _, err := c.post(ctx, "/events", req); err != nil {
		log.Printf("chat: send event %q failed: %v", eventType, err)
	}
}

// SendText posts a user-authored text message. Failure is logged, non-fatal;
// the orchestrator's watchdog covers the silent-backend case.
func (c *Client) SendText(ctx context.Context, conversationID, text string) {
	req := map[string]any{
		"conversationId": conversationID,
		"payload":        map[string]any{"type": "text", "text": text},
	}
	if _, err := c.post(ctx, "/messages", req); err != nil {
		log.Printf("chat: send text failed: %v", err)
	}
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

// PollMessages fetches the conversation's message log and returns the oldest
// unseen assistant message, advancing the dedup cursor to its id. At most one
// message is delivered per call; remaining unseen messages wait for the next
// poll. Transport and parse errors fail open to "nothing new".
func (c *Client) PollMessages(ctx context.Context, conversationID string) *Delivery {
	body, err := c.get(ctx, "/conversations/"+conversationID+"/messages")
	if err != nil {
		log.Printf("chat: poll messages failed: %v", err)
		return nil
	}
	var mr messagesResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		log.Printf("chat: parse message log failed: %v", err)
		return nil
	}

	c.mu.Lock()
	msg, cursor, ok := ScanOldestUnseen(mr.Messages, c.cursors[conversationID], c.assistantPrefix)
	if ok {
		c.cursors[conversationID] = cursor
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return &Delivery{
		Text:     msg.Payload.Text,
		IsChoice: msg.Payload.Type == "choice",
		Options:  msg.Payload.Options,
	}
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("chat: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chat: %s %s status=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, string(b))
	}
	return b, nil
}
