// Package chat delivers messages to the external chat platform. The
// platform is an opaque HTTP peer: one message-creation endpoint, bearer
// auth, JSON bodies.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Deliverer is the outbound delivery contract the pipeline depends on.
type Deliverer interface {
	CreateMessage(ctx context.Context, conversationID, text string) error
}

// Client posts messages to the chat platform's message-creation endpoint.
type Client struct {
	baseURL    string
	botToken   string
	httpClient *http.Client
}

// NewClient creates a chat client. baseURL is the platform API root.
func NewClient(baseURL, botToken string) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		botToken: strings.TrimSpace(botToken),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateMessage posts one message into a conversation.
func (c *Client) CreateMessage(ctx context.Context, conversationID, text string) error {
	if c.baseURL == "" {
		return fmt.Errorf("chat base URL not configured")
	}
	body, _ := json.Marshal(map[string]any{
		"conversation_id": strings.TrimSpace(conversationID),
		"text":            text,
	})
	url := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, strings.TrimSpace(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.botToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.botToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat message creation status: %d", resp.StatusCode)
	}
	return nil
}
