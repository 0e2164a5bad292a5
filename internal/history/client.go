// Package history is the REST collaborator for cursor-based backfill: the
// newest page on conversation open, older pages while scrolling up, and the
// conversation-preview list. It shares nothing with the realtime path.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatsync/pkg/types"
)

// TokenFunc supplies the current bearer token; nil or empty means
// unauthenticated requests (the server will reject them).
type TokenFunc func() string

// apiEnvelope is the backend's standard response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

// Client fetches conversation history over HTTP.
type Client struct {
	baseURL string
	token   TokenFunc
	http    *http.Client
}

// NewClient creates a history client against the given API base URL.
func NewClient(baseURL string, token TokenFunc, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchMessagePage returns one page of messages for a conversation. An
// empty cursor requests the newest page.
func (c *Client) FetchMessagePage(ctx context.Context, conversationID, cursor string, pageSize int) (*types.MessagePage, error) {
	endpoint := fmt.Sprintf("%s/api/v1/chat/conversations/%s/messages",
		c.baseURL, url.PathEscape(conversationID))

	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if pageSize > 0 {
		query.Set("pageSize", strconv.Itoa(pageSize))
	}
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var page types.MessagePage
	if err := c.get(ctx, endpoint, &page); err != nil {
		return nil, err
	}
	for _, msg := range page.Messages {
		msg.Normalize()
	}
	return &page, nil
}

// FetchConversations returns conversation previews for list refresh.
func (c *Client) FetchConversations(ctx context.Context) ([]*types.ConversationSummary, error) {
	endpoint := c.baseURL + "/api/v1/chat/conversations"
	var conversations []*types.ConversationSummary
	if err := c.get(ctx, endpoint, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// get performs one authenticated GET and unwraps the response envelope.
func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrRequestFailed, resp.StatusCode)
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !envelope.Success {
		if envelope.Error != nil && envelope.Error.Message != "" {
			return fmt.Errorf("%w: %s", ErrRequestFailed, envelope.Error.Message)
		}
		return ErrRequestFailed
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
