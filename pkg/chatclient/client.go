// Package chatclient talks to the chat service API and keeps client-side
// conversation view state.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lexassist/pkg/domain"
)

// Client calls the chat service over HTTP with the caller's bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError represents a chat service error response.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return e.Message
}

// ConversationDetail is a conversation with its ordered messages.
type ConversationDetail struct {
	Conversation domain.Conversation `json:"conversation"`
	Messages     []domain.Message    `json:"messages"`
}

// Exchange is a submitted user turn and its paired assistant reply.
type Exchange struct {
	UserMessage      domain.Message `json:"userMessage"`
	AssistantMessage domain.Message `json:"assistantMessage"`
	Degraded         bool           `json:"degraded"`
}

// AssistantUsage is one row of the usage dashboard.
type AssistantUsage struct {
	AssistantID   string    `json:"assistantId"`
	AssistantName string    `json:"assistantName"`
	TokensUsed    int64     `json:"tokensUsed"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
	SharePercent  float64   `json:"sharePercent"`
}

// UsageSummary is the caller's aggregated activity.
type UsageSummary struct {
	TotalConversations int64            `json:"totalConversations"`
	TotalMessages      int64            `json:"totalMessages"`
	TotalDocuments     int64            `json:"totalDocuments"`
	TimeSavedMinutes   int64            `json:"timeSavedMinutes"`
	TotalTokens        int64            `json:"totalTokens"`
	UnallocatedPercent float64          `json:"unallocatedPercent"`
	PerAssistantUsage  []AssistantUsage `json:"perAssistantUsage"`
}

// NewClient constructs a chat service client. The timeout must cover the
// provider deadline of a message submit.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateConversation starts a conversation. idempotencyKey may be empty.
func (c *Client) CreateConversation(ctx context.Context, assistantID *string, title, idempotencyKey string) (ConversationDetail, error) {
	payload := map[string]any{"title": title}
	if assistantID != nil {
		payload["assistantId"] = *assistantID
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/conversations", payload)
	if err != nil {
		return ConversationDetail{}, err
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	var out ConversationDetail
	if err := c.do(req, &out); err != nil {
		return ConversationDetail{}, err
	}
	return out, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (ConversationDetail, error) {
	req, err := c.newJSONRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil)
	if err != nil {
		return ConversationDetail{}, err
	}
	var out ConversationDetail
	if err := c.do(req, &out); err != nil {
		return ConversationDetail{}, err
	}
	return out, nil
}

// ListConversations returns conversation summaries, most recent first.
func (c *Client) ListConversations(ctx context.Context, limit int) ([]domain.ConversationSummary, error) {
	path := "/conversations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	req, err := c.newJSONRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []domain.ConversationSummary `json:"items"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// SendMessage submits a user turn and waits for the assistant reply.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, attachmentIDs []string) (Exchange, error) {
	if attachmentIDs == nil {
		attachmentIDs = []string{}
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", map[string]any{
		"content":       content,
		"attachmentIds": attachmentIDs,
	})
	if err != nil {
		return Exchange{}, err
	}
	var out Exchange
	if err := c.do(req, &out); err != nil {
		return Exchange{}, err
	}
	return out, nil
}

func (c *Client) GiveFeedback(ctx context.Context, conversationID, messageID string, feedback domain.Feedback) (domain.Message, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID) + "/feedback"
	req, err := c.newJSONRequest(ctx, http.MethodPost, path, map[string]any{"feedback": feedback})
	if err != nil {
		return domain.Message{}, err
	}
	var out domain.Message
	if err := c.do(req, &out); err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

func (c *Client) Usage(ctx context.Context) (UsageSummary, error) {
	req, err := c.newJSONRequest(ctx, http.MethodGet, "/users/me/usage", nil)
	if err != nil {
		return UsageSummary{}, err
	}
	var out UsageSummary
	if err := c.do(req, &out); err != nil {
		return UsageSummary{}, err
	}
	return out, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error     string `json:"error"`
			Code      string `json:"code"`
			RequestID string `json:"requestId"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Code: errResp.Code, Message: msg, RequestID: errResp.RequestID}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
