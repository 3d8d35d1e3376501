package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const openAICompatProvider = "openai-compat"

// OpenAICompatModel calls any OpenAI-compatible /v1/chat/completions endpoint.
// Works with OpenAI, vLLM, LiteLLM, LocalAI, OpenRouter and self-hosted models.
type OpenAICompatModel struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAICompatModel builds an OpenAI-compatible ChatModel.
// baseURL should include the /v1 prefix, e.g. "https://api.openai.com/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatModel(baseURL, apiKey string) *OpenAICompatModel {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &OpenAICompatModel{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Chat implements ChatModel using the OpenAI chat completions API.
func (g *OpenAICompatModel) Chat(ctx context.Context, req Request) (Completion, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return Completion{}, &ProviderError{Provider: openAICompatProvider, Kind: KindTransport, Err: fmt.Errorf("model required")}
	}
	messages := make([]oaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, oaiMessage{Role: m.Role, Content: m.Content})
	}
	reqBody := oaiChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return Completion{}, malformedError(openAICompatProvider, err)
	}

	url := g.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Completion{}, AsProviderError(ctx, openAICompatProvider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, AsProviderError(ctx, openAICompatProvider, fmt.Errorf("openai-compat request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return Completion{}, statusError(openAICompatProvider, resp.StatusCode, errResp.Error.Message)
		}
		return Completion{}, statusError(openAICompatProvider, resp.StatusCode, resp.Status)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		if ctx.Err() != nil {
			return Completion{}, AsProviderError(ctx, openAICompatProvider, err)
		}
		return Completion{}, malformedError(openAICompatProvider, err)
	}
	if len(chatResp.Choices) == 0 {
		return Completion{}, emptyError(openAICompatProvider)
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return Completion{}, emptyError(openAICompatProvider)
	}
	return Completion{Content: text, TotalTokens: chatResp.Usage.TotalTokens}, nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
