package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const langchainProvider = "langchain"

type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// LangChainModel adapts a langchaingo model to ChatModel.
type LangChainModel struct {
	llm contentGenerator
}

// NewLangChainOpenAI builds a langchaingo OpenAI client. baseURL may point at
// any OpenAI-compatible server, e.g. Ollama's /v1.
func NewLangChainOpenAI(baseURL, token, model string) (*LangChainModel, error) {
	opts := []openai.Option{openai.WithModel(strings.TrimSpace(model))}
	if token = strings.TrimSpace(token); token != "" {
		opts = append(opts, openai.WithToken(token))
	} else {
		// the client refuses an empty token even for servers that ignore it
		opts = append(opts, openai.WithToken("unused"))
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain openai client: %w", err)
	}
	return NewLangChainModel(llm), nil
}

// NewLangChainModel wraps any langchaingo model.
func NewLangChainModel(llm contentGenerator) *LangChainModel {
	return &LangChainModel{llm: llm}
}

// Chat implements ChatModel via GenerateContent.
func (m *LangChainModel) Chat(ctx context.Context, req Request) (Completion, error) {
	messages := make([]llms.MessageContent, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, llms.TextParts(chatMessageType(msg.Role), msg.Content))
	}
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	resp, err := m.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return Completion{}, AsProviderError(ctx, langchainProvider, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return Completion{}, emptyError(langchainProvider)
	}
	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Content)
	if text == "" {
		return Completion{}, emptyError(langchainProvider)
	}
	return Completion{Content: text, TotalTokens: totalTokens(choice.GenerationInfo)}, nil
}

func chatMessageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func totalTokens(info map[string]any) int64 {
	switch v := info["TotalTokens"].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
