package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat history.
type Message struct {
	Role    string
	Content string
}

// Request is a full chat-completion call.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
}

// Completion is the provider's reply. TotalTokens is zero when the provider
// does not report usage.
type Completion struct {
	Content     string
	TotalTokens int64
}

// ChatModel generates the next assistant turn for a history.
// All providers (OpenAI-compatible, Ollama, Gemini, langchaingo) implement it.
type ChatModel interface {
	Chat(ctx context.Context, req Request) (Completion, error)
}

type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindCanceled  ErrorKind = "canceled"
	KindTransport ErrorKind = "transport"
	KindStatus    ErrorKind = "status"
	KindMalformed ErrorKind = "malformed"
	KindEmpty     ErrorKind = "empty"
)

// ProviderError is the single failure type every ChatModel returns.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AsProviderError converts any error into a *ProviderError, classifying
// context and network failures.
func AsProviderError(ctx context.Context, provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	kind := KindTransport
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled), ctx != nil && errors.Is(ctx.Err(), context.Canceled):
		kind = KindCanceled
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func statusError(provider string, status int, msg string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindStatus, Status: status, Err: fmt.Errorf("%s api error: %s", provider, msg)}
}

func malformedError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindMalformed, Err: fmt.Errorf("%s decode: %w", provider, err)}
}

func emptyError(provider string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindEmpty, Err: fmt.Errorf("empty response from %s", provider)}
}

// AliasedModel rewrites request model names before delegating, so catalog
// names like "gpt-4o" can run on whatever the configured provider serves.
type AliasedModel struct {
	next         ChatModel
	aliases      map[string]string
	defaultModel string
}

// WithModelAliases wraps next. Models without an alias fall back to
// defaultModel when it is set.
func WithModelAliases(next ChatModel, aliases map[string]string, defaultModel string) *AliasedModel {
	normalized := make(map[string]string, len(aliases))
	for k, v := range aliases {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			normalized[k] = v
		}
	}
	return &AliasedModel{next: next, aliases: normalized, defaultModel: strings.TrimSpace(defaultModel)}
}

func (m *AliasedModel) Chat(ctx context.Context, req Request) (Completion, error) {
	req.Model = m.resolve(req.Model)
	return m.next.Chat(ctx, req)
}

func (m *AliasedModel) resolve(model string) string {
	if alias, ok := m.aliases[model]; ok {
		return alias
	}
	if m.defaultModel != "" {
		return m.defaultModel
	}
	return model
}
