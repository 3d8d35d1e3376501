package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"lexassist/internal/util"
	"lexassist/pkg/ai"
	"lexassist/pkg/assistant"
	"lexassist/pkg/domain"
	"lexassist/pkg/entitlement"
)

const (
	maxContentRunes    = 32_000
	maxAttachments     = 10
	charsPerTokenGuess = 4
)

// SubmitInput is one user turn.
type SubmitInput struct {
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachmentIds"`
}

// Exchange is the persisted user turn and its paired assistant reply.
// Degraded is set when the reply is the fallback text.
type Exchange struct {
	UserMessage      domain.Message `json:"userMessage"`
	AssistantMessage domain.Message `json:"assistantMessage"`
	Degraded         bool           `json:"degraded"`
}

// SubmitMessage persists the user turn, asks the provider for a reply and
// persists the reply. Provider failures become the fallback reply so every
// stored user message is followed by an assistant message.
func (a *App) SubmitMessage(ctx context.Context, user domain.User, conversationID string, in SubmitInput) (Exchange, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Exchange{}, ErrContentRequired
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return Exchange{}, ErrContentTooLong
	}
	attachmentIDs := dedupe(in.AttachmentIDs)
	if len(attachmentIDs) > maxAttachments {
		return Exchange{}, ErrTooManyAttachments
	}

	unlock := a.convLocks.Lock(conversationID)
	defer unlock()
	if a.turnLock != nil {
		release, err := a.turnLock.Lock(ctx, conversationID)
		if err != nil {
			return Exchange{}, err
		}
		defer release()
	}

	conv, err := a.ownedConversation(ctx, user.ID, conversationID)
	if err != nil {
		return Exchange{}, err
	}
	var resolved assistant.Resolved
	if conv.AssistantID != nil {
		res, err := a.resolver.ResolveFor(ctx, user.ID, *conv.AssistantID)
		if err != nil {
			return Exchange{}, err
		}
		if !entitlement.CanAccess(res.Config().RequiredPlan, user.Subscription) {
			return Exchange{}, ErrPlanRequired
		}
		resolved = res
	}
	attachments, err := a.ownedDocuments(ctx, user.ID, attachmentIDs)
	if err != nil {
		return Exchange{}, err
	}
	history, err := a.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return Exchange{}, fmt.Errorf("load history: %w", err)
	}
	req, err := a.buildRequest(ctx, resolved, history, content, attachments)
	if err != nil {
		return Exchange{}, err
	}

	userMsg, err := a.store.AppendMessage(ctx, domain.Message{
		ID:             util.NewID(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        content,
		AttachmentIDs:  attachmentIDs,
		CreatedAt:      a.timestamp(),
	})
	if err != nil {
		return Exchange{}, fmt.Errorf("save user message: %w", err)
	}

	reply, completion, perr := a.complete(ctx, req)
	degraded := perr != nil
	if degraded {
		util.LoggerFromContext(ctx).Warn("provider_fallback",
			"conversation_id", conv.ID,
			"provider", perr.Provider,
			"kind", string(perr.Kind),
			"status", perr.Status,
			"err", perr.Err,
		)
		reply = FallbackReply
	}

	// the reply is stored even when the client has gone away
	persistCtx := context.WithoutCancel(ctx)
	assistantMsg, err := a.store.AppendMessage(persistCtx, domain.Message{
		ID:             util.NewID(),
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        reply,
		AttachmentIDs:  []string{},
		CreatedAt:      a.timestamp(),
	})
	if err != nil {
		// an unanswered user turn would break the user/assistant pairing
		if derr := a.store.DeleteMessage(persistCtx, userMsg.ID); derr != nil {
			util.LoggerFromContext(ctx).Error("user_message_rollback_failed",
				"conversation_id", conv.ID,
				"message_id", userMsg.ID,
				"err", derr,
			)
		}
		return Exchange{}, fmt.Errorf("save assistant message: %w", err)
	}

	if !degraded && resolved != nil {
		tokens := estimateTokens(req.Messages) + completion.TotalTokens
		a.recordUsage(persistCtx, user.ID, resolved.Config().ID, tokens)
	}
	return Exchange{UserMessage: userMsg, AssistantMessage: assistantMsg, Degraded: degraded}, nil
}

// buildRequest prepends the system instructions to the stored history and
// appends the new user turn, carrying attachment excerpts on that turn only.
func (a *App) buildRequest(ctx context.Context, resolved assistant.Resolved, history []domain.Message, content string, attachments []domain.Document) (ai.Request, error) {
	req := ai.Request{
		Model:       assistant.DefaultModel,
		Temperature: assistant.DefaultTemperature,
		MaxTokens:   a.maxTokens,
	}
	instructions := assistant.GeneralInstructions
	if resolved != nil {
		cfg := resolved.Config()
		if cfg.Model != "" {
			req.Model = cfg.Model
		}
		req.Temperature = cfg.Temperature
		text, err := a.resolver.SystemInstructions(ctx, resolved)
		if err != nil {
			return ai.Request{}, fmt.Errorf("load assistant instructions: %w", err)
		}
		instructions = text
	}
	req.Messages = make([]ai.Message, 0, len(history)+2)
	req.Messages = append(req.Messages, ai.Message{Role: ai.RoleSystem, Content: instructions})
	for _, msg := range history {
		req.Messages = append(req.Messages, ai.Message{Role: string(msg.Role), Content: msg.Content})
	}
	turn := content
	if excerpt := assistant.Excerpt(attachments, a.excerptRunes); excerpt != "" {
		turn += "\n\nDocumentos anexados:\n" + excerpt
	}
	req.Messages = append(req.Messages, ai.Message{Role: ai.RoleUser, Content: turn})
	return req, nil
}

// complete calls the provider under the configured deadline.
func (a *App) complete(ctx context.Context, req ai.Request) (string, ai.Completion, *ai.ProviderError) {
	callCtx, cancel := context.WithTimeout(ctx, a.providerTimeout)
	defer cancel()
	completion, err := a.model.Chat(callCtx, req)
	if err != nil {
		return "", ai.Completion{}, ai.AsProviderError(callCtx, "chat", err)
	}
	text := strings.TrimSpace(completion.Content)
	if text == "" {
		return "", ai.Completion{}, &ai.ProviderError{Provider: "chat", Kind: ai.KindEmpty, Err: errors.New("empty completion")}
	}
	return text, completion, nil
}

// GiveFeedback records a sentiment on a message of the caller's conversation.
func (a *App) GiveFeedback(ctx context.Context, user domain.User, conversationID, messageID string, sentiment domain.Feedback) (domain.Message, error) {
	switch sentiment {
	case domain.FeedbackPositive, domain.FeedbackNegative:
	default:
		return domain.Message{}, ErrInvalidFeedback
	}
	conv, err := a.ownedConversation(ctx, user.ID, conversationID)
	if errors.Is(err, ErrConversationNotFound) {
		return domain.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	msg, ok, err := a.store.GetMessage(ctx, strings.TrimSpace(messageID))
	if err != nil {
		return domain.Message{}, fmt.Errorf("load message: %w", err)
	}
	if !ok || msg.ConversationID != conv.ID {
		return domain.Message{}, ErrMessageNotFound
	}
	updated, err := a.store.SetMessageFeedback(ctx, msg.ID, sentiment)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Message{}, ErrMessageNotFound
		}
		return domain.Message{}, fmt.Errorf("save feedback: %w", err)
	}
	return updated, nil
}

// estimateTokens approximates prompt size as one token per four runes.
func estimateTokens(messages []ai.Message) int64 {
	var runes int
	for _, m := range messages {
		runes += utf8.RuneCountInString(m.Content)
	}
	return int64(runes / charsPerTokenGuess)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
