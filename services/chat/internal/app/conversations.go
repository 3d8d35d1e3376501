package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"lexassist/internal/idempotency"
	"lexassist/internal/util"
	"lexassist/pkg/assistant"
	"lexassist/pkg/domain"
	"lexassist/pkg/entitlement"
)

const (
	maxTitleRunes    = 200
	maxTags          = 20
	maxTagRunes      = 50
	defaultListLimit = 50
	maxListLimit     = 100
)

// ErrTagTooLong rejects tags over the rune limit.
var ErrTagTooLong = fmt.Errorf("tag too long: %w", domain.ErrValidation)

// CreateConversationInput starts a conversation, optionally bound to an assistant.
type CreateConversationInput struct {
	AssistantID    *string
	Title          string
	IdempotencyKey string
}

// ConversationDetail is a conversation with its ordered messages.
type ConversationDetail struct {
	Conversation domain.Conversation `json:"conversation"`
	Messages     []domain.Message    `json:"messages"`
}

// ConversationPatch carries the metadata changes accepted by PATCH.
type ConversationPatch struct {
	Title          *string   `json:"title"`
	ToggleFavorite bool      `json:"toggleFavorite"`
	Tags           *[]string `json:"tags"`
}

// CreateConversation resolves and gates the assistant, then stores the
// conversation with its opening assistant message in one transaction. A
// repeated idempotency key returns the conversation created first.
func (a *App) CreateConversation(ctx context.Context, user domain.User, in CreateConversationInput) (ConversationDetail, error) {
	title := strings.TrimSpace(in.Title)
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return ConversationDetail{}, ErrTitleTooLong
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		existingID, claimed, err := a.idem.Claim(ctx, user.ID, key)
		if errors.Is(err, idempotency.ErrInvalidKey) {
			return ConversationDetail{}, fmt.Errorf("%w: %w", err, domain.ErrValidation)
		}
		if err != nil {
			return ConversationDetail{}, err
		}
		if !claimed {
			util.LoggerFromContext(ctx).Info("conversation_create_replayed", "conversation_id", existingID)
			return a.GetConversation(ctx, user, existingID)
		}
	}

	detail, err := a.createConversation(ctx, user, in.AssistantID, title)
	if key != "" {
		if err != nil {
			if rerr := a.idem.Release(context.WithoutCancel(ctx), user.ID, key); rerr != nil {
				util.LoggerFromContext(ctx).Warn("idempotency_release_failed", "err", rerr)
			}
		} else if cerr := a.idem.Complete(context.WithoutCancel(ctx), user.ID, key, detail.Conversation.ID); cerr != nil {
			util.LoggerFromContext(ctx).Warn("idempotency_complete_failed", "err", cerr)
		}
	}
	return detail, err
}

func (a *App) createConversation(ctx context.Context, user domain.User, assistantID *string, title string) (ConversationDetail, error) {
	var resolved assistant.Resolved
	if assistantID != nil && strings.TrimSpace(*assistantID) != "" {
		res, err := a.resolver.ResolveFor(ctx, user.ID, strings.TrimSpace(*assistantID))
		if err != nil {
			return ConversationDetail{}, err
		}
		if !entitlement.CanAccess(res.Config().RequiredPlan, user.Subscription) {
			return ConversationDetail{}, ErrPlanRequired
		}
		resolved = res
	}

	now := a.timestamp()
	conv := domain.Conversation{
		ID:        util.NewID(),
		UserID:    user.ID,
		Title:     title,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if resolved != nil {
		id := resolved.Config().ID
		conv.AssistantID = &id
	}
	opening := domain.Message{
		ID:             util.NewID(),
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        assistant.Greeting(resolved),
		AttachmentIDs:  []string{},
		CreatedAt:      now,
	}
	if err := a.store.CreateConversation(ctx, conv, opening); err != nil {
		return ConversationDetail{}, fmt.Errorf("create conversation: %w", err)
	}
	messages, err := a.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return ConversationDetail{}, fmt.Errorf("list messages: %w", err)
	}
	return ConversationDetail{Conversation: conv, Messages: messages}, nil
}

// GetConversation returns the caller's conversation with ordered messages.
func (a *App) GetConversation(ctx context.Context, user domain.User, id string) (ConversationDetail, error) {
	conv, err := a.ownedConversation(ctx, user.ID, id)
	if err != nil {
		return ConversationDetail{}, err
	}
	messages, err := a.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return ConversationDetail{}, fmt.Errorf("list messages: %w", err)
	}
	return ConversationDetail{Conversation: conv, Messages: messages}, nil
}

// ListConversations lists the caller's conversations most recent first.
func (a *App) ListConversations(ctx context.Context, user domain.User, limit int) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	items, err := a.store.ListConversationsByUser(ctx, user.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// RenameConversation replaces the title.
func (a *App) RenameConversation(ctx context.Context, user domain.User, id, title string) (domain.Conversation, error) {
	return a.PatchConversation(ctx, user, id, ConversationPatch{Title: &title})
}

// ToggleFavorite flips the favorite flag.
func (a *App) ToggleFavorite(ctx context.Context, user domain.User, id string) (domain.Conversation, error) {
	return a.PatchConversation(ctx, user, id, ConversationPatch{ToggleFavorite: true})
}

// SetTags replaces the tag set.
func (a *App) SetTags(ctx context.Context, user domain.User, id string, tags []string) (domain.Conversation, error) {
	return a.PatchConversation(ctx, user, id, ConversationPatch{Tags: &tags})
}

// PatchConversation applies metadata changes after re-checking ownership
// and re-stamps UpdatedAt.
func (a *App) PatchConversation(ctx context.Context, user domain.User, id string, patch ConversationPatch) (domain.Conversation, error) {
	if patch.Title == nil && !patch.ToggleFavorite && patch.Tags == nil {
		return domain.Conversation{}, ErrEmptyPatch
	}
	var tags []string
	if patch.Tags != nil {
		normalized, err := normalizeTags(*patch.Tags)
		if err != nil {
			return domain.Conversation{}, err
		}
		tags = normalized
	}
	var title string
	if patch.Title != nil {
		title = strings.TrimSpace(*patch.Title)
		if utf8.RuneCountInString(title) > maxTitleRunes {
			return domain.Conversation{}, ErrTitleTooLong
		}
	}

	conv, err := a.ownedConversation(ctx, user.ID, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if patch.Title != nil {
		conv.Title = title
	}
	if patch.ToggleFavorite {
		conv.IsFavorite = !conv.IsFavorite
	}
	if patch.Tags != nil {
		conv.Tags = tags
	}
	conv.UpdatedAt = a.timestamp()
	if err := a.store.UpdateConversation(ctx, conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes the conversation, its messages and their document links.
func (a *App) DeleteConversation(ctx context.Context, user domain.User, id string) error {
	conv, err := a.ownedConversation(ctx, user.ID, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteConversation(ctx, conv.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ownedConversation hides conversations of other users behind NotFound.
func (a *App) ownedConversation(ctx context.Context, userID, id string) (domain.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Conversation{}, ErrConversationNotFound
	}
	conv, ok, err := a.store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok || conv.UserID != userID {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func normalizeTags(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if utf8.RuneCountInString(tag) > maxTagRunes {
			return nil, ErrTagTooLong
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) > maxTags {
		return nil, ErrTooManyTags
	}
	return out, nil
}
