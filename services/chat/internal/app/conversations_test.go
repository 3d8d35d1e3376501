package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"lexassist/internal/idempotency"
	"lexassist/pkg/assistant"
	"lexassist/pkg/domain"
)

func TestCreateConversationWithCatalogAssistant(t *testing.T) {
	env := newTestEnv(t)
	detail := env.createConversation(t, proUser, "penal")

	if detail.Conversation.AssistantID == nil || *detail.Conversation.AssistantID != "penal" {
		t.Fatalf("assistantId = %v, want penal", detail.Conversation.AssistantID)
	}
	if detail.Conversation.Title != "" {
		t.Fatalf("title = %q, want empty", detail.Conversation.Title)
	}
	if len(detail.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(detail.Messages))
	}
	opening := detail.Messages[0]
	if opening.Role != domain.RoleAssistant || strings.TrimSpace(opening.Content) == "" {
		t.Fatalf("unexpected opening message: %+v", opening)
	}

	got, err := env.app.GetConversation(context.Background(), proUser, detail.Conversation.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].ID != opening.ID {
		t.Fatalf("stored messages = %+v", got.Messages)
	}
}

func TestCreateConversationWithoutAssistantUsesGeneralGreeting(t *testing.T) {
	env := newTestEnv(t)
	detail, err := env.app.CreateConversation(context.Background(), freeUser, CreateConversationInput{Title: "  Dúvida  "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if detail.Conversation.AssistantID != nil {
		t.Fatalf("assistantId = %v, want nil", *detail.Conversation.AssistantID)
	}
	if detail.Conversation.Title != "Dúvida" {
		t.Fatalf("title = %q, want %q", detail.Conversation.Title, "Dúvida")
	}
	if detail.Messages[0].Content != assistant.GeneralGreeting {
		t.Fatalf("greeting = %q", detail.Messages[0].Content)
	}
}

func TestCreateConversationEntitlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.app.CreateConversation(ctx, freeUser, CreateConversationInput{AssistantID: strPtr("civil")})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	lapsed := proUser
	lapsed.Subscription.Status = domain.SubscriptionExpired
	if _, err := env.app.CreateConversation(ctx, lapsed, CreateConversationInput{AssistantID: strPtr("avaliador")}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for expired subscription, got %v", err)
	}
	if _, err := env.app.CreateConversation(ctx, freeUser, CreateConversationInput{AssistantID: strPtr("resumidor")}); err != nil {
		t.Fatalf("free assistant should be open to free plan: %v", err)
	}
	if _, err := env.app.CreateConversation(ctx, proUser, CreateConversationInput{AssistantID: strPtr("nope")}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	items, err := env.app.ListConversations(ctx, freeUser, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("conversations = %d, want 1", len(items))
	}
}

func TestCreateConversationFreePlanOpensLegalSpecialists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	activeFree := freeUser
	activeFree.Subscription.Status = domain.SubscriptionActive

	for _, id := range []string{"penal", "trabalhista", "resumidor"} {
		detail, err := env.app.CreateConversation(ctx, activeFree, CreateConversationInput{AssistantID: strPtr(id)})
		if err != nil {
			t.Fatalf("create with %s: %v", id, err)
		}
		if detail.Conversation.Title != "" {
			t.Fatalf("%s title = %q, want empty", id, detail.Conversation.Title)
		}
		if len(detail.Messages) != 1 || detail.Messages[0].Role != domain.RoleAssistant {
			t.Fatalf("%s opening = %+v", id, detail.Messages)
		}
	}
	for _, id := range []string{"civil", "avaliador", "conversor"} {
		if _, err := env.app.CreateConversation(ctx, activeFree, CreateConversationInput{AssistantID: strPtr(id)}); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("%s: expected forbidden, got %v", id, err)
		}
	}
}

func TestCreateConversationIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := CreateConversationInput{AssistantID: strPtr("resumidor"), IdempotencyKey: "retry-1"}

	first, err := env.app.CreateConversation(ctx, freeUser, in)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := env.app.CreateConversation(ctx, freeUser, in)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.Conversation.ID != second.Conversation.ID {
		t.Fatalf("replay created a new conversation: %s != %s", first.Conversation.ID, second.Conversation.ID)
	}
	if len(second.Messages) != 1 {
		t.Fatalf("replay messages = %d, want 1", len(second.Messages))
	}

	other := freeUser
	other.ID = "user-other"
	third, err := env.app.CreateConversation(ctx, other, in)
	if err != nil {
		t.Fatalf("other user create: %v", err)
	}
	if third.Conversation.ID == first.Conversation.ID {
		t.Fatalf("keys must be scoped per user")
	}
	n, err := env.store.CountConversationsByUser(ctx, freeUser.ID)
	if err != nil || n != 1 {
		t.Fatalf("conversations = %d (%v), want 1", n, err)
	}
}

func TestCreateConversationIdempotencyConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := CreateConversationInput{IdempotencyKey: "double-click"}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      = map[string]bool{}
		inFlight int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			detail, err := env.app.CreateConversation(ctx, freeUser, in)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, idempotency.ErrInFlight) {
				inFlight++
				return
			}
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids[detail.Conversation.ID] = true
		}()
	}
	wg.Wait()
	if len(ids) != 1 {
		t.Fatalf("distinct conversations = %d, want 1 (in flight %d)", len(ids), inFlight)
	}
	n, _ := env.store.CountConversationsByUser(ctx, freeUser.ID)
	if n != 1 {
		t.Fatalf("stored conversations = %d, want 1", n)
	}
}

func TestCreateConversationFailureReleasesKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := CreateConversationInput{AssistantID: strPtr("penal"), IdempotencyKey: "k1"}
	if _, err := env.app.CreateConversation(ctx, freeUser, in); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	in.AssistantID = strPtr("resumidor")
	if _, err := env.app.CreateConversation(ctx, freeUser, in); err != nil {
		t.Fatalf("key should be reusable after a failed create: %v", err)
	}
}

func TestGetConversationOwnership(t *testing.T) {
	env := newTestEnv(t)
	detail := env.createConversation(t, proUser, "")
	if _, err := env.app.GetConversation(context.Background(), freeUser, detail.Conversation.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.app.GetConversation(context.Background(), proUser, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPatchConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	detail := env.createConversation(t, proUser, "civil")
	id := detail.Conversation.ID

	renamed, err := env.app.RenameConversation(ctx, proUser, id, "  Contrato de aluguel ")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Title != "Contrato de aluguel" {
		t.Fatalf("title = %q", renamed.Title)
	}
	if renamed.UpdatedAt.Before(detail.Conversation.UpdatedAt) {
		t.Fatalf("updatedAt went backwards")
	}
	fav, err := env.app.ToggleFavorite(ctx, proUser, id)
	if err != nil || !fav.IsFavorite {
		t.Fatalf("toggle on: %+v %v", fav, err)
	}
	fav, err = env.app.ToggleFavorite(ctx, proUser, id)
	if err != nil || fav.IsFavorite {
		t.Fatalf("toggle off: %+v %v", fav, err)
	}
	tagged, err := env.app.SetTags(ctx, proUser, id, []string{" urgente ", "cliente", "urgente", ""})
	if err != nil {
		t.Fatalf("set tags: %v", err)
	}
	if strings.Join(tagged.Tags, ",") != "urgente,cliente" {
		t.Fatalf("tags = %v", tagged.Tags)
	}
	got, err := env.app.GetConversation(ctx, proUser, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Conversation.Title != "Contrato de aluguel" || len(got.Conversation.Tags) != 2 {
		t.Fatalf("patch not persisted: %+v", got.Conversation)
	}
	if got.Conversation.AssistantID == nil || *got.Conversation.AssistantID != "civil" {
		t.Fatalf("assistant reference changed: %v", got.Conversation.AssistantID)
	}
}

func TestPatchConversationValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.createConversation(t, proUser, "").Conversation.ID

	tooMany := make([]string, maxTags+1)
	for i := range tooMany {
		tooMany[i] = strings.Repeat("t", i+1)
	}
	cases := []struct {
		name  string
		user  domain.User
		patch ConversationPatch
		want  error
	}{
		{"empty", proUser, ConversationPatch{}, domain.ErrValidation},
		{"long title", proUser, ConversationPatch{Title: strPtr(strings.Repeat("a", maxTitleRunes+1))}, domain.ErrValidation},
		{"too many tags", proUser, ConversationPatch{Tags: &tooMany}, ErrTooManyTags},
		{"long tag", proUser, ConversationPatch{Tags: &[]string{strings.Repeat("é", maxTagRunes+1)}}, ErrTagTooLong},
		{"other user", freeUser, ConversationPatch{ToggleFavorite: true}, domain.ErrNotFound},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.app.PatchConversation(ctx, tt.user, id, tt.patch); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeleteConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.createConversation(t, proUser, "penal").Conversation.ID
	if _, err := env.app.SubmitMessage(ctx, proUser, id, SubmitInput{Content: "Olá"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.app.DeleteConversation(ctx, freeUser, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign delete: %v", err)
	}
	if err := env.app.DeleteConversation(ctx, proUser, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.app.GetConversation(ctx, proUser, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected deleted conversation to be gone, got %v", err)
	}
	msgs, err := env.store.ListMessages(ctx, id)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived delete: %d", len(msgs))
	}
}

func TestListConversationsMostRecentFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.createConversation(t, proUser, "").Conversation.ID
	second := env.createConversation(t, proUser, "").Conversation.ID
	if _, err := env.app.SubmitMessage(ctx, proUser, first, SubmitInput{Content: "retomando"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	items, err := env.app.ListConversations(ctx, proUser, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != first || items[1].ID != second {
		t.Fatalf("order = %v", []string{items[0].ID, items[1].ID})
	}
	if items[0].LastMessage == nil || items[0].LastMessage.Role != domain.RoleAssistant {
		t.Fatalf("lastMessage = %+v", items[0].LastMessage)
	}
}
