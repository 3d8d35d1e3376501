package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lexassist/pkg/domain"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "lexassist.db"))
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func seedConversation(t *testing.T, s Store, id, userID string, at time.Time) {
	t.Helper()
	conv := domain.Conversation{ID: id, UserID: userID, Title: "Nova conversa", Tags: []string{}, CreatedAt: at, UpdatedAt: at}
	opening := domain.Message{ID: id + "-greet", ConversationID: id, Role: domain.RoleAssistant, Content: "Olá", CreatedAt: at}
	if err := s.CreateConversation(context.Background(), conv, opening); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
}

func TestStoreConversationRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		seedConversation(t, s, "c1", "u1", now)

		conv, ok, err := s.GetConversation(ctx, "c1")
		if err != nil || !ok {
			t.Fatalf("get conversation: ok=%v err=%v", ok, err)
		}
		if conv.UserID != "u1" || conv.AssistantID != nil {
			t.Fatalf("unexpected conversation: %+v", conv)
		}

		conv.Title = "Caso 42"
		conv.IsFavorite = true
		conv.Tags = []string{"urgente", "penal"}
		conv.UpdatedAt = now.Add(time.Second)
		if err := s.UpdateConversation(ctx, conv); err != nil {
			t.Fatalf("update conversation: %v", err)
		}
		got, _, _ := s.GetConversation(ctx, "c1")
		if got.Title != "Caso 42" || !got.IsFavorite || len(got.Tags) != 2 || got.Tags[1] != "penal" {
			t.Fatalf("update not persisted: %+v", got)
		}

		if _, ok, _ := s.GetConversation(ctx, "missing"); ok {
			t.Fatalf("expected missing conversation")
		}
		err = s.UpdateConversation(ctx, domain.Conversation{ID: "missing"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreMessagesStayOrdered(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		seedConversation(t, s, "c1", "u1", at)

		// Same timestamp for every append: the store must still order them.
		for i := 0; i < 5; i++ {
			role := domain.RoleUser
			if i%2 == 1 {
				role = domain.RoleAssistant
			}
			msg, err := s.AppendMessage(ctx, domain.Message{
				ID:             fmt.Sprintf("m%d", i),
				ConversationID: "c1",
				Role:           role,
				Content:        fmt.Sprintf("mensagem %d", i),
				CreatedAt:      at,
			})
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
			if !msg.CreatedAt.After(at) {
				t.Fatalf("expected created_at after opening, got %v", msg.CreatedAt)
			}
		}

		msgs, err := s.ListMessages(ctx, "c1")
		if err != nil {
			t.Fatalf("list messages: %v", err)
		}
		if len(msgs) != 6 {
			t.Fatalf("expected 6 messages, got %d", len(msgs))
		}
		if msgs[0].ID != "c1-greet" {
			t.Fatalf("expected greeting first, got %s", msgs[0].ID)
		}
		for i := 1; i < len(msgs); i++ {
			if !msgs[i].CreatedAt.After(msgs[i-1].CreatedAt) {
				t.Fatalf("messages not strictly increasing at %d", i)
			}
			if msgs[i].ID != fmt.Sprintf("m%d", i-1) {
				t.Fatalf("unexpected order at %d: %s", i, msgs[i].ID)
			}
		}

		conv, _, _ := s.GetConversation(ctx, "c1")
		if !conv.UpdatedAt.Equal(msgs[len(msgs)-1].CreatedAt) {
			t.Fatalf("conversation updated_at %v, want %v", conv.UpdatedAt, msgs[len(msgs)-1].CreatedAt)
		}

		_, err = s.AppendMessage(ctx, domain.Message{ID: "orphan", ConversationID: "nope", Role: domain.RoleUser, CreatedAt: at})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found for orphan message, got %v", err)
		}
	})
}

func TestStoreListConversationsMostRecentFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		seedConversation(t, s, "old", "u1", base)
		seedConversation(t, s, "new", "u1", base.Add(time.Minute))
		seedConversation(t, s, "other", "u2", base.Add(2*time.Minute))

		if _, err := s.AppendMessage(ctx, domain.Message{ID: "late", ConversationID: "old", Role: domain.RoleUser, Content: "ainda aqui", CreatedAt: base.Add(5 * time.Minute)}); err != nil {
			t.Fatalf("append: %v", err)
		}

		list, err := s.ListConversationsByUser(ctx, "u1", 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 conversations, got %d", len(list))
		}
		if list[0].ID != "old" || list[1].ID != "new" {
			t.Fatalf("unexpected order: %s, %s", list[0].ID, list[1].ID)
		}
		if list[0].LastMessage == nil || list[0].LastMessage.ID != "late" {
			t.Fatalf("expected latest message preview, got %+v", list[0].LastMessage)
		}

		limited, err := s.ListConversationsByUser(ctx, "u1", 1)
		if err != nil || len(limited) != 1 {
			t.Fatalf("limit not applied: %d %v", len(limited), err)
		}
	})
}

func TestStoreDeleteConversationCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		seedConversation(t, s, "c1", "u1", now)
		seedConversation(t, s, "c2", "u1", now)
		doc := domain.Document{ID: "d1", UserID: "u1", Name: "a.txt", Extension: ".txt", StorageKey: "k", ExtractionStatus: domain.ExtractionReady, CreatedAt: now, UpdatedAt: now}
		if err := s.SaveDocument(ctx, doc); err != nil {
			t.Fatalf("save document: %v", err)
		}
		if _, err := s.AppendMessage(ctx, domain.Message{ID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "x", AttachmentIDs: []string{"d1"}, CreatedAt: now}); err != nil {
			t.Fatalf("append: %v", err)
		}

		if err := s.DeleteConversation(ctx, "c1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.GetConversation(ctx, "c1"); ok {
			t.Fatalf("conversation survived delete")
		}
		if _, ok, _ := s.GetMessage(ctx, "m1"); ok {
			t.Fatalf("message survived delete")
		}
		msgs, _ := s.ListMessages(ctx, "c1")
		if len(msgs) != 0 {
			t.Fatalf("expected no messages, got %d", len(msgs))
		}
		if _, ok, _ := s.GetDocument(ctx, "d1"); !ok {
			t.Fatalf("document must outlive the conversation")
		}
		if _, ok, _ := s.GetConversation(ctx, "c2"); !ok {
			t.Fatalf("sibling conversation removed")
		}
		if err := s.DeleteConversation(ctx, "c1"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found on second delete, got %v", err)
		}
	})
}

func TestStoreMessageFeedbackAndAttachments(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		seedConversation(t, s, "c1", "u1", now)
		for _, id := range []string{"d1", "d2"} {
			if err := s.SaveDocument(ctx, domain.Document{ID: id, UserID: "u1", Name: id, Extension: ".md", StorageKey: id, ExtractionStatus: domain.ExtractionPending, CreatedAt: now, UpdatedAt: now}); err != nil {
				t.Fatalf("save document: %v", err)
			}
		}
		if _, err := s.AppendMessage(ctx, domain.Message{ID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "veja", AttachmentIDs: []string{"d1", "d2"}, CreatedAt: now}); err != nil {
			t.Fatalf("append: %v", err)
		}

		msg, err := s.SetMessageFeedback(ctx, "m1", domain.FeedbackPositive)
		if err != nil {
			t.Fatalf("feedback: %v", err)
		}
		if msg.Feedback == nil || *msg.Feedback != domain.FeedbackPositive {
			t.Fatalf("feedback not set: %+v", msg.Feedback)
		}
		msg, err = s.SetMessageFeedback(ctx, "m1", domain.FeedbackNegative)
		if err != nil || *msg.Feedback != domain.FeedbackNegative {
			t.Fatalf("feedback not overwritten: %v", err)
		}
		if len(msg.AttachmentIDs) != 2 {
			t.Fatalf("expected 2 attachments, got %v", msg.AttachmentIDs)
		}

		if err := s.DeleteDocument(ctx, "d1"); err != nil {
			t.Fatalf("delete document: %v", err)
		}
		msg, _, _ = s.GetMessage(ctx, "m1")
		if len(msg.AttachmentIDs) != 1 || msg.AttachmentIDs[0] != "d2" {
			t.Fatalf("attachment link not removed: %v", msg.AttachmentIDs)
		}

		if _, err := s.SetMessageFeedback(ctx, "missing", domain.FeedbackPositive); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreAssistantLinksAreReplaced(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		a := domain.Assistant{
			ID: "custom-1", OwnerUserID: "u1", Name: "Tributário", Model: "gpt-4o", Temperature: 0.7,
			RequiredPlan: domain.PlanPro, LinkedDocuments: []string{"d1", "d2"}, CreatedAt: now, UpdatedAt: now,
		}
		if err := s.SaveAssistant(ctx, a); err != nil {
			t.Fatalf("save: %v", err)
		}
		a.LinkedDocuments = []string{"d3"}
		a.Name = "Tributário II"
		if err := s.SaveAssistant(ctx, a); err != nil {
			t.Fatalf("resave: %v", err)
		}
		got, ok, err := s.GetAssistant(ctx, "custom-1")
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if got.Name != "Tributário II" {
			t.Fatalf("name not updated: %s", got.Name)
		}
		if len(got.LinkedDocuments) != 1 || got.LinkedDocuments[0] != "d3" {
			t.Fatalf("expected links replaced, got %v", got.LinkedDocuments)
		}

		list, err := s.ListAssistantsByOwner(ctx, "u1")
		if err != nil || len(list) != 1 {
			t.Fatalf("list: %d %v", len(list), err)
		}
		if other, _ := s.ListAssistantsByOwner(ctx, "u2"); len(other) != 0 {
			t.Fatalf("foreign assistants leaked: %v", other)
		}

		if err := s.DeleteAssistant(ctx, "custom-1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.GetAssistant(ctx, "custom-1"); ok {
			t.Fatalf("assistant survived delete")
		}
	})
}

func TestStoreDocumentExtraction(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		doc := domain.Document{ID: "d1", UserID: "u1", Name: "peticao.pdf", Extension: ".pdf", SizeBytes: 10, StorageKey: "u1/d1.pdf", ExtractionStatus: domain.ExtractionPending, CreatedAt: now, UpdatedAt: now}
		if err := s.SaveDocument(ctx, doc); err != nil {
			t.Fatalf("save: %v", err)
		}
		text := "conteúdo extraído"
		if err := s.SetDocumentExtraction(ctx, "d1", domain.ExtractionReady, &text, ""); err != nil {
			t.Fatalf("set extraction: %v", err)
		}
		got, ok, _ := s.GetDocument(ctx, "d1")
		if !ok || got.ExtractionStatus != domain.ExtractionReady || got.ExtractedContent == nil || *got.ExtractedContent != text {
			t.Fatalf("extraction not stored: %+v", got)
		}
		docs, err := s.GetDocuments(ctx, []string{"missing", "d1"})
		if err != nil || len(docs) != 1 || docs[0].ID != "d1" {
			t.Fatalf("get documents: %v %v", docs, err)
		}
		if n, _ := s.CountDocumentsByUser(ctx, "u1"); n != 1 {
			t.Fatalf("expected 1 document, got %d", n)
		}
		if err := s.SetDocumentExtraction(ctx, "missing", domain.ExtractionFailed, nil, "boom"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreConcurrentUsageIncrementsAreExact(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const workers = 20
		const perWorker = 10
		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					if err := s.IncrementUsage(ctx, "u1", "penal", 7, time.Now()); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("increment: %v", err)
		}
		if err := s.IncrementUsage(ctx, "u1", "civil", 3, time.Now()); err != nil {
			t.Fatalf("increment civil: %v", err)
		}

		usage, err := s.ListUsage(ctx, "u1")
		if err != nil {
			t.Fatalf("list usage: %v", err)
		}
		if len(usage) != 2 {
			t.Fatalf("expected 2 counters, got %d", len(usage))
		}
		if usage[0].AssistantID != "penal" || usage[0].TokensUsed != workers*perWorker*7 {
			t.Fatalf("unexpected penal counter: %+v", usage[0])
		}
		if usage[1].AssistantID != "civil" || usage[1].TokensUsed != 3 {
			t.Fatalf("unexpected civil counter: %+v", usage[1])
		}
		if err := s.IncrementUsage(ctx, "u1", "penal", -1, time.Now()); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestStoreCountsByUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		seedConversation(t, s, "c1", "u1", now)
		seedConversation(t, s, "c2", "u1", now)
		seedConversation(t, s, "c3", "u2", now)
		if _, err := s.AppendMessage(ctx, domain.Message{ID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "oi", CreatedAt: now}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if n, _ := s.CountConversationsByUser(ctx, "u1"); n != 2 {
			t.Fatalf("expected 2 conversations, got %d", n)
		}
		if n, _ := s.CountMessagesByUser(ctx, "u1"); n != 3 {
			t.Fatalf("expected 3 messages, got %d", n)
		}
	})
}

func TestNextMessageTime(t *testing.T) {
	last := time.Date(2026, 1, 1, 0, 0, 0, 500, time.UTC)
	got := nextMessageTime(last, last)
	if !got.After(last) {
		t.Fatalf("expected bump past %v, got %v", last, got)
	}
	later := last.Add(time.Second)
	if got := nextMessageTime(later, last); !got.Equal(later.Truncate(time.Microsecond)) {
		t.Fatalf("expected candidate kept, got %v", got)
	}
}

func TestStoreDeleteMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		seedConversation(t, s, "c1", "u1", now)
		if err := s.SaveDocument(ctx, domain.Document{ID: "d1", UserID: "u1", Name: "d1", Extension: ".txt", StorageKey: "d1", ExtractionStatus: domain.ExtractionPending, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("save document: %v", err)
		}
		for i, id := range []string{"m1", "m2"} {
			msg := domain.Message{ID: id, ConversationID: "c1", Role: domain.RoleUser, Content: id, AttachmentIDs: []string{"d1"}, CreatedAt: now.Add(time.Duration(i+1) * time.Second)}
			if _, err := s.AppendMessage(ctx, msg); err != nil {
				t.Fatalf("append %s: %v", id, err)
			}
		}

		if err := s.DeleteMessage(ctx, "m1"); err != nil {
			t.Fatalf("delete message: %v", err)
		}
		if _, ok, err := s.GetMessage(ctx, "m1"); err != nil || ok {
			t.Fatalf("deleted message still found: ok=%v err=%v", ok, err)
		}
		msgs, err := s.ListMessages(ctx, "c1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 2 || msgs[0].ID != "c1-greet" || msgs[1].ID != "m2" {
			t.Fatalf("unexpected messages after delete: %+v", msgs)
		}
		if len(msgs[1].AttachmentIDs) != 1 {
			t.Fatalf("sibling attachments lost: %v", msgs[1].AttachmentIDs)
		}
		if err := s.DeleteMessage(ctx, "missing"); err != nil {
			t.Fatalf("deleting a missing message: %v", err)
		}
	})
}

func TestStoreUsageLastUsedNeverMovesBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		later := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		earlier := later.Add(-time.Hour)
		if err := s.IncrementUsage(ctx, "u1", "civil", 5, later); err != nil {
			t.Fatalf("increment: %v", err)
		}
		if err := s.IncrementUsage(ctx, "u1", "civil", 3, earlier); err != nil {
			t.Fatalf("increment: %v", err)
		}
		usage, err := s.ListUsage(ctx, "u1")
		if err != nil {
			t.Fatalf("list usage: %v", err)
		}
		if len(usage) != 1 || usage[0].TokensUsed != 8 {
			t.Fatalf("unexpected usage %+v", usage)
		}
		if !usage[0].LastUsedAt.Equal(later) {
			t.Fatalf("last used = %v, want %v", usage[0].LastUsedAt, later)
		}
	})
}
