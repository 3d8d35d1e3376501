package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lexassist/pkg/domain"
)

func TestClientSendMessage(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/conversations/c1/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Exchange{
			UserMessage:      domain.Message{ID: "m1", Role: domain.RoleUser, Content: "Olá"},
			AssistantMessage: domain.Message{ID: "m2", Role: domain.RoleAssistant, Content: "Resposta"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "tok", time.Second)
	ex, err := client.SendMessage(context.Background(), "c1", "Olá", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotBody["content"] != "Olá" {
		t.Fatalf("body = %v", gotBody)
	}
	if ids, ok := gotBody["attachmentIds"].([]any); !ok || len(ids) != 0 {
		t.Fatalf("attachmentIds = %v", gotBody["attachmentIds"])
	}
	if ex.UserMessage.ID != "m1" || ex.AssistantMessage.Content != "Resposta" {
		t.Fatalf("unexpected exchange %+v", ex)
	}
}

func TestClientCreateConversationSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") != "k-1" {
			t.Errorf("missing idempotency key")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["assistantId"] != "penal" {
			t.Errorf("assistantId = %v", body["assistantId"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ConversationDetail{
			Conversation: domain.Conversation{ID: "c1"},
			Messages:     []domain.Message{{ID: "m0", Role: domain.RoleAssistant}},
		})
	}))
	defer srv.Close()

	assistant := "penal"
	detail, err := NewClient(srv.URL, "tok", 0).CreateConversation(context.Background(), &assistant, "", "k-1")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if detail.Conversation.ID != "c1" || len(detail.Messages) != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"plano insuficiente","code":"PLAN_REQUIRED","requestId":"req-1"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok", time.Second).GetConversation(context.Background(), "c1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Code != "PLAN_REQUIRED" || apiErr.RequestID != "req-1" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if apiErr.Error() != "plano insuficiente" {
		t.Fatalf("message = %q", apiErr.Error())
	}
}

func TestClientListConversationsAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations":
			if r.URL.Query().Get("limit") != "5" {
				t.Errorf("limit = %q", r.URL.Query().Get("limit"))
			}
			_, _ = w.Write([]byte(`{"items":[{"id":"c2"},{"id":"c1"}],"count":2}`))
		case "/users/me/usage":
			_, _ = w.Write([]byte(`{"totalTokens":40,"unallocatedPercent":0,"perAssistantUsage":[{"assistantId":"penal","sharePercent":100}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", time.Second)
	items, err := client.ListConversations(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(items) != 2 || items[0].ID != "c2" {
		t.Fatalf("unexpected items %+v", items)
	}
	usage, err := client.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.TotalTokens != 40 || len(usage.PerAssistantUsage) != 1 || usage.PerAssistantUsage[0].SharePercent != 100 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}
