package store

import (
	"context"
	"time"

	"lexassist/pkg/domain"
)

// Store defines persistence operations for conversations, messages,
// assistants, documents and usage counters.
type Store interface {
	// conversations
	CreateConversation(ctx context.Context, conv domain.Conversation, opening domain.Message) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	ListConversationsByUser(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error)
	UpdateConversation(ctx context.Context, conv domain.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	CountConversationsByUser(ctx context.Context, userID string) (int64, error)

	// messages
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	SetMessageFeedback(ctx context.Context, id string, feedback domain.Feedback) (domain.Message, error)
	CountMessagesByUser(ctx context.Context, userID string) (int64, error)

	// custom assistants
	SaveAssistant(ctx context.Context, a domain.Assistant) error
	GetAssistant(ctx context.Context, id string) (domain.Assistant, bool, error)
	ListAssistantsByOwner(ctx context.Context, ownerUserID string) ([]domain.Assistant, error)
	DeleteAssistant(ctx context.Context, id string) error

	// documents
	SaveDocument(ctx context.Context, d domain.Document) error
	GetDocument(ctx context.Context, id string) (domain.Document, bool, error)
	GetDocuments(ctx context.Context, ids []string) ([]domain.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]domain.Document, error)
	SetDocumentExtraction(ctx context.Context, id string, status domain.ExtractionStatus, content *string, errMsg string) error
	DeleteDocument(ctx context.Context, id string) error
	CountDocumentsByUser(ctx context.Context, userID string) (int64, error)

	// usage
	IncrementUsage(ctx context.Context, userID, assistantID string, tokens int64, at time.Time) error
	ListUsage(ctx context.Context, userID string) ([]domain.AssistantUsage, error)
}

// nextMessageTime keeps created_at strictly increasing inside a conversation.
func nextMessageTime(candidate, last time.Time) time.Time {
	candidate = candidate.UTC().Truncate(time.Microsecond)
	if last.IsZero() || candidate.After(last) {
		return candidate
	}
	return last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
}
