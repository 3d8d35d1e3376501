package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lexassist/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and single-node dev runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversation ID -> chronological messages
	messageConv   map[string]string           // message ID -> conversation ID
	assistants    map[string]domain.Assistant
	documents     map[string]domain.Document
	usage         map[usageKey]domain.AssistantUsage
}

type usageKey struct {
	userID      string
	assistantID string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		messageConv:   make(map[string]string),
		assistants:    make(map[string]domain.Assistant),
		documents:     make(map[string]domain.Document),
		usage:         make(map[usageKey]domain.AssistantUsage),
	}
}

func (m *MemoryStore) CreateConversation(_ context.Context, conv domain.Conversation, opening domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("create conversation: duplicate id %s", conv.ID)
	}
	conv.Tags = cloneStrings(conv.Tags)
	m.conversations[conv.ID] = conv
	opening.CreatedAt = nextMessageTime(opening.CreatedAt, time.Time{})
	opening.AttachmentIDs = cloneStrings(opening.AttachmentIDs)
	m.messages[conv.ID] = []domain.Message{opening}
	m.messageConv[opening.ID] = conv.ID
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	conv.Tags = cloneStrings(conv.Tags)
	return conv, true, nil
}

func (m *MemoryStore) ListConversationsByUser(_ context.Context, userID string, limit int) ([]domain.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ConversationSummary, 0)
	for _, conv := range m.conversations {
		if conv.UserID != userID {
			continue
		}
		conv.Tags = cloneStrings(conv.Tags)
		summary := domain.ConversationSummary{Conversation: conv}
		if msgs := m.messages[conv.ID]; len(msgs) > 0 {
			last := cloneMessage(msgs[len(msgs)-1])
			summary.LastMessage = &last
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateConversation(_ context.Context, conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.conversations[conv.ID]
	if !ok {
		return fmt.Errorf("update conversation: %w", domain.ErrNotFound)
	}
	existing.Title = conv.Title
	existing.IsFavorite = conv.IsFavorite
	existing.Tags = cloneStrings(conv.Tags)
	existing.UpdatedAt = conv.UpdatedAt
	m.conversations[conv.ID] = existing
	return nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return fmt.Errorf("delete conversation: %w", domain.ErrNotFound)
	}
	for _, msg := range m.messages[id] {
		delete(m.messageConv, msg.ID)
	}
	delete(m.messages, id)
	delete(m.conversations, id)
	return nil
}

func (m *MemoryStore) CountConversationsByUser(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, conv := range m.conversations {
		if conv.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return domain.Message{}, fmt.Errorf("append message: %w", domain.ErrNotFound)
	}
	var lastAt time.Time
	if msgs := m.messages[conv.ID]; len(msgs) > 0 {
		lastAt = msgs[len(msgs)-1].CreatedAt
	}
	msg.CreatedAt = nextMessageTime(msg.CreatedAt, lastAt)
	msg.AttachmentIDs = cloneStrings(msg.AttachmentIDs)
	m.messages[conv.ID] = append(m.messages[conv.ID], msg)
	m.messageConv[msg.ID] = conv.ID
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
		m.conversations[conv.ID] = conv
	}
	return cloneMessage(msg), nil
}

func (m *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, convID, ok := m.findMessage(id)
	if !ok {
		return nil
	}
	msgs := m.messages[convID]
	m.messages[convID] = append(msgs[:idx:idx], msgs[idx+1:]...)
	delete(m.messageConv, id)
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, convID, ok := m.findMessage(id)
	if !ok {
		return domain.Message{}, false, nil
	}
	return cloneMessage(m.messages[convID][idx]), true, nil
}

func (m *MemoryStore) findMessage(id string) (int, string, bool) {
	convID, ok := m.messageConv[id]
	if !ok {
		return 0, "", false
	}
	for i, msg := range m.messages[convID] {
		if msg.ID == id {
			return i, convID, true
		}
	}
	return 0, "", false
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	out := make([]domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) SetMessageFeedback(_ context.Context, id string, feedback domain.Feedback) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, convID, ok := m.findMessage(id)
	if !ok {
		return domain.Message{}, fmt.Errorf("set feedback: %w", domain.ErrNotFound)
	}
	fb := feedback
	m.messages[convID][idx].Feedback = &fb
	return cloneMessage(m.messages[convID][idx]), nil
}

func (m *MemoryStore) CountMessagesByUser(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for id, conv := range m.conversations {
		if conv.UserID == userID {
			n += int64(len(m.messages[id]))
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveAssistant(_ context.Context, a domain.Assistant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.assistants[a.ID]; ok {
		a.CreatedAt = existing.CreatedAt
		a.OwnerUserID = existing.OwnerUserID
	}
	a.LinkedDocuments = cloneStrings(a.LinkedDocuments)
	m.assistants[a.ID] = a
	return nil
}

func (m *MemoryStore) GetAssistant(_ context.Context, id string) (domain.Assistant, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assistants[id]
	if !ok {
		return domain.Assistant{}, false, nil
	}
	a.LinkedDocuments = cloneStrings(a.LinkedDocuments)
	return a, true, nil
}

func (m *MemoryStore) ListAssistantsByOwner(_ context.Context, ownerUserID string) ([]domain.Assistant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Assistant, 0)
	for _, a := range m.assistants {
		if a.OwnerUserID == ownerUserID {
			a.LinkedDocuments = cloneStrings(a.LinkedDocuments)
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteAssistant(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assistants[id]; !ok {
		return fmt.Errorf("delete assistant: %w", domain.ErrNotFound)
	}
	delete(m.assistants, id)
	return nil
}

func (m *MemoryStore) SaveDocument(_ context.Context, d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.documents[d.ID]; ok {
		d.CreatedAt = existing.CreatedAt
		d.UserID = existing.UserID
	}
	m.documents[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	return d, ok, nil
}

func (m *MemoryStore) GetDocuments(_ context.Context, ids []string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool, len(ids))
	out := make([]domain.Document, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if d, ok := m.documents[id]; ok {
			seen[id] = true
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDocumentsByUser(_ context.Context, userID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Document, 0)
	for _, d := range m.documents {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetDocumentExtraction(_ context.Context, id string, status domain.ExtractionStatus, content *string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return fmt.Errorf("set extraction: %w", domain.ErrNotFound)
	}
	d.ExtractionStatus = status
	d.ExtractedContent = content
	d.ExtractionError = errMsg
	d.UpdatedAt = time.Now().UTC()
	m.documents[id] = d
	return nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return fmt.Errorf("delete document: %w", domain.ErrNotFound)
	}
	delete(m.documents, id)
	for aid, a := range m.assistants {
		a.LinkedDocuments = removeString(a.LinkedDocuments, id)
		m.assistants[aid] = a
	}
	for cid, msgs := range m.messages {
		for i := range msgs {
			msgs[i].AttachmentIDs = removeString(msgs[i].AttachmentIDs, id)
		}
		m.messages[cid] = msgs
	}
	return nil
}

func (m *MemoryStore) CountDocumentsByUser(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, d := range m.documents {
		if d.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) IncrementUsage(_ context.Context, userID, assistantID string, tokens int64, at time.Time) error {
	if tokens < 0 {
		return fmt.Errorf("increment usage: negative tokens: %w", domain.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey{userID: userID, assistantID: assistantID}
	u := m.usage[key]
	u.UserID = userID
	u.AssistantID = assistantID
	u.TokensUsed += tokens
	if at = at.UTC(); at.After(u.LastUsedAt) {
		u.LastUsedAt = at
	}
	m.usage[key] = u
	return nil
}

func (m *MemoryStore) ListUsage(_ context.Context, userID string) ([]domain.AssistantUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AssistantUsage, 0)
	for key, u := range m.usage {
		if key.userID == userID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TokensUsed == out[j].TokensUsed {
			return out[i].AssistantID < out[j].AssistantID
		}
		return out[i].TokensUsed > out[j].TokensUsed
	})
	return out, nil
}

func cloneMessage(msg domain.Message) domain.Message {
	msg.AttachmentIDs = cloneStrings(msg.AttachmentIDs)
	if msg.Feedback != nil {
		fb := *msg.Feedback
		msg.Feedback = &fb
	}
	return msg
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func removeString(in []string, target string) []string {
	out := in[:0]
	for _, v := range in {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
