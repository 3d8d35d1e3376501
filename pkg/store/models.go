package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"lexassist/pkg/domain"
)

// GORM models used for persistence.
type ConversationModel struct {
	ID          string  `gorm:"primaryKey"`
	UserID      string  `gorm:"not null;index"`
	AssistantID *string `gorm:"index"`
	Title       string  `gorm:"not null;default:''"`
	IsFavorite  bool    `gorm:"not null;default:false"`
	Tags        datatypes.JSON
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index:idx_message_conversation_created,priority:1"`
	Role           string    `gorm:"not null"`
	Content        string    `gorm:"type:text;not null"`
	Feedback       *string   `gorm:"size:16"`
	CreatedAt      time.Time `gorm:"not null;index:idx_message_conversation_created,priority:2"`
}

type MessageDocumentModel struct {
	MessageID  string `gorm:"primaryKey"`
	DocumentID string `gorm:"primaryKey;index"`
}

type AssistantModel struct {
	ID           string `gorm:"primaryKey"`
	OwnerUserID  string `gorm:"not null;index"`
	Name         string `gorm:"not null"`
	Description  string
	Icon         string
	Category     string
	Instructions string  `gorm:"type:text"`
	Greeting     string  `gorm:"type:text"`
	Model        string  `gorm:"not null"`
	Temperature  float64 `gorm:"not null"`
	RequiredPlan string  `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type AssistantDocumentModel struct {
	AssistantID string    `gorm:"primaryKey"`
	DocumentID  string    `gorm:"primaryKey;index"`
	CreatedAt   time.Time `gorm:"not null"`
}

type DocumentModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;index"`
	Name             string `gorm:"not null"`
	Extension        string `gorm:"not null"`
	MimeType         string
	SizeBytes        int64  `gorm:"not null"`
	StorageKey       string `gorm:"not null"`
	ExtractionStatus string `gorm:"not null"`
	ExtractionError  string
	ExtractedContent *string   `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type AssistantUsageModel struct {
	UserID      string    `gorm:"primaryKey"`
	AssistantID string    `gorm:"primaryKey"`
	TokensUsed  int64     `gorm:"not null;default:0"`
	LastUsedAt  time.Time `gorm:"not null"`
}

func conversationToModel(c domain.Conversation) ConversationModel {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	raw, _ := json.Marshal(tags)
	return ConversationModel{
		ID:          c.ID,
		UserID:      c.UserID,
		AssistantID: c.AssistantID,
		Title:       c.Title,
		IsFavorite:  c.IsFavorite,
		Tags:        datatypes.JSON(raw),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	tags := []string{}
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	return domain.Conversation{
		ID:          m.ID,
		UserID:      m.UserID,
		AssistantID: m.AssistantID,
		Title:       m.Title,
		IsFavorite:  m.IsFavorite,
		Tags:        tags,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var feedback *string
	if msg.Feedback != nil {
		v := string(*msg.Feedback)
		feedback = &v
	}
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Feedback:       feedback,
		CreatedAt:      msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel, attachments []string) domain.Message {
	var feedback *domain.Feedback
	if m.Feedback != nil {
		v := domain.Feedback(*m.Feedback)
		feedback = &v
	}
	if attachments == nil {
		attachments = []string{}
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.Role(m.Role),
		Content:        m.Content,
		Feedback:       feedback,
		AttachmentIDs:  attachments,
		CreatedAt:      m.CreatedAt.UTC(),
	}
}

func assistantToModel(a domain.Assistant) AssistantModel {
	return AssistantModel{
		ID:           a.ID,
		OwnerUserID:  a.OwnerUserID,
		Name:         a.Name,
		Description:  a.Description,
		Icon:         a.Icon,
		Category:     a.Category,
		Instructions: a.Instructions,
		Greeting:     a.Greeting,
		Model:        a.Model,
		Temperature:  a.Temperature,
		RequiredPlan: string(a.RequiredPlan),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func assistantFromModel(m AssistantModel, linked []string) domain.Assistant {
	if linked == nil {
		linked = []string{}
	}
	return domain.Assistant{
		ID:              m.ID,
		OwnerUserID:     m.OwnerUserID,
		Name:            m.Name,
		Description:     m.Description,
		Icon:            m.Icon,
		Category:        m.Category,
		Instructions:    m.Instructions,
		Greeting:        m.Greeting,
		Model:           m.Model,
		Temperature:     m.Temperature,
		RequiredPlan:    domain.Plan(m.RequiredPlan),
		LinkedDocuments: linked,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:               d.ID,
		UserID:           d.UserID,
		Name:             d.Name,
		Extension:        d.Extension,
		MimeType:         d.MimeType,
		SizeBytes:        d.SizeBytes,
		StorageKey:       d.StorageKey,
		ExtractionStatus: string(d.ExtractionStatus),
		ExtractionError:  d.ExtractionError,
		ExtractedContent: d.ExtractedContent,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:               m.ID,
		UserID:           m.UserID,
		Name:             m.Name,
		Extension:        m.Extension,
		MimeType:         m.MimeType,
		SizeBytes:        m.SizeBytes,
		StorageKey:       m.StorageKey,
		ExtractionStatus: domain.ExtractionStatus(m.ExtractionStatus),
		ExtractionError:  m.ExtractionError,
		ExtractedContent: m.ExtractedContent,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}
}

func usageFromModel(m AssistantUsageModel) domain.AssistantUsage {
	return domain.AssistantUsage{
		UserID:      m.UserID,
		AssistantID: m.AssistantID,
		TokensUsed:  m.TokensUsed,
		LastUsedAt:  m.LastUsedAt.UTC(),
	}
}
