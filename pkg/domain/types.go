package domain

import "time"

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionExpired  SubscriptionStatus = "expired"
)

type Subscription struct {
	Plan      Plan               `json:"plan"`
	Status    SubscriptionStatus `json:"status"`
	PeriodEnd *time.Time         `json:"periodEnd,omitempty"`
}

// User is the authenticated caller. It is rebuilt from token claims on every request.
type User struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Subscription Subscription `json:"subscription"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Feedback string

const (
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
)

type Assistant struct {
	ID              string    `json:"id"`
	OwnerUserID     string    `json:"ownerUserId,omitempty"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Icon            string    `json:"icon"`
	Category        string    `json:"category"`
	Instructions    string    `json:"instructions"`
	Greeting        string    `json:"greeting,omitempty"`
	Model           string    `json:"model"`
	Temperature     float64   `json:"temperature"`
	RequiredPlan    Plan      `json:"requiredPlan"`
	IsDefault       bool      `json:"isDefault"`
	LinkedDocuments []string  `json:"linkedDocuments"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt,omitempty"`
}

type Conversation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	AssistantID *string   `json:"assistantId"`
	Title       string    `json:"title"`
	IsFavorite  bool      `json:"isFavorite"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ConversationSummary is a list entry with the latest message preview.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"lastMessage,omitempty"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Feedback       *Feedback `json:"feedback"`
	AttachmentIDs  []string  `json:"attachmentIds"`
	CreatedAt      time.Time `json:"createdAt"`
}

type ExtractionStatus string

const (
	ExtractionPending ExtractionStatus = "pending"
	ExtractionReady   ExtractionStatus = "ready"
	ExtractionFailed  ExtractionStatus = "failed"
	ExtractionSkipped ExtractionStatus = "skipped"
)

type Document struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	Name             string           `json:"name"`
	Extension        string           `json:"extension"`
	MimeType         string           `json:"mimeType"`
	SizeBytes        int64            `json:"sizeBytes"`
	StorageKey       string           `json:"-"`
	ExtractionStatus ExtractionStatus `json:"extractionStatus"`
	ExtractionError  string           `json:"extractionError,omitempty"`
	ExtractedContent *string          `json:"extractedContent,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

type AssistantUsage struct {
	UserID      string    `json:"userId"`
	AssistantID string    `json:"assistantId"`
	TokensUsed  int64     `json:"tokensUsed"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
}
