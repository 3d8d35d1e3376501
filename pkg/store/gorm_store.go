package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"lexassist/pkg/domain"
)

const migrateLockID int64 = 51820417

type GormStoreOptions struct {
	MaxOpenConns  int
	SlowThreshold time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithMaxOpenConns caps the connection pool. SQLite stores default to one.
func WithMaxOpenConns(n int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.MaxOpenConns = n
	}
}

// WithSlowThreshold sets the slow query log threshold.
func WithSlowThreshold(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.SlowThreshold = d
	}
}

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db       *gorm.DB
	lockRows bool
	postgres bool
}

// NewGormStore opens a Postgres database and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	return openGormStore(postgres.Open(dsn), true, options...)
}

// NewSQLiteStore opens a SQLite database file for local runs and tests.
func NewSQLiteStore(path string, options ...GormStoreOption) (*GormStore, error) {
	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	options = append([]GormStoreOption{WithMaxOpenConns(1)}, options...)
	return openGormStore(sqlite.Open(dsn), false, options...)
}

func openGormStore(dialector gorm.Dialector, isPostgres bool, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{SlowThreshold: time.Second}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&ConversationModel{},
			&MessageModel{},
			&MessageDocumentModel{},
			&AssistantModel{},
			&AssistantDocumentModel{},
			&DocumentModel{},
			&AssistantUsageModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if isPostgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db, lockRows: isPostgres, postgres: isPostgres}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateConversation stores the conversation and its opening message atomically.
func (s *GormStore) CreateConversation(ctx context.Context, conv domain.Conversation, opening domain.Message) error {
	opening.CreatedAt = nextMessageTime(opening.CreatedAt, time.Time{})
	convModel := conversationToModel(conv)
	msgModel := messageToModel(opening)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&convModel).Error; err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		if err := tx.Create(&msgModel).Error; err != nil {
			return fmt.Errorf("create opening message: %w", err)
		}
		return nil
	})
}

// GetConversation returns a conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUser returns conversations most-recent-first with their latest message.
func (s *GormStore) ListConversationsByUser(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error) {
	db := s.db.WithContext(ctx)
	var models []ConversationModel
	query := db.Where("user_id = ?", userID).Order("updated_at desc").Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return []domain.ConversationSummary{}, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var latest []MessageModel
	if err := db.
		Where("conversation_id IN ?", ids).
		Where("created_at = (SELECT MAX(m2.created_at) FROM message_models m2 WHERE m2.conversation_id = message_models.conversation_id)").
		Find(&latest).Error; err != nil {
		return nil, err
	}
	byConversation := make(map[string]domain.Message, len(latest))
	for _, m := range latest {
		byConversation[m.ConversationID] = messageFromModel(m, nil)
	}
	out := make([]domain.ConversationSummary, 0, len(models))
	for _, m := range models {
		summary := domain.ConversationSummary{Conversation: conversationFromModel(m)}
		if msg, ok := byConversation[m.ID]; ok {
			msg := msg
			summary.LastMessage = &msg
		}
		out = append(out, summary)
	}
	return out, nil
}

// UpdateConversation persists metadata changes (title, favorite, tags, updated_at).
func (s *GormStore) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	model := conversationToModel(conv)
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).Where("id = ?", conv.ID).Updates(map[string]any{
		"title":       model.Title,
		"is_favorite": model.IsFavorite,
		"tags":        model.Tags,
		"updated_at":  model.UpdatedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update conversation: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteConversation removes the conversation, its messages and their document links.
func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messageIDs := tx.Model(&MessageModel{}).Select("id").Where("conversation_id = ?", id)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&MessageDocumentModel{}).Error; err != nil {
			return fmt.Errorf("delete message documents: %w", err)
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&MessageModel{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&ConversationModel{})
		if res.Error != nil {
			return fmt.Errorf("delete conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("delete conversation: %w", domain.ErrNotFound)
		}
		return nil
	})
}

// DeleteMessage removes one message and its document links. Missing ids are not an error.
func (s *GormStore) DeleteMessage(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&MessageDocumentModel{}).Error; err != nil {
			return fmt.Errorf("delete message documents: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&MessageModel{}).Error; err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return nil
	})
}

// CountConversationsByUser counts conversations owned by the user.
func (s *GormStore) CountConversationsByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ConversationModel{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// AppendMessage stores a message and its attachment links, keeps created_at
// strictly increasing and bumps the conversation's updated_at.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv ConversationModel
		lookup := tx
		if s.lockRows {
			lookup = lookup.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := lookup.First(&conv, "id = ?", msg.ConversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("append message: %w", domain.ErrNotFound)
			}
			return err
		}
		var last []MessageModel
		if err := tx.Where("conversation_id = ?", msg.ConversationID).Order("created_at desc").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		var lastAt time.Time
		if len(last) > 0 {
			lastAt = last[0].CreatedAt
		}
		msg.CreatedAt = nextMessageTime(msg.CreatedAt, lastAt)
		model := messageToModel(msg)
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		for _, docID := range msg.AttachmentIDs {
			link := MessageDocumentModel{MessageID: msg.ID, DocumentID: docID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return fmt.Errorf("link attachment: %w", err)
			}
		}
		updatedAt := msg.CreatedAt
		if conv.UpdatedAt.After(updatedAt) {
			updatedAt = conv.UpdatedAt
		}
		return tx.Model(&ConversationModel{}).Where("id = ?", conv.ID).Update("updated_at", updatedAt).Error
	})
	if err != nil {
		return domain.Message{}, err
	}
	if msg.AttachmentIDs == nil {
		msg.AttachmentIDs = []string{}
	}
	return msg, nil
}

// GetMessage returns a message by ID.
func (s *GormStore) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	db := s.db.WithContext(ctx)
	var model MessageModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	attachments, err := s.attachmentsFor(db, []string{model.ID})
	if err != nil {
		return domain.Message{}, false, err
	}
	return messageFromModel(model, attachments[model.ID]), true, nil
}

// ListMessages returns conversation messages in chronological order.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	db := s.db.WithContext(ctx)
	var models []MessageModel
	if err := db.Where("conversation_id = ?", conversationID).Order("created_at asc").Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	attachments, err := s.attachmentsFor(db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		out = append(out, messageFromModel(m, attachments[m.ID]))
	}
	return out, nil
}

func (s *GormStore) attachmentsFor(db *gorm.DB, messageIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	var links []MessageDocumentModel
	if err := db.Where("message_id IN ?", messageIDs).Order("document_id asc").Find(&links).Error; err != nil {
		return nil, err
	}
	for _, link := range links {
		out[link.MessageID] = append(out[link.MessageID], link.DocumentID)
	}
	return out, nil
}

// SetMessageFeedback overwrites the feedback of a message.
func (s *GormStore) SetMessageFeedback(ctx context.Context, id string, feedback domain.Feedback) (domain.Message, error) {
	res := s.db.WithContext(ctx).Model(&MessageModel{}).Where("id = ?", id).Update("feedback", string(feedback))
	if res.Error != nil {
		return domain.Message{}, res.Error
	}
	msg, ok, err := s.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, fmt.Errorf("set feedback: %w", domain.ErrNotFound)
	}
	return msg, nil
}

// CountMessagesByUser counts messages across all of the user's conversations.
func (s *GormStore) CountMessagesByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&MessageModel{}).
		Joins("JOIN conversation_models ON conversation_models.id = message_models.conversation_id").
		Where("conversation_models.user_id = ?", userID).
		Count(&count).Error
	return count, err
}

// SaveAssistant upserts a custom assistant and replaces its document links.
func (s *GormStore) SaveAssistant(ctx context.Context, a domain.Assistant) error {
	model := assistantToModel(a)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "description", "icon", "category", "instructions", "greeting",
				"model", "temperature", "required_plan", "updated_at",
			}),
		}).Create(&model).Error; err != nil {
			return fmt.Errorf("save assistant: %w", err)
		}
		if err := tx.Where("assistant_id = ?", a.ID).Delete(&AssistantDocumentModel{}).Error; err != nil {
			return fmt.Errorf("clear assistant documents: %w", err)
		}
		for _, docID := range a.LinkedDocuments {
			link := AssistantDocumentModel{AssistantID: a.ID, DocumentID: docID, CreatedAt: model.UpdatedAt}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return fmt.Errorf("link assistant document: %w", err)
			}
		}
		return nil
	})
}

// GetAssistant returns a custom assistant with its linked document IDs.
func (s *GormStore) GetAssistant(ctx context.Context, id string) (domain.Assistant, bool, error) {
	db := s.db.WithContext(ctx)
	var model AssistantModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Assistant{}, false, nil
		}
		return domain.Assistant{}, false, err
	}
	links, err := s.linkedDocuments(db, []string{model.ID})
	if err != nil {
		return domain.Assistant{}, false, err
	}
	return assistantFromModel(model, links[model.ID]), true, nil
}

// ListAssistantsByOwner returns the owner's custom assistants ordered by name.
func (s *GormStore) ListAssistantsByOwner(ctx context.Context, ownerUserID string) ([]domain.Assistant, error) {
	db := s.db.WithContext(ctx)
	var models []AssistantModel
	if err := db.Where("owner_user_id = ?", ownerUserID).Order("name asc").Find(&models).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	links, err := s.linkedDocuments(db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Assistant, 0, len(models))
	for _, m := range models {
		out = append(out, assistantFromModel(m, links[m.ID]))
	}
	return out, nil
}

func (s *GormStore) linkedDocuments(db *gorm.DB, assistantIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(assistantIDs))
	if len(assistantIDs) == 0 {
		return out, nil
	}
	var links []AssistantDocumentModel
	if err := db.Where("assistant_id IN ?", assistantIDs).Order("created_at asc").Order("document_id asc").Find(&links).Error; err != nil {
		return nil, err
	}
	for _, link := range links {
		out[link.AssistantID] = append(out[link.AssistantID], link.DocumentID)
	}
	return out, nil
}

// DeleteAssistant removes a custom assistant and its document links.
func (s *GormStore) DeleteAssistant(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("assistant_id = ?", id).Delete(&AssistantDocumentModel{}).Error; err != nil {
			return fmt.Errorf("delete assistant documents: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&AssistantModel{})
		if res.Error != nil {
			return fmt.Errorf("delete assistant: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("delete assistant: %w", domain.ErrNotFound)
		}
		return nil
	})
}

// SaveDocument registers or updates a document.
func (s *GormStore) SaveDocument(ctx context.Context, d domain.Document) error {
	model := documentToModel(d)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "mime_type", "storage_key", "extraction_status", "extraction_error", "extracted_content", "updated_at",
		}),
	}).Create(&model).Error
}

// GetDocument returns a document by ID.
func (s *GormStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// GetDocuments returns the documents that exist among ids, in the order given.
func (s *GormStore) GetDocuments(ctx context.Context, ids []string) ([]domain.Document, error) {
	if len(ids) == 0 {
		return []domain.Document{}, nil
	}
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]DocumentModel, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	out := make([]domain.Document, 0, len(models))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, documentFromModel(m))
			delete(byID, id)
		}
	}
	return out, nil
}

// ListDocumentsByUser returns the user's documents newest first.
func (s *GormStore) ListDocumentsByUser(ctx context.Context, userID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Document, 0, len(models))
	for _, m := range models {
		out = append(out, documentFromModel(m))
	}
	return out, nil
}

// SetDocumentExtraction records the outcome of text extraction.
func (s *GormStore) SetDocumentExtraction(ctx context.Context, id string, status domain.ExtractionStatus, content *string, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&DocumentModel{}).Where("id = ?", id).Updates(map[string]any{
		"extraction_status": string(status),
		"extracted_content": content,
		"extraction_error":  errMsg,
		"updated_at":        time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set extraction: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteDocument removes a document and every association pointing at it.
func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&AssistantDocumentModel{}).Error; err != nil {
			return fmt.Errorf("delete assistant links: %w", err)
		}
		if err := tx.Where("document_id = ?", id).Delete(&MessageDocumentModel{}).Error; err != nil {
			return fmt.Errorf("delete message links: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&DocumentModel{})
		if res.Error != nil {
			return fmt.Errorf("delete document: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("delete document: %w", domain.ErrNotFound)
		}
		return nil
	})
}

// CountDocumentsByUser counts documents owned by the user.
func (s *GormStore) CountDocumentsByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&DocumentModel{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// IncrementUsage adds tokens to the (user, assistant) counter in one
// INSERT ... ON CONFLICT statement.
func (s *GormStore) IncrementUsage(ctx context.Context, userID, assistantID string, tokens int64, at time.Time) error {
	if tokens < 0 {
		return fmt.Errorf("increment usage: negative tokens: %w", domain.ErrValidation)
	}
	model := AssistantUsageModel{
		UserID:      userID,
		AssistantID: assistantID,
		TokensUsed:  tokens,
		LastUsedAt:  at.UTC(),
	}
	// increments land asynchronously, so last_used_at only moves forward
	latest := "MAX"
	if s.postgres {
		latest = "GREATEST"
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "assistant_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"tokens_used":  gorm.Expr("assistant_usage_models.tokens_used + excluded.tokens_used"),
			"last_used_at": gorm.Expr(latest + "(assistant_usage_models.last_used_at, excluded.last_used_at)"),
		}),
	}).Create(&model).Error
}

// ListUsage returns the user's counters ordered by tokens used.
func (s *GormStore) ListUsage(ctx context.Context, userID string) ([]domain.AssistantUsage, error) {
	var models []AssistantUsageModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("tokens_used desc").Order("assistant_id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AssistantUsage, 0, len(models))
	for _, m := range models {
		out = append(out, usageFromModel(m))
	}
	return out, nil
}
