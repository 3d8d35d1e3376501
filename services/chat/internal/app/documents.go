package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"lexassist/internal/util"
	"lexassist/pkg/ai"
	"lexassist/pkg/assistant"
	"lexassist/pkg/domain"
	"lexassist/pkg/extract"
	"lexassist/pkg/queue"
	"lexassist/pkg/storage"
)

const (
	analysisSystemPrompt = "Você é um assistente jurídico especializado em análise de documentos."
	analysisTemperature  = 0.5
	analysisMaxTokens    = 2000
	maxQueryRunes        = 2000

	// AnalysisFallback replaces the analysis when the provider fails.
	AnalysisFallback = "Falha ao analisar o documento. Por favor, tente novamente."
)

// UploadInput is a file received from the client.
type UploadInput struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Analysis is the provider's reading of a document.
type Analysis struct {
	Analysis string `json:"analysis"`
	Degraded bool   `json:"degraded"`
}

// UploadDocument stores the bytes, records the document and schedules text
// extraction. Formats that cannot be read are recorded as skipped.
func (a *App) UploadDocument(ctx context.Context, user domain.User, in UploadInput) (domain.Document, error) {
	name := filepath.Base(strings.TrimSpace(in.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return domain.Document{}, ErrFileRequired
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := a.allowedExtensions[ext]; !ok {
		return domain.Document{}, ErrUnsupportedFileType
	}
	data, err := io.ReadAll(io.LimitReader(in.Body, a.maxUploadBytes+1))
	if err != nil {
		return domain.Document{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > a.maxUploadBytes {
		return domain.Document{}, ErrFileTooLarge
	}
	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			contentType = byExt
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := storage.ObjectKey(user.ID, ext)
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return domain.Document{}, fmt.Errorf("store upload: %w", err)
	}
	now := a.timestamp()
	doc := domain.Document{
		ID:               util.NewID(),
		UserID:           user.ID,
		Name:             name,
		Extension:        ext,
		MimeType:         contentType,
		SizeBytes:        int64(len(data)),
		StorageKey:       key,
		ExtractionStatus: domain.ExtractionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !extract.Supports(ext) {
		doc.ExtractionStatus = domain.ExtractionSkipped
		doc.ExtractionError = "formato sem extração de texto: " + ext
	}
	if err := a.store.SaveDocument(ctx, doc); err != nil {
		if derr := a.objects.Delete(context.WithoutCancel(ctx), key); derr != nil {
			util.LoggerFromContext(ctx).Warn("orphan_object_delete_failed", "key", key, "err", derr)
		}
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	if doc.ExtractionStatus != domain.ExtractionPending {
		return doc, nil
	}
	job, err := a.jobs.Enqueue(ctx, doc.ID)
	if err != nil {
		util.LoggerFromContext(ctx).Error("extraction_enqueue_failed", "document_id", doc.ID, "err", err)
		msg := "não foi possível agendar a extração"
		if serr := a.store.SetDocumentExtraction(context.WithoutCancel(ctx), doc.ID, domain.ExtractionFailed, nil, msg); serr != nil {
			return domain.Document{}, fmt.Errorf("mark extraction failed: %w", serr)
		}
		doc.ExtractionStatus = domain.ExtractionFailed
		doc.ExtractionError = msg
		return doc, nil
	}
	util.LoggerFromContext(ctx).Info("extraction_enqueued", "document_id", doc.ID, "job_id", job.ID)
	return doc, nil
}

// handleExtraction reads a stored document and records its text. Returning
// an error asks the queue to retry, so only storage reads do that.
func (a *App) handleExtraction(ctx context.Context, job queue.JobStatus) error {
	doc, ok, err := a.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !ok || doc.ExtractionStatus != domain.ExtractionPending {
		return nil
	}
	rc, err := a.objects.Get(ctx, doc.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return a.store.SetDocumentExtraction(ctx, doc.ID, domain.ExtractionFailed, nil, "arquivo não encontrado")
	}
	if err != nil {
		return fmt.Errorf("open object: %w", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("read object: %w", err)
	}
	text, err := extract.Text(doc.Extension, data)
	switch {
	case errors.Is(err, extract.ErrUnsupported):
		return a.store.SetDocumentExtraction(ctx, doc.ID, domain.ExtractionSkipped, nil, "formato sem extração de texto: "+doc.Extension)
	case err != nil:
		util.LoggerFromContext(ctx).Warn("extraction_failed", "document_id", doc.ID, "attempts", job.Attempts, "err", err)
		return a.store.SetDocumentExtraction(ctx, doc.ID, domain.ExtractionFailed, nil, err.Error())
	}
	if err := a.store.SetDocumentExtraction(ctx, doc.ID, domain.ExtractionReady, &text, ""); err != nil {
		return fmt.Errorf("save extraction: %w", err)
	}
	util.LoggerFromContext(ctx).Info("extraction_done", "document_id", doc.ID, "runes", len([]rune(text)))
	return nil
}

// ListDocuments returns the caller's documents newest first.
func (a *App) ListDocuments(ctx context.Context, user domain.User) ([]domain.Document, error) {
	docs, err := a.store.ListDocumentsByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// GetDocument returns one of the caller's documents.
func (a *App) GetDocument(ctx context.Context, user domain.User, id string) (domain.Document, error) {
	return a.ownedDocument(ctx, user.ID, id)
}

// OpenDocument streams the stored bytes of one of the caller's documents.
func (a *App) OpenDocument(ctx context.Context, user domain.User, id string) (domain.Document, io.ReadCloser, error) {
	doc, err := a.ownedDocument(ctx, user.ID, id)
	if err != nil {
		return domain.Document{}, nil, err
	}
	rc, err := a.objects.Get(ctx, doc.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return domain.Document{}, nil, ErrDocumentNotFound
	}
	if err != nil {
		return domain.Document{}, nil, fmt.Errorf("open object: %w", err)
	}
	return doc, rc, nil
}

// DeleteDocument removes the record, its links and then the stored bytes.
func (a *App) DeleteDocument(ctx context.Context, user domain.User, id string) error {
	doc, err := a.ownedDocument(ctx, user.ID, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteDocument(ctx, doc.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrDocumentNotFound
		}
		return fmt.Errorf("delete document: %w", err)
	}
	if err := a.objects.Delete(context.WithoutCancel(ctx), doc.StorageKey); err != nil {
		util.LoggerFromContext(ctx).Warn("object_delete_failed", "document_id", doc.ID, "err", err)
	}
	return nil
}

// AnalyzeDocument asks the provider to summarise the document or answer
// query about it. Provider failures return the fallback text.
func (a *App) AnalyzeDocument(ctx context.Context, user domain.User, id, query string) (Analysis, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) > maxQueryRunes {
		return Analysis{}, ErrContentTooLong
	}
	doc, err := a.ownedDocument(ctx, user.ID, id)
	if err != nil {
		return Analysis{}, err
	}
	if doc.ExtractedContent == nil || strings.TrimSpace(*doc.ExtractedContent) == "" {
		return Analysis{}, ErrNoExtractedContent
	}
	content := assistant.TruncateRunes(*doc.ExtractedContent, a.analysisRunes)
	var prompt string
	if query != "" {
		prompt = fmt.Sprintf("Analise o seguinte documento e responda à pergunta: %s\n\nDocumento: %s", query, content)
	} else {
		prompt = fmt.Sprintf("Analise o seguinte documento e forneça um resumo dos pontos principais:\n\nDocumento: %s", content)
	}
	text, _, perr := a.complete(ctx, ai.Request{
		Model:       assistant.DefaultModel,
		Temperature: analysisTemperature,
		MaxTokens:   analysisMaxTokens,
		Messages: []ai.Message{
			{Role: ai.RoleSystem, Content: analysisSystemPrompt},
			{Role: ai.RoleUser, Content: prompt},
		},
	})
	if perr != nil {
		util.LoggerFromContext(ctx).Warn("analysis_fallback", "document_id", doc.ID, "kind", string(perr.Kind), "err", perr.Err)
		return Analysis{Analysis: AnalysisFallback, Degraded: true}, nil
	}
	return Analysis{Analysis: text}, nil
}

func (a *App) ownedDocument(ctx context.Context, userID, id string) (domain.Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Document{}, ErrDocumentNotFound
	}
	doc, ok, err := a.store.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok || doc.UserID != userID {
		return domain.Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

// ownedDocuments loads ids in order, failing if any is missing or foreign.
func (a *App) ownedDocuments(ctx context.Context, userID string, ids []string) ([]domain.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	docs, err := a.store.GetDocuments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	if len(docs) != len(ids) {
		return nil, ErrDocumentNotFound
	}
	for _, d := range docs {
		if d.UserID != userID {
			return nil, ErrDocumentNotFound
		}
	}
	return docs, nil
}
