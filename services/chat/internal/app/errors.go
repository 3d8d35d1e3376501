package app

import (
	"fmt"

	"lexassist/pkg/domain"
)

var (
	ErrConversationNotFound = fmt.Errorf("conversation not found: %w", domain.ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("message not found: %w", domain.ErrNotFound)
	ErrDocumentNotFound     = fmt.Errorf("document not found: %w", domain.ErrNotFound)
	ErrPlanRequired         = fmt.Errorf("assistant requires a higher plan: %w", domain.ErrForbidden)

	ErrContentRequired     = fmt.Errorf("content is required: %w", domain.ErrValidation)
	ErrContentTooLong      = fmt.Errorf("content too long: %w", domain.ErrValidation)
	ErrTitleTooLong        = fmt.Errorf("title too long: %w", domain.ErrValidation)
	ErrInvalidFeedback     = fmt.Errorf("feedback must be positive or negative: %w", domain.ErrValidation)
	ErrTooManyAttachments  = fmt.Errorf("too many attachments: %w", domain.ErrValidation)
	ErrTooManyTags         = fmt.Errorf("too many tags: %w", domain.ErrValidation)
	ErrEmptyPatch          = fmt.Errorf("nothing to update: %w", domain.ErrValidation)
	ErrUnsupportedFileType = fmt.Errorf("unsupported file type: %w", domain.ErrValidation)
	ErrFileRequired        = fmt.Errorf("filename required: %w", domain.ErrValidation)
	ErrFileTooLarge        = fmt.Errorf("file too large: %w", domain.ErrValidation)
	ErrNoExtractedContent  = fmt.Errorf("document has no extracted content to analyze: %w", domain.ErrValidation)
)
