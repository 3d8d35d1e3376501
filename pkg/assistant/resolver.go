package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"lexassist/pkg/domain"
	"lexassist/pkg/entitlement"
)

var (
	ErrAssistantNotFound = fmt.Errorf("assistant not found: %w", domain.ErrNotFound)
	ErrDefaultImmutable  = fmt.Errorf("default assistants cannot be modified: %w", domain.ErrForbidden)
	ErrPlanRequired      = fmt.Errorf("custom assistants require a paid plan: %w", domain.ErrForbidden)
	ErrDocumentNotFound  = fmt.Errorf("linked document not found: %w", domain.ErrNotFound)
)

const (
	customIDPrefix          = "custom-"
	maxNameRunes            = 100
	maxInstructionRunes     = 8000
	maxLinkedDocuments      = 20
	DefaultExcerptRunes     = 4000
	customAssistantRequires = domain.PlanPro
)

// Store is the persistence the resolver needs.
type Store interface {
	SaveAssistant(ctx context.Context, a domain.Assistant) error
	GetAssistant(ctx context.Context, id string) (domain.Assistant, bool, error)
	ListAssistantsByOwner(ctx context.Context, ownerUserID string) ([]domain.Assistant, error)
	DeleteAssistant(ctx context.Context, id string) error
	GetDocuments(ctx context.Context, ids []string) ([]domain.Document, error)
}

// Resolved is either a System catalog entry or a Custom datastore row.
type Resolved interface {
	Config() domain.Assistant
	sealed()
}

// System is a built-in assistant.
type System struct{ cfg domain.Assistant }

// Custom is a user-defined assistant.
type Custom struct{ cfg domain.Assistant }

func (s System) Config() domain.Assistant { return s.cfg }
func (c Custom) Config() domain.Assistant { return c.cfg }
func (System) sealed()                    {}
func (Custom) sealed()                    {}

// CreateInput describes a new custom assistant.
type CreateInput struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Icon            string   `json:"icon"`
	Category        string   `json:"category"`
	Instructions    string   `json:"instructions"`
	Greeting        string   `json:"greeting"`
	Model           string   `json:"model"`
	Temperature     *float64 `json:"temperature"`
	LinkedDocuments []string `json:"linkedDocuments"`
}

// Patch changes a custom assistant. Nil fields are left alone; a non-nil
// LinkedDocuments replaces the whole association set.
type Patch struct {
	Name            *string   `json:"name"`
	Description     *string   `json:"description"`
	Icon            *string   `json:"icon"`
	Category        *string   `json:"category"`
	Instructions    *string   `json:"instructions"`
	Greeting        *string   `json:"greeting"`
	Model           *string   `json:"model"`
	Temperature     *float64  `json:"temperature"`
	LinkedDocuments *[]string `json:"linkedDocuments"`
}

// Resolver turns assistant ids into configurations and guards custom assistant writes.
type Resolver struct {
	store        Store
	excerptRunes int
	now          func() time.Time
}

// NewResolver builds a resolver. excerptRunes caps the linked-document text
// appended to system instructions; zero selects DefaultExcerptRunes.
func NewResolver(store Store, excerptRunes int) *Resolver {
	if excerptRunes <= 0 {
		excerptRunes = DefaultExcerptRunes
	}
	return &Resolver{store: store, excerptRunes: excerptRunes, now: time.Now}
}

// Resolve looks an assistant up once, catalog first.
func (r *Resolver) Resolve(ctx context.Context, id string) (Resolved, error) {
	if a, ok := lookupSystem(id); ok {
		return System{cfg: a}, nil
	}
	if !strings.HasPrefix(id, customIDPrefix) {
		return nil, ErrAssistantNotFound
	}
	a, ok, err := r.store.GetAssistant(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAssistantNotFound
	}
	return Custom{cfg: a}, nil
}

// ResolveFor resolves id for userID. Custom assistants owned by someone else are not found.
func (r *Resolver) ResolveFor(ctx context.Context, userID, id string) (Resolved, error) {
	res, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if c, ok := res.(Custom); ok && c.cfg.OwnerUserID != userID {
		return nil, ErrAssistantNotFound
	}
	return res, nil
}

// List returns the catalog followed by the user's custom assistants.
func (r *Resolver) List(ctx context.Context, userID string) ([]domain.Assistant, error) {
	custom, err := r.store.ListAssistantsByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	return append(Catalog(), custom...), nil
}

// Create stores a new custom assistant owned by user.
func (r *Resolver) Create(ctx context.Context, user domain.User, input CreateInput) (domain.Assistant, error) {
	if !entitlement.CanAccess(customAssistantRequires, user.Subscription) {
		return domain.Assistant{}, ErrPlanRequired
	}
	now := r.now().UTC()
	a := domain.Assistant{
		ID:           customIDPrefix + uuid.NewString(),
		OwnerUserID:  user.ID,
		Name:         strings.TrimSpace(input.Name),
		Description:  strings.TrimSpace(input.Description),
		Icon:         strings.TrimSpace(input.Icon),
		Category:     strings.TrimSpace(input.Category),
		Instructions: strings.TrimSpace(input.Instructions),
		Greeting:     strings.TrimSpace(input.Greeting),
		Model:        strings.TrimSpace(input.Model),
		Temperature:  DefaultTemperature,
		RequiredPlan: customAssistantRequires,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if a.Model == "" {
		a.Model = DefaultModel
	}
	if a.Icon == "" {
		a.Icon = "bot"
	}
	if a.Category == "" {
		a.Category = "personalizado"
	}
	if input.Temperature != nil {
		a.Temperature = *input.Temperature
	}
	linked, err := r.ownedDocuments(ctx, user.ID, input.LinkedDocuments)
	if err != nil {
		return domain.Assistant{}, err
	}
	a.LinkedDocuments = linked
	if err := validate(a); err != nil {
		return domain.Assistant{}, err
	}
	if err := r.store.SaveAssistant(ctx, a); err != nil {
		return domain.Assistant{}, err
	}
	return a, nil
}

// Mutate applies patch to a custom assistant. Built-in assistants are always
// rejected, whatever the patch contains.
func (r *Resolver) Mutate(ctx context.Context, user domain.User, id string, patch Patch) (domain.Assistant, error) {
	if IsSystem(id) {
		return domain.Assistant{}, ErrDefaultImmutable
	}
	a, err := r.ownedCustom(ctx, user, id)
	if err != nil {
		return domain.Assistant{}, err
	}
	applyString(&a.Name, patch.Name)
	applyString(&a.Description, patch.Description)
	applyString(&a.Icon, patch.Icon)
	applyString(&a.Category, patch.Category)
	applyString(&a.Instructions, patch.Instructions)
	applyString(&a.Greeting, patch.Greeting)
	applyString(&a.Model, patch.Model)
	if patch.Temperature != nil {
		a.Temperature = *patch.Temperature
	}
	if patch.LinkedDocuments != nil {
		linked, err := r.ownedDocuments(ctx, user.ID, *patch.LinkedDocuments)
		if err != nil {
			return domain.Assistant{}, err
		}
		a.LinkedDocuments = linked
	}
	if a.Model == "" {
		a.Model = DefaultModel
	}
	if err := validate(a); err != nil {
		return domain.Assistant{}, err
	}
	a.UpdatedAt = r.now().UTC()
	if err := r.store.SaveAssistant(ctx, a); err != nil {
		return domain.Assistant{}, err
	}
	return a, nil
}

// Delete removes a custom assistant and its document links.
func (r *Resolver) Delete(ctx context.Context, user domain.User, id string) error {
	if IsSystem(id) {
		return ErrDefaultImmutable
	}
	if _, err := r.ownedCustom(ctx, user, id); err != nil {
		return err
	}
	if err := r.store.DeleteAssistant(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrAssistantNotFound
		}
		return err
	}
	return nil
}

func (r *Resolver) ownedCustom(ctx context.Context, user domain.User, id string) (domain.Assistant, error) {
	if !entitlement.CanAccess(customAssistantRequires, user.Subscription) {
		return domain.Assistant{}, ErrPlanRequired
	}
	a, ok, err := r.store.GetAssistant(ctx, id)
	if err != nil {
		return domain.Assistant{}, err
	}
	if !ok || a.OwnerUserID != user.ID {
		return domain.Assistant{}, ErrAssistantNotFound
	}
	return a, nil
}

func (r *Resolver) ownedDocuments(ctx context.Context, userID string, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) > maxLinkedDocuments {
		return nil, fmt.Errorf("at most %d linked documents: %w", maxLinkedDocuments, domain.ErrValidation)
	}
	if len(out) == 0 {
		return out, nil
	}
	docs, err := r.store.GetDocuments(ctx, out)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(docs))
	for _, d := range docs {
		if d.UserID == userID {
			owned[d.ID] = true
		}
	}
	for _, id := range out {
		if !owned[id] {
			return nil, ErrDocumentNotFound
		}
	}
	return out, nil
}

// SystemInstructions returns the assistant instructions followed by a bounded
// excerpt of its linked documents' extracted text.
func (r *Resolver) SystemInstructions(ctx context.Context, res Resolved) (string, error) {
	cfg := res.Config()
	if len(cfg.LinkedDocuments) == 0 {
		return cfg.Instructions, nil
	}
	docs, err := r.store.GetDocuments(ctx, cfg.LinkedDocuments)
	if err != nil {
		return "", err
	}
	excerpt := Excerpt(docs, r.excerptRunes)
	if excerpt == "" {
		return cfg.Instructions, nil
	}
	return cfg.Instructions + "\n\nDocumentos de referência:\n" + excerpt, nil
}

// Excerpt concatenates the extracted text of ready documents, each under a
// "[Documento: name]" header, stopping at budget runes of content.
func Excerpt(docs []domain.Document, budget int) string {
	var b strings.Builder
	remaining := budget
	for _, d := range docs {
		if remaining <= 0 {
			break
		}
		if d.ExtractionStatus != domain.ExtractionReady || d.ExtractedContent == nil {
			continue
		}
		text := strings.TrimSpace(*d.ExtractedContent)
		if text == "" {
			continue
		}
		text = TruncateRunes(text, remaining)
		remaining -= utf8.RuneCountInString(text)
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[Documento: ")
		b.WriteString(d.Name)
		b.WriteString("]\n")
		b.WriteString(text)
	}
	return b.String()
}

// Greeting returns the opening message for a resolved assistant.
func Greeting(res Resolved) string {
	if res == nil {
		return GeneralGreeting
	}
	cfg := res.Config()
	if cfg.Greeting != "" {
		return cfg.Greeting
	}
	if strings.TrimSpace(cfg.Instructions) == "" {
		return fmt.Sprintf("Olá, sou o assistente %s. Como posso ajudar você hoje?", cfg.Name)
	}
	return fmt.Sprintf("Olá, sou o assistente %s. Posso ajudar com %s", cfg.Name, cfg.Instructions)
}

func validate(a domain.Assistant) error {
	if a.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if utf8.RuneCountInString(a.Name) > maxNameRunes {
		return fmt.Errorf("name exceeds %d characters: %w", maxNameRunes, domain.ErrValidation)
	}
	if utf8.RuneCountInString(a.Instructions) > maxInstructionRunes {
		return fmt.Errorf("instructions exceed %d characters: %w", maxInstructionRunes, domain.ErrValidation)
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2: %w", domain.ErrValidation)
	}
	return nil
}

func applyString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
