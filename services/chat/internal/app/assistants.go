package app

import (
	"context"

	"lexassist/pkg/assistant"
	"lexassist/pkg/domain"
)

// ListAssistants returns the catalog and the caller's custom assistants.
func (a *App) ListAssistants(ctx context.Context, user domain.User) ([]domain.Assistant, error) {
	return a.resolver.List(ctx, user.ID)
}

// GetAssistant returns a catalog entry or one of the caller's custom assistants.
func (a *App) GetAssistant(ctx context.Context, user domain.User, id string) (domain.Assistant, error) {
	res, err := a.resolver.ResolveFor(ctx, user.ID, id)
	if err != nil {
		return domain.Assistant{}, err
	}
	return res.Config(), nil
}

func (a *App) CreateAssistant(ctx context.Context, user domain.User, in assistant.CreateInput) (domain.Assistant, error) {
	return a.resolver.Create(ctx, user, in)
}

func (a *App) UpdateAssistant(ctx context.Context, user domain.User, id string, patch assistant.Patch) (domain.Assistant, error) {
	return a.resolver.Mutate(ctx, user, id, patch)
}

func (a *App) DeleteAssistant(ctx context.Context, user domain.User, id string) error {
	return a.resolver.Delete(ctx, user, id)
}
