package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"lexassist/internal/util"
	"lexassist/pkg/domain"
)

const (
	minutesSavedPerMessage = 5
	usageWriteTimeout      = 10 * time.Second
	removedAssistantName   = "Assistente removido"
)

// AssistantUsageView is one row of the usage dashboard.
type AssistantUsageView struct {
	AssistantID   string    `json:"assistantId"`
	AssistantName string    `json:"assistantName"`
	TokensUsed    int64     `json:"tokensUsed"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
	SharePercent  float64   `json:"sharePercent"`
}

// UsageSummary aggregates the caller's activity.
type UsageSummary struct {
	TotalConversations int64                `json:"totalConversations"`
	TotalMessages      int64                `json:"totalMessages"`
	TotalDocuments     int64                `json:"totalDocuments"`
	TimeSavedMinutes   int64                `json:"timeSavedMinutes"`
	TotalTokens        int64                `json:"totalTokens"`
	UnallocatedPercent float64              `json:"unallocatedPercent"`
	PerAssistantUsage  []AssistantUsageView `json:"perAssistantUsage"`
}

// recordUsage adds tokens to the (user, assistant) counter in the background.
// Failures are logged and never reach the caller.
func (a *App) recordUsage(ctx context.Context, userID, assistantID string, tokens int64) {
	if tokens < 0 {
		tokens = 0
	}
	at := a.timestamp()
	log := util.LoggerFromContext(ctx)
	a.usageWG.Add(1)
	go func() {
		defer a.usageWG.Done()
		writeCtx, cancel := context.WithTimeout(ctx, usageWriteTimeout)
		defer cancel()
		if err := a.store.IncrementUsage(writeCtx, userID, assistantID, tokens, at); err != nil {
			log.Error("usage_increment_failed", "assistant_id", assistantID, "tokens", tokens, "err", err)
		}
	}()
}

// UsageSummary fetches counts and per-assistant usage concurrently.
func (a *App) UsageSummary(ctx context.Context, user domain.User) (UsageSummary, error) {
	var (
		summary UsageSummary
		usage   []domain.AssistantUsage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.store.CountConversationsByUser(gctx, user.ID)
		summary.TotalConversations = n
		return err
	})
	g.Go(func() error {
		n, err := a.store.CountMessagesByUser(gctx, user.ID)
		summary.TotalMessages = n
		return err
	})
	g.Go(func() error {
		n, err := a.store.CountDocumentsByUser(gctx, user.ID)
		summary.TotalDocuments = n
		return err
	})
	g.Go(func() error {
		rows, err := a.store.ListUsage(gctx, user.ID)
		usage = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return UsageSummary{}, fmt.Errorf("usage summary: %w", err)
	}
	summary.TimeSavedMinutes = summary.TotalMessages * minutesSavedPerMessage

	for _, row := range usage {
		summary.TotalTokens += row.TokensUsed
	}
	summary.PerAssistantUsage = make([]AssistantUsageView, 0, len(usage))
	for _, row := range usage {
		name, err := a.assistantName(ctx, row.AssistantID)
		if err != nil {
			return UsageSummary{}, err
		}
		summary.PerAssistantUsage = append(summary.PerAssistantUsage, AssistantUsageView{
			AssistantID:   row.AssistantID,
			AssistantName: name,
			TokensUsed:    row.TokensUsed,
			LastUsedAt:    row.LastUsedAt,
			SharePercent:  sharePercent(row.TokensUsed, summary.TotalTokens),
		})
	}
	if summary.TotalTokens == 0 {
		summary.UnallocatedPercent = 100
	}
	return summary, nil
}

func (a *App) assistantName(ctx context.Context, id string) (string, error) {
	res, err := a.resolver.Resolve(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return removedAssistantName, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve assistant %s: %w", id, err)
	}
	return res.Config().Name, nil
}

// sharePercent is part/total as a percentage with two decimals; a zero
// total yields zero.
func sharePercent(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(part)*10000/float64(total)) / 100
}
