package app

import (
	"context"
	"math"
	"testing"

	"lexassist/pkg/assistant"
)

func TestUsageSummaryEmpty(t *testing.T) {
	env := newTestEnv(t)
	summary, err := env.app.UsageSummary(context.Background(), proUser)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalTokens != 0 || summary.UnallocatedPercent != 100 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.PerAssistantUsage == nil || len(summary.PerAssistantUsage) != 0 {
		t.Fatalf("perAssistantUsage = %v, want empty slice", summary.PerAssistantUsage)
	}
}

func TestUsageSummaryAggregates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	penal := env.createConversation(t, proUser, "penal").Conversation.ID
	civil := env.createConversation(t, proUser, "civil").Conversation.ID
	env.createConversation(t, proUser, "")
	env.upload(t, proUser, "a.txt", "texto")
	for _, id := range []string{penal, penal, civil} {
		if _, err := env.app.SubmitMessage(ctx, proUser, id, SubmitInput{Content: "pergunta"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	env.app.usageWG.Wait()

	summary, err := env.app.UsageSummary(ctx, proUser)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalConversations != 3 || summary.TotalDocuments != 1 {
		t.Fatalf("counts = %d conversations %d documents", summary.TotalConversations, summary.TotalDocuments)
	}
	if summary.TimeSavedMinutes != summary.TotalMessages*minutesSavedPerMessage {
		t.Fatalf("timeSaved = %d for %d messages", summary.TimeSavedMinutes, summary.TotalMessages)
	}
	if summary.UnallocatedPercent != 0 {
		t.Fatalf("unallocated = %v", summary.UnallocatedPercent)
	}
	if len(summary.PerAssistantUsage) != 2 {
		t.Fatalf("rows = %+v", summary.PerAssistantUsage)
	}
	var tokens int64
	var share float64
	for _, row := range summary.PerAssistantUsage {
		tokens += row.TokensUsed
		share += row.SharePercent
		if row.AssistantName == "" || row.AssistantName == removedAssistantName {
			t.Fatalf("row name = %q", row.AssistantName)
		}
	}
	if tokens != summary.TotalTokens {
		t.Fatalf("row tokens %d != total %d", tokens, summary.TotalTokens)
	}
	if math.Abs(share-100) > 0.02 {
		t.Fatalf("shares sum to %v", share)
	}
	if summary.PerAssistantUsage[0].AssistantID != "penal" {
		t.Fatalf("rows not ordered by tokens: %+v", summary.PerAssistantUsage)
	}
}

func TestUsageSummaryRemovedAssistant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	custom, err := env.app.CreateAssistant(ctx, proUser, assistant.CreateInput{Name: "Previdenciário"})
	if err != nil {
		t.Fatalf("create assistant: %v", err)
	}
	conv := env.createConversation(t, proUser, custom.ID).Conversation
	if _, err := env.app.SubmitMessage(ctx, proUser, conv.ID, SubmitInput{Content: "Aposentadoria"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.app.usageWG.Wait()
	if err := env.app.DeleteAssistant(ctx, proUser, custom.ID); err != nil {
		t.Fatalf("delete assistant: %v", err)
	}
	summary, err := env.app.UsageSummary(ctx, proUser)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summary.PerAssistantUsage) != 1 || summary.PerAssistantUsage[0].AssistantName != removedAssistantName {
		t.Fatalf("rows = %+v", summary.PerAssistantUsage)
	}
	if summary.PerAssistantUsage[0].SharePercent != 100 {
		t.Fatalf("share = %v", summary.PerAssistantUsage[0].SharePercent)
	}
}

func TestSharePercent(t *testing.T) {
	cases := []struct {
		part, total int64
		want        float64
	}{
		{0, 0, 0},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{5, 5, 100},
	}
	for _, tt := range cases {
		if got := sharePercent(tt.part, tt.total); got != tt.want {
			t.Fatalf("sharePercent(%d, %d) = %v, want %v", tt.part, tt.total, got, tt.want)
		}
	}
}
