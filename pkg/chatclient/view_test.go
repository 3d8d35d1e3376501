package chatclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"lexassist/pkg/domain"
)

type stubSender struct {
	release chan struct{}
	err     error
	reply   string
}

func (s *stubSender) SendMessage(ctx context.Context, conversationID, content string, attachmentIDs []string) (Exchange, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return Exchange{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Exchange{}, s.err
	}
	return Exchange{
		UserMessage:      domain.Message{ID: "u1", ConversationID: conversationID, Role: domain.RoleUser, Content: content},
		AssistantMessage: domain.Message{ID: "a1", ConversationID: conversationID, Role: domain.RoleAssistant, Content: s.reply},
	}, nil
}

func TestViewSendRevealsAndCommits(t *testing.T) {
	var partials []string
	sender := &stubSender{reply: "Olá, sou"}
	view := NewView(sender, "c1", []domain.Message{{ID: "m0", Role: domain.RoleAssistant}},
		WithRevealInterval(0),
		WithReveal(func(partial string) { partials = append(partials, partial) }),
	)

	if err := view.Send(context.Background(), "  Pergunta  ", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(partials) != len([]rune("Olá, sou")) {
		t.Fatalf("reveal calls = %d", len(partials))
	}
	if partials[0] != "O" || partials[2] != "Olá" || partials[len(partials)-1] != "Olá, sou" {
		t.Fatalf("unexpected partials %q", partials)
	}
	msgs := view.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[1].ID != "u1" || msgs[1].Content != "Pergunta" {
		t.Fatalf("user turn not replaced: %+v", msgs[1])
	}
	if msgs[2].ID != "a1" || msgs[2].Role != domain.RoleAssistant {
		t.Fatalf("assistant turn not committed: %+v", msgs[2])
	}
	if view.Busy() {
		t.Fatalf("view still busy")
	}
}

func TestViewSendFailureRemovesOptimisticTurn(t *testing.T) {
	sender := &stubSender{err: errors.New("boom")}
	view := NewView(sender, "c1", nil, WithRevealInterval(0))
	if err := view.Send(context.Background(), "Pergunta", nil); err == nil {
		t.Fatalf("expected error")
	}
	if n := len(view.Messages()); n != 0 {
		t.Fatalf("messages = %d, want 0", n)
	}
	if view.Busy() {
		t.Fatalf("view still busy")
	}
}

func TestViewBusyDuringSend(t *testing.T) {
	sender := &stubSender{release: make(chan struct{}), reply: "ok"}
	view := NewView(sender, "c1", nil, WithRevealInterval(0))

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	go func() {
		defer wg.Done()
		sendErr = view.Send(context.Background(), "primeira", nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !view.Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("view never became busy")
		}
		time.Sleep(time.Millisecond)
	}
	msgs := view.Messages()
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0].ID, tempIDPrefix) {
		t.Fatalf("expected optimistic turn, got %+v", msgs)
	}
	if err := view.Send(context.Background(), "segunda", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(sender.release)
	wg.Wait()
	if sendErr != nil {
		t.Fatalf("Send: %v", sendErr)
	}
	if n := len(view.Messages()); n != 2 {
		t.Fatalf("messages = %d, want 2", n)
	}
}

func TestViewCanceledRevealCommitsReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var last string
	sender := &stubSender{reply: "resposta longa"}
	view := NewView(sender, "c1", nil,
		WithRevealInterval(time.Hour),
		WithReveal(func(partial string) {
			last = partial
			cancel()
		}),
	)
	if err := view.Send(ctx, "Pergunta", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if last != "resposta longa" {
		t.Fatalf("last reveal = %q", last)
	}
	msgs := view.Messages()
	if len(msgs) != 2 || msgs[1].Content != "resposta longa" {
		t.Fatalf("reply not committed: %+v", msgs)
	}
}

func TestViewRejectsEmptyContent(t *testing.T) {
	view := NewView(&stubSender{}, "c1", nil)
	if err := view.Send(context.Background(), "   ", nil); err == nil {
		t.Fatalf("expected error")
	}
	if view.Busy() || len(view.Messages()) != 0 {
		t.Fatalf("empty send changed state")
	}
}
