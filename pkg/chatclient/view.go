package chatclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lexassist/pkg/domain"
)

const (
	tempIDPrefix          = "tmp-"
	defaultRevealInterval = 20 * time.Millisecond
)

// ErrBusy is returned by Send while a previous send or reveal is running.
var ErrBusy = errors.New("chatclient: conversation is busy")

// Sender submits a user turn. *Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, content string, attachmentIDs []string) (Exchange, error)
}

// RevealFunc receives the assistant text revealed so far.
type RevealFunc func(partial string)

// ViewOption configures a View.
type ViewOption func(*View)

// WithRevealInterval sets the delay between revealed runes. Zero reveals
// without waiting.
func WithRevealInterval(d time.Duration) ViewOption {
	return func(v *View) {
		if d >= 0 {
			v.interval = d
		}
	}
}

// WithReveal registers the callback that renders partial assistant text.
func WithReveal(fn RevealFunc) ViewOption {
	return func(v *View) { v.reveal = fn }
}

// View holds the rendered state of one conversation. The user turn shows up
// optimistically under a temporary id and the assistant reply is revealed
// rune by rune before it is committed.
type View struct {
	sender         Sender
	conversationID string
	interval       time.Duration
	reveal         RevealFunc

	mu       sync.Mutex
	messages []domain.Message
	busy     bool
}

func NewView(sender Sender, conversationID string, initial []domain.Message, opts ...ViewOption) *View {
	v := &View{
		sender:         sender,
		conversationID: conversationID,
		interval:       defaultRevealInterval,
		messages:       append([]domain.Message(nil), initial...),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Messages returns a snapshot of the committed and pending messages.
func (v *View) Messages() []domain.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// Busy reports whether a send or reveal is in progress.
func (v *View) Busy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.busy
}

// Send shows the user turn immediately, submits it and reveals the reply.
// On failure the optimistic turn is removed and the error returned. If ctx
// ends during the reveal the reply is committed in full and ctx.Err returned.
func (v *View) Send(ctx context.Context, content string, attachmentIDs []string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("chatclient: content is required")
	}
	v.mu.Lock()
	if v.busy {
		v.mu.Unlock()
		return ErrBusy
	}
	v.busy = true
	tempID := tempIDPrefix + uuid.NewString()
	v.messages = append(v.messages, domain.Message{
		ID:             tempID,
		ConversationID: v.conversationID,
		Role:           domain.RoleUser,
		Content:        content,
		AttachmentIDs:  append([]string{}, attachmentIDs...),
		CreatedAt:      time.Now().UTC(),
	})
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.busy = false
		v.mu.Unlock()
	}()

	ex, err := v.sender.SendMessage(ctx, v.conversationID, content, attachmentIDs)
	if err != nil {
		v.mu.Lock()
		v.messages = removeMessage(v.messages, tempID)
		v.mu.Unlock()
		return err
	}
	v.mu.Lock()
	v.messages = replaceMessage(v.messages, tempID, ex.UserMessage)
	v.mu.Unlock()

	revealErr := v.revealText(ctx, ex.AssistantMessage.Content)

	v.mu.Lock()
	v.messages = append(v.messages, ex.AssistantMessage)
	v.mu.Unlock()
	return revealErr
}

func (v *View) revealText(ctx context.Context, text string) error {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var ticker *time.Ticker
	if v.interval > 0 {
		ticker = time.NewTicker(v.interval)
		defer ticker.Stop()
	}
	for i := range runes {
		if v.reveal != nil {
			v.reveal(string(runes[:i+1]))
		}
		if ticker == nil || i == len(runes)-1 {
			continue
		}
		select {
		case <-ctx.Done():
			if v.reveal != nil {
				v.reveal(text)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func removeMessage(msgs []domain.Message, id string) []domain.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func replaceMessage(msgs []domain.Message, id string, with domain.Message) []domain.Message {
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i] = with
			return msgs
		}
	}
	return append(msgs, with)
}
