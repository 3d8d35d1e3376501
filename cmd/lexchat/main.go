// Command lexchat is a terminal client for the chat service.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"lexassist/pkg/chatclient"
	"lexassist/pkg/domain"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARN: failed to load .env: %v\n", err)
	}
	addr := flag.String("addr", envOr("LEXASSIST_API_URL", "http://localhost:8080"), "chat service base URL")
	token := flag.String("token", os.Getenv("LEXASSIST_TOKEN"), "bearer access token")
	assistantID := flag.String("assistant", "", "assistant id for a new conversation")
	conversationID := flag.String("conversation", "", "resume an existing conversation")
	interval := flag.Duration("reveal", 15*time.Millisecond, "delay between revealed characters")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		exitErr(errors.New("missing token: set -token or LEXASSIST_TOKEN"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := chatclient.NewClient(*addr, *token, 0)
	detail, err := openConversation(ctx, client, *conversationID, *assistantID)
	if err != nil {
		exitErr(err)
	}
	for _, msg := range detail.Messages {
		printMessage(msg)
	}

	printed := 0
	view := chatclient.NewView(client, detail.Conversation.ID, detail.Messages,
		chatclient.WithRevealInterval(*interval),
		chatclient.WithReveal(func(partial string) {
			if printed == 0 {
				fmt.Print("assistente> ")
			}
			fmt.Print(partial[printed:])
			printed = len(partial)
		}),
	)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Print("você> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/sair" {
			break
		}
		printed = 0
		err := view.Send(ctx, line, nil)
		if printed > 0 {
			fmt.Println()
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "erro: %v\n", describe(err))
		}
	}
	if err := scanner.Err(); err != nil {
		exitErr(err)
	}
}

func openConversation(ctx context.Context, client *chatclient.Client, conversationID, assistantID string) (chatclient.ConversationDetail, error) {
	if id := strings.TrimSpace(conversationID); id != "" {
		return client.GetConversation(ctx, id)
	}
	var assistant *string
	if id := strings.TrimSpace(assistantID); id != "" {
		assistant = &id
	}
	return client.CreateConversation(ctx, assistant, "", uuid.NewString())
}

func printMessage(msg domain.Message) {
	label := "você"
	if msg.Role == domain.RoleAssistant {
		label = "assistente"
	}
	fmt.Printf("%s> %s\n", label, msg.Content)
}

func describe(err error) string {
	var apiErr *chatclient.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return fmt.Sprintf("%s (%s)", apiErr.Message, apiErr.Code)
	}
	return err.Error()
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
