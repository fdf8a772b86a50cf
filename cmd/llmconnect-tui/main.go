// ABOUTME: Terminal chat client for an llmconnect server
// ABOUTME: Readline-style input with replies rendered live from the SSE reply stream

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/llmconnect/internal/client"
	"github.com/2389/llmconnect/internal/relay"
	"github.com/2389/llmconnect/internal/store"
)

// session is the TUI state between prompts.
type session struct {
	api            *client.Client
	conversationID string
	provider       string
	model          string
}

func main() {
	server := flag.String("server", "http://localhost:8080", "llmconnect server URL")
	conversationID := flag.String("conversation", "", "Conversation ID to continue")
	providerID := flag.String("provider", "", "Provider for new conversations")
	model := flag.String("model", "", "Model for new conversations")
	flag.Parse()

	fmt.Printf("llmconnect-tui connected to %s\n", *server)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := &session{
		api:            client.New(*server, nil),
		conversationID: *conversationID,
		provider:       *providerID,
		model:          *model,
	}
	if err := s.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func (s *session) run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if s.conversationID != "" {
			fmt.Printf("[%s]> ", shortID(s.conversationID))
		} else {
			fmt.Print("> ")
		}

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			if err := s.command(ctx, input); err != nil {
				printError(err)
			}
			fmt.Println()
			continue
		}

		if err := s.send(ctx, input); err != nil {
			printError(err)
		}
		fmt.Println()
	}
}

// command runs a slash command.
func (s *session) command(ctx context.Context, input string) error {
	name, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch name {
	case "/help":
		printHelp()
	case "/new":
		s.conversationID = ""
		fmt.Println("Started a new conversation")
	case "/use":
		if args == "" {
			return errors.New("usage: /use <conversation_id>")
		}
		s.conversationID = args
		fmt.Printf("Now using %s\n", args)
	case "/list":
		return s.list(ctx)
	case "/history":
		return s.history(ctx)
	case "/providers":
		return s.providers(ctx)
	case "/edit":
		return s.edit(ctx, args)
	case "/retry":
		return s.retry(ctx)
	default:
		return fmt.Errorf("unknown command %s", name)
	}
	return nil
}

// printHelp displays available commands.
func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new                 Start a new conversation")
	fmt.Println("  /use <id>            Continue an existing conversation")
	fmt.Println("  /list                List conversations")
	fmt.Println("  /history             Show the current conversation")
	fmt.Println("  /providers           List configured providers")
	fmt.Println("  /edit <index> <text> Edit a message and regenerate the reply")
	fmt.Println("  /retry               Reply again to the last message")
	fmt.Println("  /help                Show this help")
	fmt.Println("  /quit                Exit the TUI")
}

func (s *session) send(ctx context.Context, text string) error {
	convID := s.conversationID
	if convID == "" {
		convID = "new"
	}

	res, err := s.api.SubmitTurn(ctx, convID, client.Turn{
		Message:        text,
		Provider:       s.provider,
		Model:          s.model,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return err
	}
	s.conversationID = res.ConversationID
	return s.follow(ctx)
}

// follow prints the reply as it grows. Tokens carry the whole content, so
// only the unseen suffix is written.
func (s *session) follow(ctx context.Context) error {
	var printed string
	return s.api.Stream(ctx, s.conversationID, func(ev relay.Event) error {
		switch ev.Type {
		case relay.EventToken:
			if strings.HasPrefix(ev.Content, printed) {
				fmt.Print(ev.Content[len(printed):])
			} else {
				fmt.Print("\n" + ev.Content)
			}
			printed = ev.Content
		case relay.EventDone:
			fmt.Println()
			if ev.Status == store.StatusError {
				color.New(color.FgRed).Println("[reply failed]")
			}
		case relay.EventError:
			printError(errors.New(ev.Err))
		}
		return nil
	})
}

func (s *session) list(ctx context.Context) error {
	convs, err := s.api.Conversations(ctx, false)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations")
		return nil
	}
	gray := color.New(color.FgHiBlack)
	for _, c := range convs {
		marker := "  "
		if c.ID == s.conversationID {
			marker = "* "
		}
		fmt.Printf("%s%s  %s", marker, c.ID, truncate(c.Title, 40))
		gray.Printf("  %d messages, %s/%s\n", c.MessageCount, c.Provider, c.Model)
	}
	return nil
}

func (s *session) history(ctx context.Context) error {
	if s.conversationID == "" {
		return errors.New("no conversation selected")
	}
	conv, err := s.api.Conversation(ctx, s.conversationID)
	if err != nil {
		return err
	}

	index := 0
	for _, m := range conv.Messages {
		if m.Role == store.RoleSystem {
			continue
		}
		label := color.New(color.FgCyan).Sprint(string(m.Role))
		if m.Role == store.RoleAssistant && m.Status == store.StatusError {
			label = color.New(color.FgRed).Sprint("assistant (failed)")
		}
		fmt.Printf("[%d] %s: %s\n", index, label, truncate(m.Content, 200))
		index++
	}
	return nil
}

func (s *session) providers(ctx context.Context) error {
	list, err := s.api.Providers(ctx)
	if err != nil {
		return err
	}
	for _, p := range list.Providers {
		marker := "  "
		if p.ID == list.Default {
			marker = "* "
		}
		fmt.Printf("%s%s (%s) %s\n", marker, p.ID, p.Kind, p.DefaultModel)
	}
	return nil
}

func (s *session) edit(ctx context.Context, args string) error {
	if s.conversationID == "" {
		return errors.New("no conversation selected")
	}
	rawIndex, text, ok := strings.Cut(args, " ")
	index, err := strconv.Atoi(rawIndex)
	if !ok || err != nil || strings.TrimSpace(text) == "" {
		return errors.New("usage: /edit <index> <text>")
	}

	res, err := s.api.EditMessage(ctx, s.conversationID, index, strings.TrimSpace(text), true)
	if err != nil {
		return err
	}
	fmt.Printf("Edited message %d, removed %d after it\n", index, res.Removed)
	if res.Regenerated == nil {
		return nil
	}
	return s.follow(ctx)
}

// retry replays the last user message, replacing the reply after it.
func (s *session) retry(ctx context.Context) error {
	if s.conversationID == "" {
		return errors.New("no conversation selected")
	}
	conv, err := s.api.Conversation(ctx, s.conversationID)
	if err != nil {
		return err
	}

	last, index := -1, 0
	var text string
	for _, m := range conv.Messages {
		if m.Role == store.RoleSystem {
			continue
		}
		if m.Role == store.RoleUser {
			last, text = index, m.Content
		}
		index++
	}
	if last < 0 {
		return errors.New("nothing to retry")
	}

	if _, err := s.api.EditMessage(ctx, s.conversationID, last, text, true); err != nil {
		return err
	}
	return s.follow(ctx)
}

func printError(err error) {
	color.New(color.FgRed).Printf("[error] %v\n", err)
}

// shortID returns the first segment of a UUID for the prompt.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
