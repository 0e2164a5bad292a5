// chatcli is a minimal terminal client for exercising the sync core against
// a live backend: it connects, opens one conversation, prints incoming
// messages and the typing line, and sends whatever is typed on stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatsync/internal/config"
	"chatsync/internal/session"
	"chatsync/pkg/types"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("chatcli: %v", err)
	}
}

func run() error {
	userID := flag.String("user", "", "local user id")
	conversationID := flag.String("conversation", "", "conversation to open")
	flag.Parse()

	if *userID == "" || *conversationID == "" {
		return fmt.Errorf("both -user and -conversation are required")
	}

	token := os.Getenv("CHATSYNC_TOKEN")
	if token == "" {
		return fmt.Errorf("CHATSYNC_TOKEN must be set")
	}

	cfg := config.LoadFromEnv()

	var sess *session.Session
	sess, err := session.New(session.Options{
		Config: cfg,
		UserID: *userID,
		Token:  func() string { return token },
		OnAuthError: func(err error) {
			log.Printf("authentication rejected: %v", err)
		},
		OnUpdate: func(id string) {
			if id == "" {
				fmt.Printf("[connection: %s]\n", sessState(sess))
				return
			}
			render(sess, id)
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := sess.OpenConversation(ctx, *conversationID); err != nil {
		log.Printf("initial history load failed: %v", err)
	}
	render(sess, *conversationID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case sig := <-sigCh:
			log.Printf("received %v, shutting down", sig)
			sess.CloseConversation(*conversationID)
			return nil

		case line, ok := <-lines:
			if !ok {
				sess.CloseConversation(*conversationID)
				return nil
			}
			switch {
			case line == "":
				continue
			case line == "/quit":
				sess.CloseConversation(*conversationID)
				return nil
			case line == "/older":
				if err := sess.LoadOlderPage(ctx, *conversationID); err != nil {
					log.Printf("backfill failed: %v", err)
				}
				render(sess, *conversationID)
			case strings.HasPrefix(line, "/"):
				fmt.Println("commands: /older /quit")
			default:
				sess.EmitTyping(*conversationID)
				sess.SendMessage(*conversationID, line)
				render(sess, *conversationID)
			}
		}
	}
}

func sessState(sess *session.Session) string {
	return string(sess.State())
}

// render prints the last few messages plus the typing line.
func render(sess *session.Session, conversationID string) {
	messages := sess.Messages(conversationID)
	start := 0
	if len(messages) > 10 {
		start = len(messages) - 10
	}
	fmt.Println("----")
	for _, msg := range messages[start:] {
		fmt.Printf("%s %-12s %s %s\n",
			msg.CreatedAt.Format("15:04:05"), msg.SenderID, statusMark(msg), msg.Content)
	}
	if line := sess.TypingLine(conversationID); line != "" {
		fmt.Println(line)
	}
}

func statusMark(msg *types.Message) string {
	if msg.IsOptimistic() {
		return "…"
	}
	switch msg.Status {
	case types.StatusRead:
		return "✓✓"
	case types.StatusDelivered:
		return "✓"
	default:
		return " "
	}
}
