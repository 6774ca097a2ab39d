// Command chat is a terminal client for the chat server. It logs in, keeps a
// live connection and prints the room as messages and presence changes
// arrive.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"parlor/internal/apiclient"
	"parlor/internal/chatclient"
	"parlor/internal/connection"
	"parlor/internal/models"
	"parlor/internal/transport"
)

func run(ctx context.Context) error {
	server := flag.String("server", "http://localhost:8080", "Server base URL")
	username := flag.String("user", "", "Username")
	password := flag.String("password", "", "Password (prefer CHAT_PASSWORD)")
	flag.Parse()

	if *username == "" {
		return errors.New("-user is required")
	}
	if *password == "" {
		*password = os.Getenv("CHAT_PASSWORD")
	}
	if *password == "" {
		return errors.New("password required via -password or CHAT_PASSWORD")
	}

	api := apiclient.New(*server)
	self, err := api.Login(ctx, *username, *password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	wsURL := strings.Replace(*server, "http", "ws", 1) + "/api/chat"
	client := chatclient.New(chatclient.Config{
		Self:  self,
		Token: api.Token(),
	}, chatclient.Deps{
		Store:     api,
		Presence:  api,
		Transport: transport.NewWebSocket(wsURL, nil),
	})
	defer client.Close()

	client.OnMessagesChange(func() { render(client) })
	client.OnStatusChange(func(sc connection.StatusChange) {
		switch sc.Status {
		case connection.StatusConnected:
			fmt.Println("* connected")
		case connection.StatusReconnecting:
			fmt.Printf("* reconnecting (attempt %d/%d)\n", sc.Attempt+1, sc.MaxAttempts)
		case connection.StatusDisconnected:
			fmt.Println("* disconnected (type /reconnect to retry)")
		}
	})

	if err := client.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Logged in as %s. Type a message, /who, /delete <id>, /reconnect or /quit.\n", self.DisplayName)

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
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handle(ctx, client, line); done {
				return nil
			}
		}
	}
}

func handle(ctx context.Context, client *chatclient.Client, line string) bool {
	switch {
	case line == "/quit":
		return true
	case line == "/who":
		for _, entry := range client.OnlineUsers() {
			fmt.Printf("  %s (last seen %s)\n", entry.UserName, entry.LastSeenAt.Format(time.Kitchen))
		}
		return false
	case line == "/reconnect":
		client.Reconnect()
		return false
	case strings.HasPrefix(line, "/delete "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/delete "))
		if err := client.DeleteMessage(ctx, id); err != nil {
			fmt.Printf("! delete failed: %v\n", err)
		}
		return false
	}

	if _, err := client.Send(ctx, line); err != nil {
		var rateLimitErr *models.RateLimitError
		if errors.As(err, &rateLimitErr) {
			fmt.Printf("! slow down, try again in %s\n", time.Until(rateLimitErr.ResetAt).Round(time.Second))
			return false
		}
		fmt.Printf("! send failed: %v\n", err)
	}
	return false
}

func render(client *chatclient.Client) {
	msgs := client.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	marker := ""
	if last.State == models.MessagePending {
		marker = " (sending...)"
	}
	fmt.Printf("[%s] %s: %s%s\n", last.CreatedAt.Format(time.Kitchen), last.AuthorName, last.Content, marker)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
