package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"Chatline/internal/configuration"
	"Chatline/internal/db"
	"Chatline/internal/model"
	"Chatline/internal/presence"
	"Chatline/internal/repo"
	"Chatline/internal/session"
	"Chatline/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.dev.json", "path to the JSON config file")
	userID := flag.String("user", "", "local user id")
	conversationID := flag.String("conversation", "", "conversation id to join")
	flag.Parse()

	if *userID == "" || *conversationID == "" {
		log.Fatal("both -user and -conversation are required")
	}

	config, err := configuration.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	con, err := db.OpenConnection(config.ChatDatabase.Uri, config.ChatDatabase.Database)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = con.Client().Disconnect(ctx)
	}()

	messageStore := db.NewRepository[model.Message](con, config.ChatDatabase.MessagesCollection)
	store := repo.NewMessageRepository(con, messageStore, logger)

	conn := transport.NewManager(gatewayURL(config, *userID, *conversationID), transport.Options{
		MaxAttempts: config.Client.ReconnectMaxAttempts,
		BaseDelay:   config.Client.ReconnectBaseDelay(),
	}, logger)
	defer conn.Close()

	agg := presence.New(*userID, config.Client.TypingExpiry(), nil, logger)
	defer agg.Close()

	conv := session.Open(session.Config{
		ConversationID: *conversationID,
		SelfID:         *userID,
		Conn:           conn,
		Store:          store,
		Presence:       agg,
		Logger:         logger,
		PollInterval:   config.Client.PollInterval(),
		TypingIdle:     config.Client.TypingIdle(),
		OnUpdate:       nil,
	})
	defer conv.Close()

	fmt.Printf("Joined conversation %s as %s. Type a message and press enter (/quit to exit).\n",
		*conversationID, *userID)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/messages":
			for _, msg := range conv.Messages() {
				fmt.Printf("[%s] %s: %s (%s)\n",
					msg.CreatedAt.Format(time.Kitchen), msg.SenderID, msg.Content, msg.Status)
			}
		case line == "/typing":
			fmt.Printf("typing: %v\n", conv.TypingUsers())
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := conv.SendMessage(ctx, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
			cancel()
		}
	}
}

func gatewayURL(config *configuration.Config, userID, conversationID string) string {
	base := config.Client.GatewayURL
	if base == "" {
		base = fmt.Sprintf("ws://localhost:%d/%s", config.Server.SocketPort, config.ChatDatabase.SocketRoute)
	}

	u, err := url.Parse(base)
	if err != nil {
		log.Fatalf("invalid gateway url %q: %v", base, err)
	}
	q := u.Query()
	q.Set("userId", userID)
	q.Set("conversationId", conversationID)
	u.RawQuery = q.Encode()
	return u.String()
}
