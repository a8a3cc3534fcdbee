package configuration

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"Chatline/internal/db"
	"Chatline/internal/gateway"
	"Chatline/internal/model"
	"Chatline/internal/repo"
)

// Container wires the shared dependencies once at startup and hands them out
// by reference; nothing here is an ambient singleton.
type Container struct {
	Hub         *gateway.Hub
	Handler     *gateway.Handler
	MessageRepo repo.MessageRepository
	UserRepo    repo.UserRepository
	Config      Config
	Logger      *zap.Logger

	// private - for cleanup
	mongoClient *mongo.Database
}

func BuildContainer(configPath string) (*Container, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	con, err := db.OpenConnection(config.ChatDatabase.Uri, config.ChatDatabase.Database)
	if err != nil {
		return nil, err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	messageStore := db.NewRepository[model.Message](con, config.ChatDatabase.MessagesCollection)
	userStore := db.NewRepository[model.User](con, config.ChatDatabase.UsersCollection)

	messageRepo := repo.NewMessageRepository(con, messageStore, logger)
	userRepo := repo.NewUserRepository(con, userStore)

	hub := gateway.NewHub(logger)
	handler := gateway.NewHandler(messageRepo, logger)

	return &Container{
		Hub:         hub,
		Handler:     handler,
		MessageRepo: messageRepo,
		UserRepo:    userRepo,
		Config:      *config,
		Logger:      logger,
		mongoClient: con,
	}, nil
}

// Close gracefully shuts down all connections.
func (c *Container) Close() error {
	// Stop the hub first (closes all WebSocket connections)
	if c.Hub != nil {
		c.Hub.Stop()
	}

	if c.Logger != nil {
		_ = c.Logger.Sync()
	}

	if c.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.mongoClient.Client().Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to close MongoDB connection: %w", err)
		}
	}

	return nil
}
