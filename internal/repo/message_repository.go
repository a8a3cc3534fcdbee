package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"Chatline/internal/db"
	"Chatline/internal/model"
)

var (
	ErrInvalidConversationID = errors.New("invalid conversation ID: cannot be empty")
	ErrInvalidSenderID       = errors.New("invalid sender ID: cannot be empty")
	ErrEmptyContent          = errors.New("invalid message: content cannot be empty")
	ErrOperationTimeout      = errors.New("operation timeout exceeded")
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 30 * time.Second

	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second

	historyPageSize = 15
)

// MessageRepository is the Store collaborator of the delivery subsystem.
// SendMessage assigns the authoritative message id; clients never mint ids
// for persisted messages.
type MessageRepository interface {
	SendMessage(ctx context.Context, conversationID, senderID, content string) (*model.Message, error)
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	GetHistory(ctx context.Context, conversationID string, page int64) (*db.PaginatedResult[model.Message], error)
	MarkMessagesRead(ctx context.Context, messageIDs []string) error
	GetConversations(ctx context.Context) ([]model.Conversation, error)
}

type messageRepository struct {
	con       *mongo.Database
	mongoRepo *db.Repository[model.Message]
	logger    *zap.Logger
}

func NewMessageRepository(con *mongo.Database, mongoRepo *db.Repository[model.Message], logger *zap.Logger) MessageRepository {
	return &messageRepository{
		con:       con,
		mongoRepo: mongoRepo,
		logger:    logger,
	}
}

// -----------------------------------------------------------------------------
// SendMessage
// -----------------------------------------------------------------------------

func (m *messageRepository) SendMessage(ctx context.Context, conversationID, senderID, content string) (*model.Message, error) {
	switch {
	case conversationID == "":
		return nil, ErrInvalidConversationID
	case senderID == "":
		return nil, ErrInvalidSenderID
	case content == "":
		return nil, ErrEmptyContent
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           model.MessageTypeText,
		Status:         model.StatusSent,
		CreatedAt:      time.Now().UTC(),
	}

	ctx, cancel := m.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := m.waitForRetry(ctx, attempt); err != nil {
				return nil, err
			}
		}

		_, err := m.mongoRepo.Create(ctx, *msg)
		if err == nil {
			m.logger.Info("message persisted",
				zap.String("message_id", msg.ID),
				zap.String("conversation_id", conversationID),
				zap.Int("attempt", attempt+1),
			)
			return msg, nil
		}

		lastErr = err
		if !m.isRetryableError(err) {
			break
		}

		m.logger.Warn("insert attempt failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries),
		)
	}

	m.logger.Error("failed to persist message",
		zap.Error(lastErr),
		zap.String("conversation_id", conversationID),
	)
	return nil, fmt.Errorf("send message failed: %w", lastErr)
}

// -----------------------------------------------------------------------------
// GetMessages - full message set for a conversation, in stream order
// -----------------------------------------------------------------------------

func (m *messageRepository) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}

	ctx, cancel := m.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("conversation_id", conversationID).Build()
	messages, err := m.mongoRepo.FindAll(ctx, filter, "created_at", false)
	if err != nil {
		return nil, m.handleReadError(err, conversationID)
	}

	return messages, nil
}

// -----------------------------------------------------------------------------
// GetHistory - paginated history for the REST surface
// -----------------------------------------------------------------------------

func (m *messageRepository) GetHistory(ctx context.Context, conversationID string, page int64) (*db.PaginatedResult[model.Message], error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}

	ctx, cancel := m.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("conversation_id", conversationID).Build()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := m.waitForRetry(ctx, attempt); err != nil {
				return nil, err
			}
			m.logger.Warn("retrying history fetch",
				zap.String("conversation_id", conversationID),
				zap.Int("attempt", attempt+1),
			)
		}

		result, err := m.mongoRepo.FindWithPagination(ctx, filter, db.PaginationParams{
			Page:     page,
			PageSize: historyPageSize,
			SortBy:   "created_at",
			SortDesc: false,
		})
		if err == nil {
			m.logger.Debug("history fetched",
				zap.String("conversation_id", conversationID),
				zap.Int("count", len(result.Data)),
				zap.Int64("total", result.Total),
			)
			return result, nil
		}

		lastErr = err
		if !m.isRetryableError(err) {
			break
		}
	}

	return nil, m.handleReadError(lastErr, conversationID)
}

// -----------------------------------------------------------------------------
// MarkMessagesRead
// -----------------------------------------------------------------------------

func (m *messageRepository) MarkMessagesRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	ctx, cancel := m.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().In("message_id", messageIDs).Build()
	result, err := m.mongoRepo.UpdateMany(ctx, filter, bson.M{"status": model.StatusRead})
	if err != nil {
		m.logger.Error("failed to mark messages read",
			zap.Strings("message_ids", messageIDs),
			zap.Error(err),
		)
		return fmt.Errorf("mark messages read failed: %w", err)
	}

	m.logger.Debug("messages marked read",
		zap.Int64("matched", result.MatchedCount),
		zap.Int64("modified", result.ModifiedCount),
	)
	return nil
}

// -----------------------------------------------------------------------------
// GetConversations
// -----------------------------------------------------------------------------

func (m *messageRepository) GetConversations(ctx context.Context) ([]model.Conversation, error) {
	ctx, cancel := m.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	collection := m.con.Collection("conversations")

	cursor, err := collection.Find(ctx, db.NewFilter().Eq("is_active", true).Build())
	if err != nil {
		m.logger.Error("failed to query conversations", zap.Error(err))
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var conversations []model.Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		m.logger.Error("failed to decode conversations", zap.Error(err))
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	m.logger.Debug("conversations retrieved", zap.Int("count", len(conversations)))
	return conversations, nil
}

// -----------------------------------------------------------------------------
// Private Helper Methods
// -----------------------------------------------------------------------------

func (m *messageRepository) ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (m *messageRepository) waitForRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt)) * baseRetryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (m *messageRepository) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

func (m *messageRepository) handleReadError(err error, conversationID string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		m.logger.Error("read timeout", zap.String("conversation_id", conversationID))
		return ErrOperationTimeout
	}

	if errors.Is(err, context.Canceled) {
		m.logger.Debug("read cancelled", zap.String("conversation_id", conversationID))
		return err
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil // Not an error, just empty result
	}

	m.logger.Error("read failed", zap.Error(err), zap.String("conversation_id", conversationID))
	return fmt.Errorf("get messages failed: %w", err)
}
