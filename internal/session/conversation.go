package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"Chatline/internal/event"
	"Chatline/internal/model"
	"Chatline/internal/poller"
	"Chatline/internal/presence"
	"Chatline/internal/stream"
)

const markReadTimeout = 5 * time.Second

var ErrClosed = errors.New("session: conversation closed")

// Conn is the slice of the connection manager a conversation needs. It is
// injected rather than reached for globally so sessions can be torn down and
// tested in isolation.
type Conn interface {
	Send(event.Envelope)
	OnMessage(handler func(event.Envelope)) func()
	OnConnectionChange(handler func(bool)) func()
	IsConnected() bool
}

// Store is the persistence collaborator boundary. Message ids are assigned
// here, never client-side.
type Store interface {
	SendMessage(ctx context.Context, conversationID, senderID, content string) (*model.Message, error)
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	MarkMessagesRead(ctx context.Context, messageIDs []string) error
}

// Config wires one conversation session together.
type Config struct {
	ConversationID string
	SelfID         string
	Conn           Conn
	Store          Store
	Presence       *presence.Aggregator
	Logger         *zap.Logger
	PollInterval   time.Duration // fallback poll period, default 3s
	TypingIdle     time.Duration // typing=false after this much input silence, default 2s
	OnUpdate       func()        // re-render hook, may be nil
}

// Conversation is the consumer side of the delivery subsystem for a single
// conversation: it turns user actions into store writes and push envelopes,
// routes inbound envelopes into the reconciler and presence aggregator, and
// switches between push and polling as the connection comes and goes.
type Conversation struct {
	cfg    Config
	logger *zap.Logger

	stream *stream.Reconciler
	poll   *poller.Poller

	unsubMsg  func()
	unsubConn func()

	mu           sync.Mutex
	typingActive bool
	typingTimer  *time.Timer
	closed       bool
}

// Open subscribes to the connection and, if the push channel is down at this
// moment, starts the fallback poller. Close must be called when the view
// unmounts; leaked subscriptions keep firing against a discarded view.
func Open(cfg Config) *Conversation {
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = 2 * time.Second
	}

	c := &Conversation{
		cfg:    cfg,
		logger: cfg.Logger,
		poll:   poller.New(cfg.Store, cfg.PollInterval, cfg.Logger),
	}
	c.stream = stream.New(cfg.ConversationID, cfg.SelfID, c.emitReadReceipts, cfg.OnUpdate, cfg.Logger)

	c.unsubMsg = cfg.Conn.OnMessage(c.route)
	c.unsubConn = cfg.Conn.OnConnectionChange(c.onConnectionChange)

	if !cfg.Conn.IsConnected() {
		c.poll.Start(cfg.ConversationID, c.ingestBatch)
	}

	return c
}

// SendMessage appends the message optimistically, persists it through the
// store, and publishes it on the push channel. A store failure leaves the
// message visible in the failed state; re-sending is an explicit user action.
func (c *Conversation) SendMessage(ctx context.Context, content string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.stopTyping()

	tempKey := c.stream.AppendOptimistic(content, model.MessageTypeText)
	msg, err := c.cfg.Store.SendMessage(ctx, c.cfg.ConversationID, c.cfg.SelfID, content)
	c.stream.ApplySendResult(tempKey, msg, err)
	if err != nil {
		return err
	}

	env, envErr := event.New(event.TypeMessage, msg)
	if envErr != nil {
		c.logger.Warn("failed to build message envelope", zap.Error(envErr))
		return nil
	}
	c.cfg.Conn.Send(env)
	return nil
}

// NotifyTyping is called on every local input change. It emits typing=true
// once when typing begins and typing=false after the idle window or on send,
// never per keystroke.
func (c *Conversation) NotifyTyping() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	begin := !c.typingActive
	c.typingActive = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.cfg.TypingIdle, c.stopTyping)
	c.mu.Unlock()

	if begin {
		c.sendTyping(true)
	}
}

// Messages returns the reconciled stream snapshot in order.
func (c *Conversation) Messages() []model.Message {
	return c.stream.Messages()
}

// TypingUsers returns who is typing in this conversation right now.
func (c *Conversation) TypingUsers() []string {
	return c.cfg.Presence.TypingIn(c.cfg.ConversationID)
}

// IsConnected reports the push channel state, for the conversation header.
func (c *Conversation) IsConnected() bool {
	return c.cfg.Conn.IsConnected()
}

// Close releases every registration: envelope and connection subscriptions,
// poll timers, and the typing idle timer. Idempotent.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	active := c.typingActive
	c.typingActive = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()

	if active {
		c.sendTyping(false)
	}
	c.unsubMsg()
	c.unsubConn()
	c.poll.StopAll()
}

func (c *Conversation) route(env event.Envelope) {
	switch env.Type {
	case event.TypeMessage:
		msg, err := env.Message()
		if err != nil {
			c.logger.Warn("dropping unroutable envelope", zap.Error(err))
			return
		}
		if msg.ConversationID != c.cfg.ConversationID {
			return
		}
		c.stream.Ingest(msg)

	case event.TypeTyping:
		ind, err := env.Typing()
		if err != nil {
			c.logger.Warn("dropping unroutable envelope", zap.Error(err))
			return
		}
		if ind.ConversationID != c.cfg.ConversationID {
			return
		}
		c.cfg.Presence.ApplyTyping(ind)

	case event.TypeRead:
		receipt, err := env.Read()
		if err != nil {
			c.logger.Warn("dropping unroutable envelope", zap.Error(err))
			return
		}
		if receipt.ConversationID != c.cfg.ConversationID {
			return
		}
		c.stream.ApplyStatusUpdate(receipt.MessageIDs, model.StatusRead)

	case event.TypeOnline:
		if p, err := env.Presence(); err == nil {
			c.cfg.Presence.SetOnline(p.UserID)
		}

	case event.TypeOffline:
		if p, err := env.Presence(); err == nil {
			c.cfg.Presence.SetOffline(p.UserID)
		}

	default:
		c.logger.Warn("dropping envelope of unknown type", zap.String("type", env.Type))
	}
}

// onConnectionChange flips between delivery paths. Transient overlap during
// the handover is fine: the poller dedups and the reconciler is idempotent.
func (c *Conversation) onConnectionChange(connected bool) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if connected {
		c.poll.Stop(c.cfg.ConversationID)
	} else {
		c.poll.Start(c.cfg.ConversationID, c.ingestBatch)
	}
}

func (c *Conversation) ingestBatch(messages []model.Message) {
	for _, msg := range messages {
		c.stream.Ingest(msg)
	}
}

// emitReadReceipts acknowledges freshly ingested remote messages: the peer
// gets a read envelope, the store gets the durable mark.
func (c *Conversation) emitReadReceipts(messageIDs []string) {
	env, err := event.New(event.TypeRead, event.ReadPayload{
		ConversationID: c.cfg.ConversationID,
		MessageIDs:     messageIDs,
	})
	if err == nil {
		c.cfg.Conn.Send(env)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		if err := c.cfg.Store.MarkMessagesRead(ctx, messageIDs); err != nil {
			c.logger.Warn("failed to mark messages read",
				zap.Strings("message_ids", messageIDs),
				zap.Error(err),
			)
		}
	}()
}

func (c *Conversation) stopTyping() {
	c.mu.Lock()
	if !c.typingActive {
		c.mu.Unlock()
		return
	}
	c.typingActive = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()

	c.sendTyping(false)
}

func (c *Conversation) sendTyping(isTyping bool) {
	env, err := event.New(event.TypeTyping, model.TypingIndicator{
		ConversationID: c.cfg.ConversationID,
		UserID:         c.cfg.SelfID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return
	}
	c.cfg.Conn.Send(env)
}
