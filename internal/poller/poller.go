package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"Chatline/internal/model"
)

const fetchTimeout = 5 * time.Second

// Fetcher is the slice of the store the poller needs.
type Fetcher interface {
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}

// Handler receives the messages a poll tick discovered for the first time.
type Handler func(messages []model.Message)

type pollState struct {
	cancel context.CancelFunc
	seen   map[string]struct{}
}

// Poller substitutes for the push channel per conversation: it fetches the
// conversation's messages on a fixed interval and forwards only the ones it
// has not delivered before. Push and poll may overlap briefly during a
// reconnect handover; the seen-id set keeps that from duplicating delivery.
type Poller struct {
	store    Fetcher
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*pollState
}

// New creates a poller over store. interval <= 0 defaults to 3s.
func New(store Fetcher, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{
		store:    store,
		interval: interval,
		logger:   logger,
		active:   make(map[string]*pollState),
	}
}

// Start begins polling the conversation. A previous timer for the same
// conversation is stopped first, so at most one runs per conversation.
func (p *Poller) Start(conversationID string, handler Handler) {
	p.Stop(conversationID)

	ctx, cancel := context.WithCancel(context.Background())
	state := &pollState{
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}

	p.mu.Lock()
	p.active[conversationID] = state
	p.mu.Unlock()

	p.logger.Info("polling started", zap.String("conversation_id", conversationID))
	go p.loop(ctx, conversationID, state, handler)
}

// Stop cancels the conversation's timer and discards its dedup state.
// Idempotent: safe to call when not polling.
func (p *Poller) Stop(conversationID string) {
	p.mu.Lock()
	state, ok := p.active[conversationID]
	if ok {
		delete(p.active, conversationID)
	}
	p.mu.Unlock()

	if ok {
		state.cancel()
		p.logger.Info("polling stopped", zap.String("conversation_id", conversationID))
	}
}

// StopAll cancels every active timer. Used on full teardown.
func (p *Poller) StopAll() {
	p.mu.Lock()
	states := p.active
	p.active = make(map[string]*pollState)
	p.mu.Unlock()

	for id, state := range states {
		state.cancel()
		p.logger.Info("polling stopped", zap.String("conversation_id", id))
	}
}

func (p *Poller) loop(ctx context.Context, conversationID string, state *pollState, handler Handler) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, conversationID, state, handler)
		}
	}
}

func (p *Poller) tick(ctx context.Context, conversationID string, state *pollState, handler Handler) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	messages, err := p.store.GetMessages(fetchCtx, conversationID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// The interval is coarse enough that the next tick is the retry.
		p.logger.Warn("poll fetch failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}

	fresh := make([]model.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == "" {
			continue
		}
		if _, dup := state.seen[msg.ID]; dup {
			continue
		}
		state.seen[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
	}

	if len(fresh) > 0 && ctx.Err() == nil {
		handler(fresh)
	}
}
