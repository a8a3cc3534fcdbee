package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"Chatline/internal/event"
)

var (
	// tuning parameters
	writeWait      = 10 * time.Second    // time allowed to write a message to the peer
	pongWait       = 20 * time.Second    // time allowed to read the next pong from the peer
	pingInterval   = (pongWait * 9) / 10 // send pings to the peer with this period
	maxMessageSize = 64 * 1024           // max inbound message size (64KB)
	egressBufSize  = 256                 // outbound buffer size
)

// Options tunes the reconnect policy. Zero values fall back to defaults.
type Options struct {
	MaxAttempts int           // consecutive dial failures before giving up (default 5)
	BaseDelay   time.Duration // reconnect delay grows as BaseDelay * attempt (default 1s)
	Dialer      *websocket.Dialer
}

// Manager owns the one logical push connection of a client session. It
// reconnects with a bounded, backing-off retry budget and fans inbound
// envelopes out to subscribers. Send while disconnected is a silent no-op:
// reliability lives in the application-level status/ack flow, not here.
type Manager struct {
	url    string
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	connected bool
	givenUp   bool
	subs      map[string]func(event.Envelope)
	connSubs  map[string]func(bool)

	egress chan event.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager starts connecting immediately and keeps the connection alive in
// the background until Close is called or the retry budget runs out.
func NewManager(url string, opts Options, logger *zap.Logger) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		url:      url,
		opts:     opts,
		logger:   logger,
		subs:     make(map[string]func(event.Envelope)),
		connSubs: make(map[string]func(bool)),
		egress:   make(chan event.Envelope, egressBufSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go m.run()
	return m
}

// Send transmits the envelope if connected. When disconnected it is dropped
// silently: a message only advances past "sending" on a positive ack, never
// on transmission alone, so no retry happens at this layer.
func (m *Manager) Send(env event.Envelope) {
	if !m.IsConnected() {
		m.logger.Debug("send skipped: not connected", zap.String("type", env.Type))
		return
	}

	select {
	case m.egress <- env:
		// enqueued
	default:
		m.logger.Warn("egress full, dropping envelope", zap.String("type", env.Type))
	}
}

// OnMessage registers a handler for every inbound envelope and returns its
// unsubscribe function. Handlers are isolated: a panic in one is logged and
// does not stop delivery to the others.
func (m *Manager) OnMessage(handler func(event.Envelope)) func() {
	id := uuid.NewString()
	m.mu.Lock()
	m.subs[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// OnConnectionChange registers a handler invoked whenever the connected state
// flips, and returns its unsubscribe function.
func (m *Manager) OnConnectionChange(handler func(bool)) func() {
	id := uuid.NewString()
	m.mu.Lock()
	m.connSubs[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.connSubs, id)
		m.mu.Unlock()
	}
}

// IsConnected reports the current push channel state. Callers use it to
// decide between push and the fallback poller.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GivenUp reports whether the retry budget is exhausted. Once true the
// manager never reconnects and callers must rely on polling.
func (m *Manager) GivenUp() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.givenUp
}

// Close tears the connection down and stops all reconnection. Safe to call
// more than once.
func (m *Manager) Close() {
	m.cancel()
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)

	failures := 0
	for {
		if m.ctx.Err() != nil {
			return
		}

		conn, resp, err := m.opts.Dialer.DialContext(m.ctx, m.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			failures++
			m.logger.Warn("push dial failed",
				zap.Int("attempt", failures),
				zap.Int("max_attempts", m.opts.MaxAttempts),
				zap.Error(err),
			)
			if failures >= m.opts.MaxAttempts {
				m.giveUp()
				return
			}
			if !m.sleep(time.Duration(failures) * m.opts.BaseDelay) {
				return
			}
			continue
		}

		failures = 0
		m.logger.Info("push connection established", zap.String("url", m.url))
		m.setConnected(true)
		m.serve(conn)
		m.setConnected(false)

		if m.ctx.Err() != nil {
			return
		}
	}
}

// serve runs the read and write pumps for one established connection and
// returns once it is dead.
func (m *Manager) serve(conn *websocket.Conn) {
	quit := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(quit)
			_ = conn.Close()
		})
	}

	go m.writeLoop(conn, quit, stop)
	m.readLoop(conn, stop)
}

func (m *Manager) readLoop(conn *websocket.Conn, stop func()) {
	defer stop()

	conn.SetReadLimit(int64(maxMessageSize))
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				m.logger.Info("push connection closed")
			} else if m.ctx.Err() == nil {
				m.logger.Warn("push read error", zap.Error(err))
			}
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// Malformed envelopes are dropped, never fatal.
			m.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}

		m.dispatch(env)
	}
}

func (m *Manager) writeLoop(conn *websocket.Conn, quit chan struct{}, stop func()) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		stop()
	}()

	for {
		select {
		case <-quit:
			return
		case <-m.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case env := <-m.egress:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				m.logger.Warn("push write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (m *Manager) dispatch(env event.Envelope) {
	m.mu.RLock()
	handlers := make([]func(event.Envelope), 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		m.invoke(h, env)
	}
}

// invoke isolates one subscriber: its panic must not starve the others.
func (m *Manager) invoke(h func(event.Envelope), env event.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("envelope handler panicked",
				zap.String("type", env.Type),
				zap.Any("panic", r),
			)
		}
	}()
	h(env)
}

func (m *Manager) setConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	handlers := make([]func(bool), 0, len(m.connSubs))
	for _, h := range m.connSubs {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(connected)
	}
}

func (m *Manager) giveUp() {
	m.mu.Lock()
	m.givenUp = true
	m.mu.Unlock()
	m.logger.Error("reconnect budget exhausted, relying on polling",
		zap.Int("max_attempts", m.opts.MaxAttempts))
}

func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
