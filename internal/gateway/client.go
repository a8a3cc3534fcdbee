package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"Chatline/internal/event"
)

var (
	// tuning parameters
	writeWait         = 10 * time.Second       // time allowed to write a message to the peer
	pongWait          = 20 * time.Second       // time allowed to read the next pong message from the peer
	pingInterval      = (pongWait * 9) / 10    // send pings to peer with this period
	maxMessageSize    = 64 * 1024              // max inbound message size (64KB)
	sendBufSize       = 256                    // per-connection outbound buffer size
	sendTimeout       = 2 * time.Second        // timeout for enqueuing outbound envelopes
	registerTimeout   = 5 * time.Second        // timeout for client registration
	unregisterTimeout = 5 * time.Second        // timeout for client unregistration
	inboundTimeout    = 500 * time.Millisecond // timeout for sending to the inbound channel
)

// Client is one WebSocket connection on the hub.
type Client struct {
	ID             string
	userID         string
	conversationID string
	conn           *websocket.Conn
	hub            *Hub
	egress         chan event.Envelope

	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	closed   bool
	closedMu sync.RWMutex
}

func registerClient(userID, conversationID string, conn *websocket.Conn, h *Hub) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		ID:             uuid.NewString(),
		userID:         userID,
		conversationID: conversationID,
		conn:           conn,
		hub:            h,
		egress:         make(chan event.Envelope, sendBufSize),
		ctx:            ctx,
		cancel:         cancel,
	}

	select {
	case h.register <- c:
		go c.readMessages()
		go c.writeMessages()
		return c
	case <-time.After(registerTimeout):
		h.logger.Warn("failed to register client: timeout", zap.String("client_id", c.ID))
		cancel()
		return nil
	}
}

func (c *Client) readMessages() {
	defer func() {
		select {
		case c.hub.unregister <- c:
			// unregistered
		case <-time.After(unregisterTimeout):
			c.hub.logger.Warn("failed to unregister client: timeout", zap.String("client_id", c.ID))
		}
		c.Close()
	}()

	c.conn.SetReadLimit(int64(maxMessageSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				c.hub.logger.Info("client disconnected", zap.String("client_id", c.ID))
				return
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.hub.logger.Info("client timed out", zap.String("client_id", c.ID))
				return
			}

			if c.ctx.Err() == nil {
				c.hub.logger.Warn("client read error",
					zap.String("client_id", c.ID),
					zap.Error(err),
				)
			}
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.hub.logger.Warn("dropping malformed envelope",
				zap.String("client_id", c.ID),
				zap.Error(err),
			)
			continue
		}

		select {
		case c.hub.inbound <- inboundEnvelope{env: env, client: c}:
			// accepted for processing
		case <-time.After(inboundTimeout):
			c.hub.logger.Warn("inbound queue full, dropping client", zap.String("client_id", c.ID))
			c.cancel()
			_ = c.conn.Close()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) writeMessages() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case env, ok := <-c.egress:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.hub.logger.Warn("client write error",
					zap.String("client_id", c.ID),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// SafeSend enqueues an envelope for the client. Returns false if the client
// is closed or the egress buffer stayed full for the whole timeout.
func (c *Client) SafeSend(env event.Envelope, timeout time.Duration) bool {
	if c.IsClosed() {
		return false
	}

	select {
	case <-c.ctx.Done():
		return false
	case c.egress <- env:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close tears the client down once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()

		c.cancel()
		close(c.egress)
	})
}

// IsClosed reports whether the client has been closed.
func (c *Client) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}
