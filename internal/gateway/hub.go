// Package gateway is a development harness: a WebSocket broker that relays
// envelopes between the connected clients of a conversation and announces
// online/offline presence. The production endpoint is out of scope for this
// repository; this one exists so the client subsystem can be run end to end
// locally.
package gateway

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"Chatline/internal/event"
)

const (
	shardCount     = 16
	workerPoolSize = 8
)

type inboundEnvelope struct {
	env    event.Envelope
	client *Client
}

type bucket struct {
	sync.RWMutex
	rooms map[string]map[string]*Client // conversationID -> clientID -> client
}

// Hub fans envelopes out to a conversation's connected clients and tracks
// which users are online.
type Hub struct {
	logger *zap.Logger

	shards     [shardCount]*bucket
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEnvelope

	onlineMu sync.RWMutex
	online   map[string]*Client // userID -> client

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewHub(logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:     logger,
		register:   make(chan *Client, 256),
		unregister: make(chan *Client, 256),
		inbound:    make(chan inboundEnvelope, 1024),
		online:     make(map[string]*Client),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < shardCount; i++ {
		h.shards[i] = &bucket{
			rooms: make(map[string]map[string]*Client),
		}
	}

	go h.run()

	for i := 0; i < workerPoolSize; i++ {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case <-h.ctx.Done():
					return
				case in := <-h.inbound:
					h.handleEnvelope(in.env, in.client)
				}
			}
		}()
	}

	return h
}

// Stop closes every client connection and stops the worker pool. Safe to
// call more than once; the workers drain through context cancellation so
// client read loops never race a channel close.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()

		for _, shard := range h.shards {
			shard.RLock()
			for _, room := range shard.rooms {
				for _, client := range room {
					client.Close()
				}
			}
			shard.RUnlock()
		}

		h.wg.Wait()
	})
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

// handleEnvelope relays a client's envelope to the other members of its
// conversation. Presence envelopes are hub-generated, never relayed.
func (h *Hub) handleEnvelope(env event.Envelope, c *Client) {
	switch env.Type {
	case event.TypeMessage, event.TypeTyping, event.TypeRead:
		h.relayToRoom(env, c.conversationID, c.ID)
	default:
		h.logger.Warn("unknown envelope type from client",
			zap.String("type", env.Type),
			zap.String("client_id", c.ID),
		)
	}
}

func (h *Hub) relayToRoom(env event.Envelope, conversationID, originID string) {
	b := h.shards[getShard(conversationID)]

	b.RLock()
	room := b.rooms[conversationID]
	clients := make([]*Client, 0, len(room))
	for _, c := range room {
		if c.ID != originID {
			clients = append(clients, c)
		}
	}
	b.RUnlock()

	for _, c := range clients {
		if !c.SafeSend(env, sendTimeout) {
			h.logger.Warn("egress full, dropping relay",
				zap.String("client_id", c.ID),
				zap.String("conversation_id", conversationID),
			)
		}
	}
}

// broadcastPresence tells every connected client that a user went on/offline.
func (h *Hub) broadcastPresence(typ, userID string) {
	env, err := event.New(typ, event.PresencePayload{UserID: userID})
	if err != nil {
		return
	}

	for _, shard := range h.shards {
		shard.RLock()
		for _, room := range shard.rooms {
			for _, c := range room {
				if c.userID == userID {
					continue
				}
				c.SafeSend(env, sendTimeout)
			}
		}
		shard.RUnlock()
	}
}

func (h *Hub) addClient(c *Client) {
	b := h.shards[getShard(c.conversationID)]
	b.Lock()
	room, ok := b.rooms[c.conversationID]
	if !ok {
		room = make(map[string]*Client)
		b.rooms[c.conversationID] = room
	}
	room[c.ID] = c
	b.Unlock()

	h.onlineMu.Lock()
	_, already := h.online[c.userID]
	h.online[c.userID] = c
	h.onlineMu.Unlock()

	h.logger.Info("client registered",
		zap.String("client_id", c.ID),
		zap.String("user_id", c.userID),
		zap.String("conversation_id", c.conversationID),
	)
	// A second connection for an already-online user stays silent, mirroring
	// how removeClient only announces offline for the last one.
	if !already {
		h.broadcastPresence(event.TypeOnline, c.userID)
	}
}

func (h *Hub) removeClient(c *Client) {
	b := h.shards[getShard(c.conversationID)]
	b.Lock()
	if room, ok := b.rooms[c.conversationID]; ok {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(b.rooms, c.conversationID)
		}
	}
	b.Unlock()

	gone := false
	h.onlineMu.Lock()
	if h.online[c.userID] == c {
		delete(h.online, c.userID)
		gone = true
	}
	h.onlineMu.Unlock()

	c.Close()
	h.logger.Info("client removed",
		zap.String("client_id", c.ID),
		zap.String("user_id", c.userID),
	)
	if gone {
		h.broadcastPresence(event.TypeOffline, c.userID)
	}
}

func getShard(conversationID string) uint32 {
	if conversationID == "" {
		return 0
	}

	sum := sha1.Sum([]byte(conversationID))
	return binary.BigEndian.Uint32(sum[:4]) % shardCount
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev harness: any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and registers the client on the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if registerClient(userID, conversationID, conn, h) == nil {
		_ = conn.Close()
	}
}
