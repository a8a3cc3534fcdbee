package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Chatline/internal/event"
	"Chatline/internal/model"
	"Chatline/internal/presence"
	"Chatline/internal/session"
)

// fakeConn is an in-process stand-in for the connection manager.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	handlers  map[int]func(event.Envelope)
	connSubs  map[int]func(bool)
	sent      []event.Envelope
	nextID    int
}

func newFakeConn(connected bool) *fakeConn {
	return &fakeConn{
		connected: connected,
		handlers:  make(map[int]func(event.Envelope)),
		connSubs:  make(map[int]func(bool)),
	}
}

func (f *fakeConn) Send(env event.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.sent = append(f.sent, env)
	}
}

func (f *fakeConn) OnMessage(handler func(event.Envelope)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeConn) OnConnectionChange(handler func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.connSubs[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.connSubs, id)
	}
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// deliver pushes an envelope to every subscriber, like an inbound frame.
func (f *fakeConn) deliver(env event.Envelope) {
	f.mu.Lock()
	handlers := make([]func(event.Envelope), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (f *fakeConn) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	subs := make([]func(bool), 0, len(f.connSubs))
	for _, h := range f.connSubs {
		subs = append(subs, h)
	}
	f.mu.Unlock()
	for _, h := range subs {
		h(connected)
	}
}

func (f *fakeConn) sentOfType(typ string) []event.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event.Envelope
	for _, env := range f.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeConn) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers) + len(f.connSubs)
}

// fakeStore is an in-memory Store collaborator.
type fakeStore struct {
	mu       sync.Mutex
	messages []model.Message
	marked   []string
	sendErr  error
	nextID   int
}

func (s *fakeStore) SendMessage(_ context.Context, conversationID, senderID, content string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.nextID++
	msg := model.Message{
		ID:             fmt.Sprintf("m%d", s.nextID),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           model.MessageTypeText,
		Status:         model.StatusSent,
		CreatedAt:      time.Now(),
	}
	s.messages = append(s.messages, msg)
	return &msg, nil
}

func (s *fakeStore) GetMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkMessagesRead(_ context.Context, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, messageIDs...)
	return nil
}

func (s *fakeStore) addRemote(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *fakeStore) markedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.marked...)
}

func openTestConversation(t *testing.T, conn *fakeConn, store *fakeStore) *session.Conversation {
	t.Helper()
	agg := presence.New("alice", 50*time.Millisecond, nil, zap.NewNop())
	t.Cleanup(agg.Close)

	conv := session.Open(session.Config{
		ConversationID: "c1",
		SelfID:         "alice",
		Conn:           conn,
		Store:          store,
		Presence:       agg,
		Logger:         zap.NewNop(),
		PollInterval:   20 * time.Millisecond,
		TypingIdle:     50 * time.Millisecond,
	})
	t.Cleanup(conv.Close)
	return conv
}

func remoteEnvelope(t *testing.T, id string) event.Envelope {
	t.Helper()
	env, err := event.New(event.TypeMessage, model.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "bob",
		Content:        "hello",
		Type:           model.MessageTypeText,
		Status:         model.StatusSent,
		CreatedAt:      time.Now(),
	})
	require.NoError(t, err)
	return env
}

func TestBasicDelivery(t *testing.T) {
	conn := newFakeConn(true)
	store := &fakeStore{}
	conv := openTestConversation(t, conn, store)

	conn.deliver(remoteEnvelope(t, "m1"))

	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)

	// One read receipt goes back to the peer and the store gets the mark.
	receipts := conn.sentOfType(event.TypeRead)
	require.Len(t, receipts, 1)
	payload, err := receipts[0].Read()
	require.NoError(t, err)
	require.Equal(t, event.ReadPayload{ConversationID: "c1", MessageIDs: []string{"m1"}}, payload)

	require.Eventually(t, func() bool {
		ids := store.markedIDs()
		return len(ids) == 1 && ids[0] == "m1"
	}, time.Second, 10*time.Millisecond)

	// Duplicate delivery is absorbed, no second receipt.
	conn.deliver(remoteEnvelope(t, "m1"))
	require.Len(t, conv.Messages(), 1)
	require.Len(t, conn.sentOfType(event.TypeRead), 1)
}

func TestSendMessageRoundTrip(t *testing.T) {
	conn := newFakeConn(true)
	store := &fakeStore{}
	conv := openTestConversation(t, conn, store)

	require.NoError(t, conv.SendMessage(context.Background(), "Hello"))

	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	require.NotEmpty(t, msgs[0].ID)
	require.Equal(t, model.StatusSent, msgs[0].Status)

	published := conn.sentOfType(event.TypeMessage)
	require.Len(t, published, 1)
	msg, err := published[0].Message()
	require.NoError(t, err)
	require.Equal(t, "Hello", msg.Content)
}

func TestSendFailureLeavesFailedMessage(t *testing.T) {
	conn := newFakeConn(true)
	store := &fakeStore{sendErr: errors.New("store rejected")}
	conv := openTestConversation(t, conn, store)

	err := conv.SendMessage(context.Background(), "Hello")
	require.Error(t, err)

	msgs := conv.Messages()
	require.Len(t, msgs, 1, "failed message must stay visible")
	require.Equal(t, model.StatusFailed, msgs[0].Status)
	require.Empty(t, conn.sentOfType(event.TypeMessage))
}

func TestPollPushHandover(t *testing.T) {
	conn := newFakeConn(false)
	store := &fakeStore{}
	conv := openTestConversation(t, conn, store)

	// Disconnected: the poller is the delivery path.
	store.addRemote(model.Message{
		ID:             "m9",
		ConversationID: "c1",
		SenderID:       "bob",
		Content:        "offline hello",
		Status:         model.StatusSent,
		CreatedAt:      time.Now(),
	})
	require.Eventually(t, func() bool {
		return len(conv.Messages()) == 1
	}, time.Second, 10*time.Millisecond)

	// Reconnect: polling stops, push takes over, and the same message
	// arriving on both paths stays a single entry.
	conn.setConnected(true)
	conn.deliver(remoteEnvelope(t, "m9"))
	require.Len(t, conv.Messages(), 1)

	// With polling stopped, new store rows no longer arrive by themselves.
	store.addRemote(model.Message{
		ID:             "m10",
		ConversationID: "c1",
		SenderID:       "bob",
		Content:        "push only now",
		Status:         model.StatusSent,
		CreatedAt:      time.Now(),
	})
	time.Sleep(80 * time.Millisecond)
	require.Len(t, conv.Messages(), 1)
}

func TestTypingDebounce(t *testing.T) {
	conn := newFakeConn(true)
	store := &fakeStore{}
	conv := openTestConversation(t, conn, store)

	conv.NotifyTyping()
	conv.NotifyTyping()
	conv.NotifyTyping()

	typings := conn.sentOfType(event.TypeTyping)
	require.Len(t, typings, 1, "typing=true is emitted once, not per keystroke")
	ind, err := typings[0].Typing()
	require.NoError(t, err)
	require.True(t, ind.IsTyping)

	// After the idle window a single typing=false follows.
	require.Eventually(t, func() bool {
		return len(conn.sentOfType(event.TypeTyping)) == 2
	}, time.Second, 10*time.Millisecond)
	ind, err = conn.sentOfType(event.TypeTyping)[1].Typing()
	require.NoError(t, err)
	require.False(t, ind.IsTyping)
}

func TestSendStopsTyping(t *testing.T) {
	conn := newFakeConn(true)
	store := &fakeStore{}
	conv := openTestConversation(t, conn, store)

	conv.NotifyTyping()
	require.NoError(t, conv.SendMessage(context.Background(), "done"))

	typings := conn.sentOfType(event.TypeTyping)
	require.Len(t, typings, 2)
	ind, err := typings[1].Typing()
	require.NoError(t, err)
	require.False(t, ind.IsTyping)
}

func TestRemoteTypingAndPresenceRouting(t *testing.T) {
	conn := newFakeConn(true)
	store := &fakeStore{}
	conv := openTestConversation(t, conn, store)

	env, err := event.New(event.TypeTyping, model.TypingIndicator{
		ConversationID: "c1",
		UserID:         "bob",
		IsTyping:       true,
	})
	require.NoError(t, err)
	conn.deliver(env)
	require.Equal(t, []string{"bob"}, conv.TypingUsers())

	// Another conversation's typing never shows here.
	other, err := event.New(event.TypeTyping, model.TypingIndicator{
		ConversationID: "c2",
		UserID:         "carol",
		IsTyping:       true,
	})
	require.NoError(t, err)
	conn.deliver(other)
	require.Equal(t, []string{"bob"}, conv.TypingUsers())
}

func TestReadReceiptAdvancesOwnMessages(t *testing.T) {
	conn := newFakeConn(true)
	store := &fakeStore{}
	conv := openTestConversation(t, conn, store)

	require.NoError(t, conv.SendMessage(context.Background(), "Hello"))
	sentID := conv.Messages()[0].ID

	env, err := event.New(event.TypeRead, event.ReadPayload{
		ConversationID: "c1",
		MessageIDs:     []string{sentID},
	})
	require.NoError(t, err)
	conn.deliver(env)

	require.Equal(t, model.StatusRead, conv.Messages()[0].Status)
}

func TestCloseReleasesEverything(t *testing.T) {
	conn := newFakeConn(true)
	store := &fakeStore{}
	conv := openTestConversation(t, conn, store)

	require.Positive(t, conn.subscriberCount())
	conv.Close()
	require.Zero(t, conn.subscriberCount(), "close must release all registrations")

	require.ErrorIs(t, conv.SendMessage(context.Background(), "late"), session.ErrClosed)

	// Post-close envelopes cannot reach the discarded view.
	conn.deliver(remoteEnvelope(t, "m5"))
	require.Empty(t, conv.Messages())
}
