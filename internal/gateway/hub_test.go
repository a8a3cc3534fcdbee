package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Chatline/internal/event"
	"Chatline/internal/gateway"
	"Chatline/internal/model"
)

func startHub(t *testing.T) (*gateway.Hub, *httptest.Server) {
	t.Helper()
	h := gateway.NewHub(zap.NewNop())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, r.URL.Query().Get("userId"), r.URL.Query().Get("conversationId"))
	}))

	t.Cleanup(func() {
		server.Close()
		h.Stop()
	})
	return h, server
}

func dialClient(t *testing.T, server *httptest.Server, userID, conversationID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?userId=" + userID + "&conversationId=" + conversationID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) event.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env event.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHubRelaysWithinConversation(t *testing.T) {
	_, server := startHub(t)

	alice := dialClient(t, server, "alice", "c1")
	bob := dialClient(t, server, "bob", "c1")

	// Alice learns that bob came online.
	env := readEnvelope(t, alice)
	require.Equal(t, event.TypeOnline, env.Type)
	p, err := env.Presence()
	require.NoError(t, err)
	require.Equal(t, "bob", p.UserID)

	out, err := event.New(event.TypeMessage, model.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        "hi bob",
		Status:         model.StatusSent,
		CreatedAt:      time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(out))

	got := readEnvelope(t, bob)
	require.Equal(t, event.TypeMessage, got.Type)
	msg, err := got.Message()
	require.NoError(t, err)
	require.Equal(t, "m1", msg.ID)
	require.Equal(t, "hi bob", msg.Content)

	// The sender must not hear their own message back.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var echo event.Envelope
	require.Error(t, alice.ReadJSON(&echo), "expected no echo to the sender")
}

func TestStopIsIdempotent(t *testing.T) {
	h := gateway.NewHub(zap.NewNop())
	h.Stop()
	require.NotPanics(t, h.Stop)
}

func TestSecondConnectionDoesNotRebroadcastOnline(t *testing.T) {
	_, server := startHub(t)

	alice := dialClient(t, server, "alice", "c1")
	bob1 := dialClient(t, server, "bob", "c1")

	env := readEnvelope(t, alice)
	require.Equal(t, event.TypeOnline, env.Type)

	bob2 := dialClient(t, server, "bob", "c1")
	time.Sleep(100 * time.Millisecond) // let the registration settle

	require.NoError(t, bob1.Close())
	require.NoError(t, bob2.Close())

	// Alice's next frame is the single offline for bob: no duplicate online
	// for the second connection, no offline while one connection remained.
	env = readEnvelope(t, alice)
	require.Equal(t, event.TypeOffline, env.Type)
	p, err := env.Presence()
	require.NoError(t, err)
	require.Equal(t, "bob", p.UserID)

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var extra event.Envelope
	require.Error(t, alice.ReadJSON(&extra), "expected exactly one offline broadcast")
}

func TestHubAnnouncesOffline(t *testing.T) {
	_, server := startHub(t)

	alice := dialClient(t, server, "alice", "c1")
	bob := dialClient(t, server, "bob", "c1")

	env := readEnvelope(t, alice)
	require.Equal(t, event.TypeOnline, env.Type)

	require.NoError(t, bob.Close())

	env = readEnvelope(t, alice)
	require.Equal(t, event.TypeOffline, env.Type)
	p, err := env.Presence()
	require.NoError(t, err)
	require.Equal(t, "bob", p.UserID)
}
