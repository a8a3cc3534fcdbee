package stream_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Chatline/internal/model"
	"Chatline/internal/stream"
)

func remoteMessage(id, senderID string, at time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       senderID,
		Content:        "hello " + id,
		Type:           model.MessageTypeText,
		Status:         model.StatusSent,
		CreatedAt:      at,
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	r := stream.New("c1", "alice", nil, nil, zap.NewNop())

	msg := remoteMessage("m1", "bob", time.Now())
	r.Ingest(msg)
	first := r.Messages()

	r.Ingest(msg)
	second := r.Messages()

	require.Len(t, second, 1)
	require.Equal(t, first, second)
}

func TestStreamStaysOrderedWithNoDuplicates(t *testing.T) {
	r := stream.New("c1", "alice", nil, nil, zap.NewNop())

	base := time.Now()
	// Arrive out of order, with one duplicate and one same-timestamp pair.
	r.Ingest(remoteMessage("m3", "bob", base.Add(2*time.Second)))
	r.Ingest(remoteMessage("m1", "bob", base))
	r.Ingest(remoteMessage("m4", "bob", base.Add(2*time.Second)))
	r.Ingest(remoteMessage("m2", "bob", base.Add(time.Second)))
	r.Ingest(remoteMessage("m1", "bob", base))

	msgs := r.Messages()
	require.Len(t, msgs, 4)

	seen := make(map[string]bool)
	for i, msg := range msgs {
		require.False(t, seen[msg.ID], "duplicate id %s", msg.ID)
		seen[msg.ID] = true
		if i > 0 {
			prev := msgs[i-1]
			require.False(t, msg.Before(&prev), "stream out of order at %d", i)
		}
	}
	require.Equal(t, "m3", msgs[2].ID, "same-timestamp messages must tie-break on id")
	require.Equal(t, "m4", msgs[3].ID)
}

func TestOptimisticRoundTrip(t *testing.T) {
	r := stream.New("c1", "alice", nil, nil, zap.NewNop())

	key := r.AppendOptimistic("hi", model.MessageTypeText)
	require.Len(t, r.Messages(), 1)
	require.Equal(t, model.StatusSending, r.Messages()[0].Status)
	require.Empty(t, r.Messages()[0].ID)

	r.ApplySendResult(key, &model.Message{ID: "m1"}, nil)

	msgs := r.Messages()
	require.Len(t, msgs, 1, "resolving an optimistic send must not add a second entry")
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, model.StatusSent, msgs[0].Status)

	// The store echoing the same message back (e.g. via a poll) is a no-op.
	r.Ingest(remoteMessage("m1", "alice", msgs[0].CreatedAt))
	require.Len(t, r.Messages(), 1)
}

func TestPollEchoBeforeSendResultKeepsSingleEntry(t *testing.T) {
	r := stream.New("c1", "alice", nil, nil, zap.NewNop())

	// The poller can echo the just-persisted message while the send call is
	// still in flight; the pending entry has no id yet, so the echo lands.
	key := r.AppendOptimistic("hi", model.MessageTypeText)
	r.Ingest(remoteMessage("m1", "alice", time.Now()))
	require.Len(t, r.Messages(), 2)

	r.ApplySendResult(key, &model.Message{ID: "m1"}, nil)

	msgs := r.Messages()
	require.Len(t, msgs, 1, "echoed entry and resolved optimistic entry must collapse")
	require.Equal(t, "m1", msgs[0].ID)
}

func TestFailedSendStaysVisible(t *testing.T) {
	r := stream.New("c1", "alice", nil, nil, zap.NewNop())

	key := r.AppendOptimistic("hi", model.MessageTypeText)
	r.ApplySendResult(key, nil, errors.New("send rejected"))

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, model.StatusFailed, msgs[0].Status)
	require.Equal(t, "hi", msgs[0].Content)
}

func TestRemoteIngestEmitsReadReceipt(t *testing.T) {
	var receipts [][]string
	r := stream.New("c1", "alice", func(ids []string) {
		receipts = append(receipts, ids)
	}, nil, zap.NewNop())

	r.Ingest(remoteMessage("m1", "bob", time.Now()))
	require.Equal(t, [][]string{{"m1"}}, receipts)

	// Re-ingestion must not re-emit.
	r.Ingest(remoteMessage("m1", "bob", time.Now()))
	require.Len(t, receipts, 1)

	// Own messages never trigger receipts.
	r.Ingest(remoteMessage("m2", "alice", time.Now()))
	require.Len(t, receipts, 1)

	// Already-read remote messages need no receipt either.
	already := remoteMessage("m3", "bob", time.Now())
	already.Status = model.StatusRead
	r.Ingest(already)
	require.Len(t, receipts, 1)
}

func TestStatusUpdatesAreMonotonic(t *testing.T) {
	r := stream.New("c1", "alice", nil, nil, zap.NewNop())

	key := r.AppendOptimistic("hi", model.MessageTypeText)
	r.ApplySendResult(key, &model.Message{ID: "m1"}, nil)

	r.ApplyStatusUpdate([]string{"m1", "unknown"}, model.StatusRead)
	require.Equal(t, model.StatusRead, r.Messages()[0].Status)

	// A late "delivered" must not roll read back.
	r.ApplyStatusUpdate([]string{"m1"}, model.StatusDelivered)
	require.Equal(t, model.StatusRead, r.Messages()[0].Status)
}
