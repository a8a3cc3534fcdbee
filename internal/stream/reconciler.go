package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"Chatline/internal/model"
)

// ReadNotifier is called with the ids of remote-authored messages that were
// just ingested and need a read receipt emitted.
type ReadNotifier func(messageIDs []string)

// Reconciler is the single source of truth for one conversation's messages.
// Three producers feed it (optimistic local sends, push envelopes, poll
// results); it merges them into one sequence ordered by (createdAt, id) with
// no duplicate ids. Ingestion is idempotent, so push and poll racing each
// other during a reconnect handover cannot duplicate a message.
type Reconciler struct {
	conversationID string
	selfID         string
	onRead         ReadNotifier
	onChange       func()
	logger         *zap.Logger

	mu      sync.Mutex
	entries []*model.Message // sorted by (CreatedAt, ID)
	byID    map[string]*model.Message
	byTemp  map[string]*model.Message
}

// New creates a reconciler for one conversation. onRead and onChange may be
// nil.
func New(conversationID, selfID string, onRead ReadNotifier, onChange func(), logger *zap.Logger) *Reconciler {
	return &Reconciler{
		conversationID: conversationID,
		selfID:         selfID,
		onRead:         onRead,
		onChange:       onChange,
		logger:         logger,
		byID:           make(map[string]*model.Message),
		byTemp:         make(map[string]*model.Message),
	}
}

// AppendOptimistic inserts a locally authored message at the tail in the
// sending state, keyed by a generated temporary key until the store assigns
// the authoritative id. Returns the temporary key.
func (r *Reconciler) AppendOptimistic(content, messageType string) string {
	if messageType == "" {
		messageType = model.MessageTypeText
	}
	tempKey := uuid.NewString()
	msg := &model.Message{
		ConversationID: r.conversationID,
		SenderID:       r.selfID,
		Content:        content,
		Type:           messageType,
		Status:         model.StatusSending,
		CreatedAt:      time.Now(),
	}

	r.mu.Lock()
	r.byTemp[tempKey] = msg
	r.insertLocked(msg)
	r.mu.Unlock()

	r.notify()
	return tempKey
}

// ApplySendResult resolves an optimistic entry. On success the temporary
// entry takes the authoritative id and becomes sent, preserving its position.
// On failure it becomes failed in place: the user keeps seeing it, marked
// failed, and may explicitly re-send. No automatic retry happens here.
func (r *Reconciler) ApplySendResult(tempKey string, result *model.Message, sendErr error) {
	r.mu.Lock()
	msg, ok := r.byTemp[tempKey]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("send result for unknown temp key", zap.String("temp_key", tempKey))
		return
	}

	if sendErr != nil {
		msg.Status = model.StatusFailed
		r.mu.Unlock()
		r.logger.Warn("message send failed",
			zap.String("conversation_id", r.conversationID),
			zap.Error(sendErr),
		)
		r.notify()
		return
	}

	delete(r.byTemp, tempKey)
	if existing, dup := r.byID[result.ID]; dup && existing != msg {
		// Poll or push echoed the persisted message before the send call
		// returned. That entry already owns the id; the optimistic
		// placeholder is redundant.
		r.removeLocked(msg)
		r.mu.Unlock()
		r.notify()
		return
	}
	msg.ID = result.ID
	msg.Status = model.StatusSent
	if msg.ID != "" {
		r.byID[msg.ID] = msg
	}
	r.mu.Unlock()

	r.notify()
}

// Ingest merges a message arriving from push or poll. A message whose id is
// already present is a no-op. Remote-authored messages below read trigger a
// read-receipt emission via the notifier.
func (r *Reconciler) Ingest(incoming model.Message) {
	if incoming.ID == "" || incoming.ConversationID != r.conversationID {
		return
	}

	r.mu.Lock()
	if _, dup := r.byID[incoming.ID]; dup {
		r.mu.Unlock()
		return
	}

	msg := incoming
	if msg.Status == "" {
		msg.Status = model.StatusSent
	}
	r.byID[msg.ID] = &msg
	r.insertLocked(&msg)

	wantReceipt := msg.SenderID != r.selfID && msg.Status.Rank() < model.StatusRead.Rank()
	if wantReceipt {
		msg.Status = model.StatusRead
	}
	id := msg.ID
	r.mu.Unlock()

	if wantReceipt && r.onRead != nil {
		r.onRead([]string{id})
	}
	r.notify()
}

// ApplyStatusUpdate bulk-advances message statuses without reordering, used
// for read-receipt acknowledgements. Downgrades and failed are ignored.
func (r *Reconciler) ApplyStatusUpdate(messageIDs []string, status model.MessageStatus) {
	if status.Rank() < 0 {
		return
	}

	changed := false
	r.mu.Lock()
	for _, id := range messageIDs {
		msg, ok := r.byID[id]
		if !ok {
			continue
		}
		if msg.Status.Rank() < status.Rank() {
			msg.Status = status
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

// Messages returns a snapshot of the stream in order.
func (r *Reconciler) Messages() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Message, len(r.entries))
	for i, msg := range r.entries {
		out[i] = *msg
	}
	return out
}

// Len returns the number of messages in the stream.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Reconciler) insertLocked(msg *model.Message) {
	i := sort.Search(len(r.entries), func(i int) bool {
		return msg.Before(r.entries[i])
	})
	r.entries = append(r.entries, nil)
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = msg
}

func (r *Reconciler) removeLocked(msg *model.Message) {
	for i, entry := range r.entries {
		if entry == msg {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *Reconciler) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
