package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"Chatline/internal/model"
)

// Aggregator folds typing/online/offline events into current sets suitable
// for direct rendering: per-conversation "who is typing" and a global "who is
// online". Events about the local user are ignored so a user's own signals
// never render back as remote indicators.
type Aggregator struct {
	selfID   string
	expiry   time.Duration
	logger   *zap.Logger
	onChange func()

	mu       sync.Mutex
	typing   map[string]map[string]*time.Timer // conversationID -> userID -> expiry timer
	online   map[string]struct{}
	lastSeen map[string]time.Time
	closed   bool
}

// New creates an aggregator for the given local user. expiry <= 0 defaults to
// 2s; it bounds how long a typing signal survives without a refresh, which
// protects against a peer that crashes before sending isTyping=false.
// onChange, if non-nil, fires after every state mutation.
func New(selfID string, expiry time.Duration, onChange func(), logger *zap.Logger) *Aggregator {
	if expiry <= 0 {
		expiry = 2 * time.Second
	}
	return &Aggregator{
		selfID:   selfID,
		expiry:   expiry,
		logger:   logger,
		onChange: onChange,
		typing:   make(map[string]map[string]*time.Timer),
		online:   make(map[string]struct{}),
		lastSeen: make(map[string]time.Time),
	}
}

// ApplyTyping records the latest typing signal for (conversation, user).
// isTyping=true schedules or refreshes the expiry timer; isTyping=false
// removes the user immediately.
func (a *Aggregator) ApplyTyping(ind model.TypingIndicator) {
	if ind.UserID == a.selfID {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	users := a.typing[ind.ConversationID]
	if ind.IsTyping {
		if users == nil {
			users = make(map[string]*time.Timer)
			a.typing[ind.ConversationID] = users
		}
		if timer, ok := users[ind.UserID]; ok {
			timer.Stop()
		}
		conversationID, userID := ind.ConversationID, ind.UserID
		var timer *time.Timer
		timer = time.AfterFunc(a.expiry, func() {
			a.expireTyping(conversationID, userID, timer)
		})
		users[userID] = timer
	} else {
		if timer, ok := users[ind.UserID]; ok {
			timer.Stop()
			delete(users, ind.UserID)
			if len(users) == 0 {
				delete(a.typing, ind.ConversationID)
			}
		}
	}
	a.mu.Unlock()

	a.notify()
}

// SetOnline marks the user online. No expiry: online status is explicit.
func (a *Aggregator) SetOnline(userID string) {
	if userID == a.selfID {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.online[userID] = struct{}{}
	a.mu.Unlock()

	a.notify()
}

// SetOffline marks the user offline and records when they were last seen.
func (a *Aggregator) SetOffline(userID string) {
	if userID == a.selfID {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	delete(a.online, userID)
	a.lastSeen[userID] = time.Now()
	a.mu.Unlock()

	a.notify()
}

// TypingIn returns the users currently typing in the conversation, sorted.
func (a *Aggregator) TypingIn(conversationID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	users := a.typing[conversationID]
	out := make([]string, 0, len(users))
	for userID := range users {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// OnlineUsers returns the users currently online, sorted.
func (a *Aggregator) OnlineUsers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.online))
	for userID := range a.online {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether the user is currently online.
func (a *Aggregator) IsOnline(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.online[userID]
	return ok
}

// LastSeen returns when the user last went offline, if known.
func (a *Aggregator) LastSeen(userID string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.lastSeen[userID]
	return t, ok
}

// Close stops every pending expiry timer. The aggregator ignores all events
// afterwards.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	for _, users := range a.typing {
		for _, timer := range users {
			timer.Stop()
		}
	}
	a.typing = make(map[string]map[string]*time.Timer)
}

func (a *Aggregator) expireTyping(conversationID, userID string, timer *time.Timer) {
	a.mu.Lock()
	users := a.typing[conversationID]
	// A refreshed signal replaces the timer; an expiry from the old one is stale.
	if users[userID] != timer {
		a.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(a.typing, conversationID)
	}
	a.mu.Unlock()

	a.logger.Debug("typing signal expired",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)
	a.notify()
}

func (a *Aggregator) notify() {
	if a.onChange != nil {
		a.onChange()
	}
}
