package sync

import (
	"sort"
	"sync"
	"time"

	"github.com/Wondergasper/connectify-core/internal/bus"
)

// defaultTypingQuiet is how long a typing indicator survives without a
// fresh start event before being cleared automatically. Stop events and
// delivered messages clear it immediately.
const defaultTypingQuiet = 3 * time.Second

type typingKey struct {
	conversationID string
	userID         string
}

// TypingChange is published on the bus ("chat.typing_changed") whenever
// a typing indicator appears or disappears.
type TypingChange struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// TypingTracker keeps per-conversation typing indicators with automatic
// expiry. Indicators are ephemeral and never touch the cache database.
type TypingTracker struct {
	bus   *bus.Bus
	quiet time.Duration

	mu     sync.Mutex
	timers map[typingKey]*time.Timer
}

// NewTypingTracker creates a tracker with the default quiet period.
func NewTypingTracker(b *bus.Bus) *TypingTracker {
	return &TypingTracker{
		bus:    b,
		quiet:  defaultTypingQuiet,
		timers: make(map[typingKey]*time.Timer),
	}
}

// Start records that a user is typing in a conversation. A repeat start
// for the same pair restarts the expiry clock instead of stacking a
// second indicator.
func (t *TypingTracker) Start(conversationID, userID string) {
	if conversationID == "" || userID == "" {
		return
	}
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	fresh := false
	if timer, ok := t.timers[key]; ok {
		timer.Reset(t.quiet)
	} else {
		fresh = true
		t.timers[key] = time.AfterFunc(t.quiet, func() { t.expire(key) })
	}
	t.mu.Unlock()

	if fresh {
		t.publish(key, true)
	}
}

// Stop clears a typing indicator immediately.
func (t *TypingTracker) Stop(conversationID, userID string) {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	timer, ok := t.timers[key]
	if ok {
		timer.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()

	if ok {
		t.publish(key, false)
	}
}

// TypingUsers returns the users currently typing in a conversation,
// sorted for stable output.
func (t *TypingTracker) TypingUsers(conversationID string) []string {
	t.mu.Lock()
	var users []string
	for key := range t.timers {
		if key.conversationID == conversationID {
			users = append(users, key.userID)
		}
	}
	t.mu.Unlock()

	sort.Strings(users)
	return users
}

// Reset drops every indicator without publishing changes, used when the
// realtime channel goes away.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}

func (t *TypingTracker) expire(key typingKey) {
	t.mu.Lock()
	_, ok := t.timers[key]
	if ok {
		delete(t.timers, key)
	}
	t.mu.Unlock()

	if ok {
		t.publish(key, false)
	}
}

func (t *TypingTracker) publish(key typingKey, typing bool) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      "chat.typing_changed",
		Timestamp: time.Now(),
		Payload: TypingChange{
			ConversationID: key.conversationID,
			UserID:         key.userID,
			Typing:         typing,
		},
	})
}
