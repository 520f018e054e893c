package sync

import (
	"sort"
	"sync"
	"time"

	"github.com/Wondergasper/connectify-core/internal/bus"
	"github.com/Wondergasper/connectify-core/internal/store"
	"go.uber.org/zap"
)

// PresenceChange is published on the bus ("chat.presence_changed") when
// a user's reachability or status string changes.
type PresenceChange struct {
	UserID string
	Online bool
	Status string
}

// Presence tracks which users are currently online. The in-memory set
// answers queries; the peers table is updated alongside so presence
// survives into the next session as a last-known value.
type Presence struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	online   map[string]bool
	statuses map[string]string
}

// NewPresence creates an empty presence tracker.
func NewPresence(db *store.DB, b *bus.Bus) *Presence {
	return &Presence{
		db:       db,
		bus:      b,
		logger:   zap.NewNop(),
		online:   make(map[string]bool),
		statuses: make(map[string]string),
	}
}

// SetOnline records a user's reachability.
func (p *Presence) SetOnline(userID string, online bool) {
	if userID == "" {
		return
	}

	p.mu.Lock()
	was := p.online[userID]
	if online {
		p.online[userID] = true
	} else {
		delete(p.online, userID)
		delete(p.statuses, userID)
	}
	status := p.statuses[userID]
	p.mu.Unlock()

	if p.db != nil {
		if err := p.db.SetPeerOnline(userID, online); err != nil {
			p.logger.Warn("failed to persist presence", zap.Error(err), zap.String("user_id", userID))
		}
	}
	if was != online {
		p.publish(userID, online, status)
	}
}

// SetStatus records an explicit presence status for a user. A status
// implies the user is reachable.
func (p *Presence) SetStatus(userID, status string) {
	if userID == "" {
		return
	}

	p.mu.Lock()
	p.online[userID] = true
	p.statuses[userID] = status
	p.mu.Unlock()

	if p.db != nil {
		if err := p.db.SetPeerOnline(userID, true); err != nil {
			p.logger.Warn("failed to persist presence", zap.Error(err), zap.String("user_id", userID))
		}
	}
	p.publish(userID, true, status)
}

// IsOnline reports whether a user is currently reachable.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

// Status returns a user's presence status string, if any.
func (p *Presence) Status(userID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[userID]
}

// OnlineUsers returns the ids of all currently online users, sorted.
func (p *Presence) OnlineUsers() []string {
	p.mu.Lock()
	users := make([]string, 0, len(p.online))
	for id := range p.online {
		users = append(users, id)
	}
	p.mu.Unlock()

	sort.Strings(users)
	return users
}

func (p *Presence) publish(userID string, online bool, status string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{
		Kind:      "chat.presence_changed",
		Timestamp: time.Now(),
		Payload:   PresenceChange{UserID: userID, Online: online, Status: status},
	})
}
