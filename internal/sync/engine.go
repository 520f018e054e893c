package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Wondergasper/connectify-core/internal/bus"
	"github.com/Wondergasper/connectify-core/internal/realtime"
	"github.com/Wondergasper/connectify-core/internal/store"
	"go.uber.org/zap"
)

// ReadMarker tells the server a conversation has been read. The sync
// engine calls it when a message lands in the conversation the user is
// currently looking at; only the server's confirmation zeroes unread
// counts on other devices.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Engine handles idempotent ingestion of realtime events into the
// cache. It subscribes to "rt." events on the bus and processes them.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	marker ReadMarker
	logger *zap.Logger

	typing   *TypingTracker
	presence *Presence

	mu         sync.Mutex
	selfID     string
	activeConv string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, marker ReadMarker, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		bus:      b,
		marker:   marker,
		logger:   logger,
		typing:   NewTypingTracker(b),
		presence: NewPresence(db, b),
	}
}

// Typing exposes the per-conversation typing tracker.
func (e *Engine) Typing() *TypingTracker { return e.typing }

// Presence exposes the online-peer tracker.
func (e *Engine) Presence() *Presence { return e.presence }

// Start subscribes to inbound realtime events on the bus.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("rt.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.typing.Reset()
}

// SetActiveConversation records which conversation the user is looking
// at. Messages arriving for the active conversation are marked read
// immediately instead of bumping the unread counter.
func (e *Engine) SetActiveConversation(conversationID string) {
	e.mu.Lock()
	e.activeConv = conversationID
	e.mu.Unlock()

	if conversationID == "" {
		return
	}
	if err := e.markRead(conversationID); err != nil {
		e.logger.Warn("failed to mark conversation read", zap.Error(err), zap.String("conversation_id", conversationID))
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "rt.connected":
		p, ok := evt.Payload.(realtime.Connected)
		if !ok {
			return
		}
		e.mu.Lock()
		e.selfID = p.UserID
		e.mu.Unlock()
		e.presence.SetOnline(p.UserID, true)

	case "rt.disconnected":
		// Typing indicators are ephemeral; a dead channel means we can
		// no longer trust them.
		e.typing.Reset()

	case "rt.message.new":
		p, ok := evt.Payload.(realtime.NewMessage)
		if !ok {
			return
		}
		if err := e.IngestMessage(p.Message); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", p.Message.ID))
		}

	case "rt.conversation.updated":
		p, ok := evt.Payload.(realtime.ConversationUpdated)
		if !ok {
			return
		}
		if err := e.ApplySnapshot(p.Conversations); err != nil {
			e.logger.Error("failed to apply conversation snapshot", zap.Error(err), zap.Int("count", len(p.Conversations)))
		} else {
			e.logger.Info("conversation snapshot applied", zap.Int("conversations", len(p.Conversations)))
		}

	case "rt.typing.start":
		p, ok := evt.Payload.(realtime.UserTyping)
		if !ok {
			return
		}
		e.typing.Start(p.ConversationID, p.UserID)

	case "rt.typing.stop":
		p, ok := evt.Payload.(realtime.UserStoppedTyping)
		if !ok {
			return
		}
		e.typing.Stop(p.ConversationID, p.UserID)

	case "rt.presence.online":
		p, ok := evt.Payload.(realtime.UserOnline)
		if !ok {
			return
		}
		e.presence.SetOnline(p.UserID, true)

	case "rt.presence.offline":
		p, ok := evt.Payload.(realtime.UserOffline)
		if !ok {
			return
		}
		e.presence.SetOnline(p.UserID, false)

	case "rt.presence.status":
		p, ok := evt.Payload.(realtime.UserStatusChanged)
		if !ok {
			return
		}
		e.presence.SetStatus(p.UserID, p.Status)
	}
}

// IngestMessage processes a single inbound message into the cache
// (idempotent). Duplicate delivery of the same message id updates the
// existing row instead of creating a second one.
func (e *Engine) IngestMessage(p realtime.MessagePayload) error {
	e.mu.Lock()
	selfID := e.selfID
	active := e.activeConv
	e.mu.Unlock()

	msg, err := toStoreMessage(p, selfID)
	if err != nil {
		return err
	}

	existing, err := e.db.GetMessage(msg.ConversationID, msg.MsgID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}
	duplicate := existing != nil

	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := e.db.TouchConversation(msg.ConversationID, msg.MsgID, store.Preview(msg.Body), msg.CreatedAt); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if p.Sender.ID != "" {
		if err := e.db.UpsertPeer(&store.Peer{ID: p.Sender.ID, Name: p.Sender.Name}); err != nil {
			return fmt.Errorf("upsert sender: %w", err)
		}
	}

	// Unread accounting happens once per message, not per delivery.
	if !duplicate && !msg.FromMe {
		if msg.ConversationID == active {
			if err := e.markRead(msg.ConversationID); err != nil {
				e.logger.Warn("failed to mark active conversation read", zap.Error(err), zap.String("conversation_id", msg.ConversationID))
			}
		} else {
			if err := e.db.IncrementUnread(msg.ConversationID); err != nil {
				return fmt.Errorf("increment unread: %w", err)
			}
		}
	}

	// A message cancels its sender's typing indicator.
	e.typing.Stop(msg.ConversationID, msg.SenderID)

	e.bus.Publish(bus.Event{
		Kind:      "chat.message_upserted",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": msg.ConversationID,
			"msg_id":          msg.MsgID,
		},
	})

	return nil
}

// ApplySnapshot replaces the cached conversation list with a
// server-authoritative one and refreshes the peer directory from its
// participant lists.
func (e *Engine) ApplySnapshot(convs []realtime.ConversationPayload) error {
	replacement := make([]store.Conversation, 0, len(convs))
	var peers []store.Peer

	for _, c := range convs {
		sc := store.Conversation{
			ID:                 c.ID,
			LastMessagePreview: c.LastMessagePreview,
			UnreadCount:        c.UnreadCount,
			UpdatedAt:          c.UpdatedAt.UnixMilli(),
		}
		if c.LastMessage != nil {
			sc.LastMessageID = c.LastMessage.ID
			if sc.LastMessagePreview == "" {
				sc.LastMessagePreview = store.Preview(c.LastMessage.Content)
			}
		}
		for _, p := range c.Participants {
			sc.Participants = append(sc.Participants, store.Participant{ID: p.ID, Name: p.Name})
			peers = append(peers, store.Peer{ID: p.ID, Name: p.Name})
		}
		replacement = append(replacement, sc)
	}

	if err := e.db.ReplaceConversations(replacement); err != nil {
		return fmt.Errorf("replace conversations: %w", err)
	}
	if len(peers) > 0 {
		if err := e.db.BulkUpsertPeers(peers); err != nil {
			return fmt.Errorf("upsert participants: %w", err)
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      "chat.conversations_replaced",
		Timestamp: time.Now(),
		Payload:   map[string]int{"count": len(replacement)},
	})

	return nil
}

// markRead asks the server to confirm the read before zeroing the local
// unread state. A failed server call leaves the counter untouched so it
// is retried instead of silently lost.
func (e *Engine) markRead(conversationID string) error {
	if e.marker != nil {
		ctx := e.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := e.marker.MarkRead(ctx, conversationID); err != nil {
			return fmt.Errorf("mark read on server: %w", err)
		}
	}
	if err := e.db.ResetUnread(conversationID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	if err := e.db.MarkMessagesRead(conversationID); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

func toStoreMessage(p realtime.MessagePayload, selfID string) (*store.Message, error) {
	attachments := []byte("[]")
	if len(p.Attachments) > 0 {
		var err error
		attachments, err = json.Marshal(p.Attachments)
		if err != nil {
			return nil, fmt.Errorf("marshal attachments: %w", err)
		}
	}
	reactions := []byte("[]")
	if len(p.Reactions) > 0 {
		var err error
		reactions, err = json.Marshal(p.Reactions)
		if err != nil {
			return nil, fmt.Errorf("marshal reactions: %w", err)
		}
	}

	status := p.Status
	if status == "" {
		status = store.StatusSent
	}

	return &store.Message{
		ConversationID: p.ConversationID,
		MsgID:          p.ID,
		SenderID:       p.Sender.ID,
		SenderName:     p.Sender.Name,
		Body:           p.Content,
		Attachments:    string(attachments),
		Reactions:      string(reactions),
		ReplyToID:      p.RepliedTo,
		FromMe:         selfID != "" && p.Sender.ID == selfID,
		Status:         status,
		CreatedAt:      p.CreatedAt.UnixMilli(),
	}, nil
}
