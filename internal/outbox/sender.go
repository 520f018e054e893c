package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/Wondergasper/connectify-core/internal/bus"
	"github.com/Wondergasper/connectify-core/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageSender delivers a queued message to the server and returns the
// server-assigned message id.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, body string) (serverMsgID string, err error)
}

// Sender drains the outbox and delivers messages through the REST API.
// Messages are shown optimistically with a client-generated id, then
// renamed to the server id on acknowledgement; the realtime echo of the
// same message merges into the renamed row instead of duplicating it.
type Sender struct {
	db     *store.DB
	sender MessageSender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, sender MessageSender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger,
	}
}

// Enqueue queues a message for sending and inserts it optimistically so
// it appears immediately. Returns the client-generated message id.
func (s *Sender) Enqueue(conversationID, body string) (string, error) {
	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, conversationID, body); err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	if err := s.db.UpsertMessage(&store.Message{
		ConversationID: conversationID,
		MsgID:          clientMsgID,
		Body:           body,
		FromMe:         true,
		Status:         store.StatusSending,
		CreatedAt:      now,
	}); err != nil {
		return "", err
	}
	_ = s.db.TouchConversation(conversationID, clientMsgID, store.Preview(body), now)

	s.publishUpserted(conversationID, clientMsgID)
	return clientMsgID, nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		serverMsgID, err := s.sender.SendMessage(ctx, entry.ConversationID, entry.Body)
		if err != nil {
			// A send interrupted by shutdown is not a delivery failure;
			// put the entry back so the next run retries it.
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				_ = s.db.RequeueOutbox(entry.ClientMsgID)
				return
			}
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.setMessageStatus(entry, store.StatusFailed)
			s.publishUpserted(entry.ConversationID, entry.ClientMsgID)
			s.bus.Publish(bus.Event{
				Kind:      "outbox.send_failed",
				Timestamp: time.Now(),
				Payload: map[string]string{
					"client_msg_id": entry.ClientMsgID,
					"error":         err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		// Adopt the server id. If the realtime echo already landed under
		// that id the optimistic row is dropped, so only one copy stays.
		if err := s.db.ReplaceMessageID(entry.ConversationID, entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to adopt server message id", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		if msg, _ := s.db.GetMessage(entry.ConversationID, serverMsgID); msg != nil && msg.Status == store.StatusSending {
			msg.Status = store.StatusSent
			_ = s.db.UpsertMessage(msg)
		}

		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", serverMsgID))
		s.publishUpserted(entry.ConversationID, serverMsgID)
		s.bus.Publish(bus.Event{
			Kind:      "outbox.send_ack",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"server_msg_id": serverMsgID,
			},
		})
	}
}

func (s *Sender) setMessageStatus(entry store.OutboxEntry, status string) {
	msg, err := s.db.GetMessage(entry.ConversationID, entry.ClientMsgID)
	if err != nil || msg == nil {
		return
	}
	msg.Status = status
	_ = s.db.UpsertMessage(msg)
}

func (s *Sender) publishUpserted(conversationID, msgID string) {
	s.bus.Publish(bus.Event{
		Kind:      "chat.message_upserted",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
			"msg_id":          msgID,
		},
	})
}
