package api

import (
	"fmt"

	"github.com/Wondergasper/connectify-core/internal/outbox"
	"github.com/Wondergasper/connectify-core/internal/store"
)

// MessageService exposes message operations. Reads come from the cache,
// sends go through the outbox.
type MessageService struct {
	db     *store.DB
	sender *outbox.Sender
}

// NewMessageService creates a new message service.
func NewMessageService(db *store.DB, sender *outbox.Sender) *MessageService {
	return &MessageService{db: db, sender: sender}
}

// History returns cached messages for a conversation, newest first.
func (s *MessageService) History(conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	msgs, err := s.db.ListMessages(conversationID, beforeTs, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// Search runs a full-text search over cached message bodies.
func (s *MessageService) Search(query, conversationID string, limit int) ([]store.SearchResult, error) {
	results, err := s.db.SearchMessages(query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return results, nil
}

// Send queues a message for delivery and returns the client-generated
// message id it will appear under until the server acknowledges it.
func (s *MessageService) Send(conversationID, body string) (string, error) {
	return s.sender.Enqueue(conversationID, body)
}
