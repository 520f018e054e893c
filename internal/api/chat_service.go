package api

import (
	"fmt"

	"github.com/Wondergasper/connectify-core/internal/store"
	intsync "github.com/Wondergasper/connectify-core/internal/sync"
)

// ChatService exposes conversation operations backed by the cache.
type ChatService struct {
	db     *store.DB
	engine *intsync.Engine
}

// NewChatService creates a new chat service.
func NewChatService(db *store.DB, engine *intsync.Engine) *ChatService {
	return &ChatService{db: db, engine: engine}
}

// ListConversations returns cached conversations sorted by recency.
func (s *ChatService) ListConversations(limit, offset int) ([]store.Conversation, error) {
	convs, err := s.db.ListConversations(limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// GetConversation returns a single cached conversation.
func (s *ChatService) GetConversation(id string) (*store.Conversation, error) {
	c, err := s.db.GetConversation(id)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("conversation %q not found", id)
	}
	return c, nil
}

// Open focuses a conversation: incoming messages for it are marked read
// instead of counted as unread. Pass the empty string to unfocus.
func (s *ChatService) Open(conversationID string) {
	s.engine.SetActiveConversation(conversationID)
}

// TypingUsers returns who is currently typing in a conversation.
func (s *ChatService) TypingUsers(conversationID string) []string {
	return s.engine.Typing().TypingUsers(conversationID)
}

// OnlineUsers returns the ids of currently online users.
func (s *ChatService) OnlineUsers() []string {
	return s.engine.Presence().OnlineUsers()
}
