package api

import (
	"context"
	"fmt"

	"github.com/Wondergasper/connectify-core/internal/realtime"
	"github.com/Wondergasper/connectify-core/internal/rest"
)

const (
	messagesPath      = "/api/messages"
	conversationsPath = "/api/conversations"
)

// Remote wraps the typed REST calls behind the messaging features. The
// outbox sender and the sync engine depend on it through their own
// small interfaces.
type Remote struct {
	rest *rest.Client
}

// NewRemote creates a REST facade on the shared client.
func NewRemote(c *rest.Client) *Remote {
	return &Remote{rest: c}
}

// SendMessage delivers one message and returns the server-assigned id.
func (r *Remote) SendMessage(ctx context.Context, conversationID, body string) (string, error) {
	payload := struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
	}{ConversationID: conversationID, Content: body}

	var resp struct {
		ID string `json:"id"`
	}
	if err := r.rest.Post(ctx, messagesPath, payload, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("send message: server returned no message id")
	}
	return resp.ID, nil
}

// MarkRead tells the server a conversation has been read.
func (r *Remote) MarkRead(ctx context.Context, conversationID string) error {
	return r.rest.Post(ctx, conversationsPath+"/"+conversationID+"/read", nil, nil)
}

// FetchConversations pulls the authoritative conversation list.
func (r *Remote) FetchConversations(ctx context.Context) ([]realtime.ConversationPayload, error) {
	var resp struct {
		Conversations []realtime.ConversationPayload `json:"conversations"`
	}
	if err := r.rest.Get(ctx, conversationsPath, &resp); err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return resp.Conversations, nil
}
