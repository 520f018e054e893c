package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire-level event names. The client listens for the inbound set and
// emits the outbound set; anything else is dropped as malformed.
const (
	evtNewMessage          = "newMessage"
	evtConversationUpdated = "conversationUpdated"
	evtUserTyping          = "userTyping"
	evtUserStoppedTyping   = "userStoppedTyping"
	evtUserOnline          = "userOnline"
	evtUserOffline         = "userOffline"
	evtUserStatusChanged   = "userStatusChanged"

	cmdJoin        = "join"
	cmdTypingStart = "typingStart"
	cmdTypingStop  = "typingStop"
	cmdSetOnline   = "setOnline"
	cmdSetOffline  = "setOffline"
)

// envelope is the wire format for all channel traffic: a named message
// with a JSON payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// UserRef identifies a conversation participant on the wire.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name"`
}

// Reaction is one (user, emoji) pair on a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// MessagePayload is the wire shape of a chat message.
type MessagePayload struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         UserRef      `json:"sender"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments"`
	Reactions      []Reaction   `json:"reactions"`
	RepliedTo      string       `json:"repliedTo"`
	Status         string       `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// ConversationPayload is the wire shape of one conversation in a
// server-authoritative snapshot.
type ConversationPayload struct {
	ID                 string          `json:"id"`
	Participants       []UserRef       `json:"participants"`
	LastMessage        *MessagePayload `json:"lastMessage"`
	LastMessagePreview string          `json:"lastMessagePreview"`
	UnreadCount        int             `json:"unreadCount"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Event is the closed union of inbound channel events. Adding a new
// event kind means adding a type here and a case to every exhaustive
// switch over it — a compile-time-checked change rather than a
// stringly-typed one.
type Event interface {
	isEvent()
}

// NewMessage carries a freshly delivered chat message.
type NewMessage struct {
	Message MessagePayload
}

// ConversationUpdated carries the authoritative conversation list
// snapshot. It overwrites, never merges.
type ConversationUpdated struct {
	Conversations []ConversationPayload
}

// UserTyping signals typing start in a conversation.
type UserTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// UserStoppedTyping signals typing stop in a conversation.
type UserStoppedTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// UserOnline signals a user became reachable.
type UserOnline struct {
	UserID string `json:"userId"`
}

// UserOffline signals a user became unreachable.
type UserOffline struct {
	UserID string `json:"userId"`
}

// UserStatusChanged carries an explicit presence status value.
type UserStatusChanged struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

func (NewMessage) isEvent()          {}
func (ConversationUpdated) isEvent() {}
func (UserTyping) isEvent()          {}
func (UserStoppedTyping) isEvent()   {}
func (UserOnline) isEvent()          {}
func (UserOffline) isEvent()         {}
func (UserStatusChanged) isEvent()   {}

// decodeEvent parses one inbound frame into the event union. Any frame
// missing required fields is rejected so the caller can drop and log it
// without disturbing the subscription.
func decodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case evtNewMessage:
		var p MessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.ID == "" || p.ConversationID == "" {
			return nil, fmt.Errorf("%s: missing message id or conversation id", env.Event)
		}
		return NewMessage{Message: p}, nil

	case evtConversationUpdated:
		var p struct {
			Conversations []ConversationPayload `json:"conversations"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		for _, c := range p.Conversations {
			if c.ID == "" {
				return nil, fmt.Errorf("%s: conversation without id", env.Event)
			}
		}
		return ConversationUpdated{Conversations: p.Conversations}, nil

	case evtUserTyping:
		var p UserTyping
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.ConversationID == "" || p.UserID == "" {
			return nil, fmt.Errorf("%s: missing conversation or user id", env.Event)
		}
		return p, nil

	case evtUserStoppedTyping:
		var p UserStoppedTyping
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.ConversationID == "" || p.UserID == "" {
			return nil, fmt.Errorf("%s: missing conversation or user id", env.Event)
		}
		return p, nil

	case evtUserOnline:
		var p UserOnline
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: missing user id", env.Event)
		}
		return p, nil

	case evtUserOffline:
		var p UserOffline
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: missing user id", env.Event)
		}
		return p, nil

	case evtUserStatusChanged:
		var p UserStatusChanged
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: missing user id", env.Event)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}
