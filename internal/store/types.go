package store

// Message status values. A locally-originated message starts as
// "sending" and is promoted by the send acknowledgement and the
// realtime echo; it never moves backwards.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Participant is one member of a conversation.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Conversation represents a cached conversation.
type Conversation struct {
	ID                 string
	Participants       []Participant
	LastMessageID      string
	LastMessagePreview string
	UnreadCount        int
	UpdatedAt          int64
}

// Message represents a cached message. Attachments and Reactions are
// stored as opaque JSON; the sync engine owns their shape.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	Body           string
	Attachments    string
	Reactions      string
	ReplyToID      string
	FromMe         bool
	Status         string
	CreatedAt      int64
}

// Peer is a cached directory entry for a user seen in conversations.
type Peer struct {
	ID        string
	Name      string
	AvatarURL string
	Online    bool
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Body           string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
