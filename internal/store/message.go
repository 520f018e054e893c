package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message, idempotent on
// (conversation_id, msg_id). A duplicate inbound event for the same id
// updates status and reactions in place; it never produces a second row.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	if m.Attachments == "" {
		m.Attachments = "[]"
	}
	if m.Reactions == "" {
		m.Reactions = "[]"
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, attachments, reactions, reply_to_id, from_me, status, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			reactions = excluded.reactions,
			status = excluded.status`,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.Attachments,
		m.Reactions, m.ReplyToID, m.FromMe, m.Status, m.CreatedAt, now)
	return err
}

// ReplaceMessageID renames a message in place, used when the server
// acknowledges an optimistic send with its authoritative id. If a row
// with the server id already exists (the realtime echo won the race),
// the optimistic row is dropped instead so the id stays unique.
func (db *DB) ReplaceMessageID(conversationID, oldMsgID, newMsgID string) error {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, newMsgID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		_, err = db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, oldMsgID)
		return err
	}
	_, err = db.Exec(`UPDATE messages SET msg_id = ? WHERE conversation_id = ? AND msg_id = ?`,
		newMsgID, conversationID, oldMsgID)
	return err
}

// GetMessage returns a message by conversation and message id, or nil.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, attachments, reactions, reply_to_id, from_me, status, created_at
		FROM messages
		WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID).
		Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Body,
			&m.Attachments, &m.Reactions, &m.ReplyToID, &m.FromMe, &m.Status, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset
// pagination by created_at, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, attachments, reactions, reply_to_id, from_me, status, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Body,
			&m.Attachments, &m.Reactions, &m.ReplyToID, &m.FromMe, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessagesRead promotes all inbound messages in a conversation to
// the read status.
func (db *DB) MarkMessagesRead(conversationID string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND from_me = 0 AND status != ?`,
		StatusRead, conversationID, StatusRead)
	return err
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
