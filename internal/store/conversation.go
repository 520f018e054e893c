package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation record. Unread
// counts are deliberately not written here; they move only through
// IncrementUnread/ResetUnread or a ReplaceConversations snapshot.
func (db *DB) UpsertConversation(c *Conversation) error {
	parts, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, last_message_id, last_message_preview, unread_count, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = CASE WHEN excluded.participants != '[]' THEN excluded.participants ELSE conversations.participants END,
			last_message_id = excluded.last_message_id,
			last_message_preview = excluded.last_message_preview,
			updated_at = MAX(conversations.updated_at, excluded.updated_at)`,
		c.ID, string(parts), c.LastMessageID, c.LastMessagePreview, c.UpdatedAt)
	return err
}

// ReplaceConversations swaps the cached conversation list wholesale for
// a server-authoritative snapshot. The server wins on ordering and
// unread counts at this granularity; this is how drift accumulated from
// incremental merges gets corrected.
func (db *DB) ReplaceConversations(convs []Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}

	for _, c := range convs {
		parts, err := json.Marshal(c.Participants)
		if err != nil {
			return fmt.Errorf("marshal participants: %w", err)
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, participants, last_message_id, last_message_preview, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, string(parts), c.LastMessageID, c.LastMessagePreview, c.UnreadCount, c.UpdatedAt); err != nil {
			return fmt.Errorf("insert conversation %q: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// ListConversations returns conversations sorted by recency.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participants, last_message_id, last_message_preview, unread_count, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, participants, last_message_id, last_message_preview, unread_count, updated_at
		FROM conversations
		WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// IncrementUnread bumps a conversation's unread counter by one.
func (db *DB) IncrementUnread(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE id = ?`, id)
	return err
}

// ResetUnread zeroes a conversation's unread counter. Only an explicit
// mark-as-read (confirmed by the server) or a snapshot may do this.
func (db *DB) ResetUnread(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
	return err
}

// TouchConversation records the newest message against a conversation,
// creating the row if the conversation is not yet cached.
func (db *DB) TouchConversation(id, lastMessageID, preview string, at int64) error {
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_message_id, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_message_preview = excluded.last_message_preview,
			updated_at = MAX(conversations.updated_at, excluded.updated_at)`,
		id, lastMessageID, preview, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var parts string
	if err := row.Scan(&c.ID, &parts, &c.LastMessageID, &c.LastMessagePreview, &c.UnreadCount, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(parts), &c.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	return &c, nil
}
