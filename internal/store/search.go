package store

// SearchMessages performs a full-text search on message bodies,
// optionally scoped to a single conversation.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.conversation_id, m.msg_id, m.sender_id, m.sender_name, m.body,
		       m.attachments, m.reactions, m.reply_to_id, m.from_me, m.status, m.created_at,
		       snippet(messages_fts, '<<', '>>', '...', 0, 32)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.docid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY m.created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ConversationID, &r.Message.MsgID,
			&r.Message.SenderID, &r.Message.SenderName, &r.Message.Body,
			&r.Message.Attachments, &r.Message.Reactions, &r.Message.ReplyToID,
			&r.Message.FromMe, &r.Message.Status, &r.Message.CreatedAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
