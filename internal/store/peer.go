package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertPeer inserts or updates a directory entry for a user seen in a
// conversation or presence event.
func (db *DB) UpsertPeer(p *Peer) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO peers (id, name, avatar_url, online, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE peers.name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE peers.avatar_url END,
			online = excluded.online,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.AvatarURL, p.Online, now)
	return err
}

// BulkUpsertPeers inserts or updates multiple peers in one transaction,
// typically from a conversation snapshot's participant lists.
func (db *DB) BulkUpsertPeers(peers []Peer) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, p := range peers {
		if _, err := tx.Exec(`
			INSERT INTO peers (id, name, avatar_url, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE peers.name END,
				avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE peers.avatar_url END,
				updated_at = excluded.updated_at`,
			p.ID, p.Name, p.AvatarURL, now); err != nil {
			return fmt.Errorf("upsert peer %q: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// SetPeerOnline updates a peer's presence flag, creating the row when
// the peer has not been seen before.
func (db *DB) SetPeerOnline(id string, online bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO peers (id, online, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			online = excluded.online,
			updated_at = excluded.updated_at`,
		id, online, now)
	return err
}

// GetPeer returns a peer by id, or nil when unknown.
func (db *DB) GetPeer(id string) (*Peer, error) {
	var p Peer
	err := db.QueryRow(`SELECT id, name, avatar_url, online FROM peers WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.AvatarURL, &p.Online)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ConversationCount returns the total number of cached conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}
