package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"upsert conversation", "INSERT INTO conversations (id, participants, last_message_id, last_message_preview, unread_count, updated_at) VALUES (?, ?, ?, ?, ?, ?)", []any{"c1", "[]", "m1", "hi", 0, 1000}},
		{"upsert message", "INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, attachments, reactions, reply_to_id, from_me, status, created_at, inserted_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{"c1", "m1", "u2", "Sender", "hello", "[]", "[]", "", false, "sent", 1000, 1000}},
		{"upsert peer", "INSERT INTO peers (id, name, avatar_url, online, updated_at) VALUES (?, ?, ?, ?, ?)", []any{"u2", "Name", "", true, 1000}},
		{"queue outbox", "INSERT INTO outbox (client_msg_id, conversation_id, body, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)", []any{"cid", "c1", "text", "queued", 1000, 1000}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}

	// Verify the full-text index is populated by the content triggers.
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM messages_fts WHERE messages_fts MATCH 'hello'").Scan(&count)
	if err != nil {
		t.Fatalf("full-text query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("full-text count = %d, want 1", count)
	}
}

// The schema must work on a stock driver build with no extra build tags,
// so migration and search have to succeed with only the default SQLite
// feature set compiled in.
func TestMigrateUsesDefaultBuildFeatures(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	res, err := db.Migrate()
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !res.Changed {
		t.Error("first migration should apply changes")
	}

	msg := Message{ConversationID: "c1", MsgID: "m1", Body: "searchable text", Status: StatusSent, CreatedAt: 1000}
	if err := db.UpsertMessage(&msg); err != nil {
		t.Fatal(err)
	}
	results, err := db.SearchMessages("searchable", "", 10)
	if err != nil {
		t.Fatalf("SearchMessages() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	convs := []Conversation{
		{ID: "c1", LastMessagePreview: "older", UpdatedAt: 1000},
		{ID: "c2", LastMessagePreview: "newer", UpdatedAt: 2000},
	}
	for i := range convs {
		if err := db.UpsertConversation(&convs[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "c2" {
		t.Errorf("first conversation = %q, want c2 (most recent)", got[0].ID)
	}
}

func TestConversationUpsertPreservesUnread(t *testing.T) {
	db := testDB(t)

	c := &Conversation{ID: "c1", UpdatedAt: 1000}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread("c1"); err != nil {
		t.Fatal(err)
	}

	// A second upsert must not zero the counter.
	c.LastMessagePreview = "updated"
	c.UpdatedAt = 2000
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", got.UnreadCount)
	}
	if got.LastMessagePreview != "updated" {
		t.Errorf("preview = %q, want updated", got.LastMessagePreview)
	}

	if err := db.ResetUnread("c1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetConversation("c1")
	if got.UnreadCount != 0 {
		t.Errorf("unread after reset = %d, want 0", got.UnreadCount)
	}
}

func TestConversationUpsertKeepsParticipants(t *testing.T) {
	db := testDB(t)

	c := &Conversation{
		ID:           "c1",
		Participants: []Participant{{ID: "u1", Name: "Alice"}, {ID: "u2", Name: "Bob"}},
		UpdatedAt:    1000,
	}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	// A bare update without participants must not wipe them.
	if err := db.UpsertConversation(&Conversation{ID: "c1", UpdatedAt: 2000}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Participants) != 2 || got.Participants[1].Name != "Bob" {
		t.Errorf("participants = %+v, want Alice and Bob", got.Participants)
	}
}

func TestReplaceConversationsIsAuthoritative(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "stale", UpdatedAt: 500}); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread("stale"); err != nil {
		t.Fatal(err)
	}

	snapshot := []Conversation{
		{ID: "c1", UnreadCount: 3, UpdatedAt: 2000},
		{ID: "c2", UnreadCount: -5, UpdatedAt: 1000},
	}
	if err := db.ReplaceConversations(snapshot); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (stale row dropped)", len(got))
	}
	if got[0].ID != "c1" || got[0].UnreadCount != 3 {
		t.Errorf("c1 = %+v, want unread 3", got[0])
	}
	if got[1].UnreadCount != 0 {
		t.Errorf("negative unread clamped = %d, want 0", got[1].UnreadCount)
	}

	if stale, _ := db.GetConversation("stale"); stale != nil {
		t.Error("stale conversation should be gone after snapshot")
	}
}

func TestTouchConversationNeverMovesBackwards(t *testing.T) {
	db := testDB(t)

	if err := db.TouchConversation("c1", "m2", "new", 2000); err != nil {
		t.Fatal(err)
	}
	// A delayed event with an older timestamp must not roll updated_at back.
	if err := db.TouchConversation("c1", "m1", "old", 1000); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UpdatedAt != 2000 {
		t.Errorf("updated_at = %d, want 2000", got.UpdatedAt)
	}
}

func TestUpsertMessageIsIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "c1", MsgID: "m1", SenderID: "u2", Body: "hello", Status: StatusSent, CreatedAt: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	// Same id again with a newer status. Must update in place.
	m.Status = StatusRead
	m.Reactions = `[{"emoji":"+1","userId":"u1"}]`
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	count, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("message count = %d, want 1", count)
	}

	got, err := db.GetMessage("c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRead {
		t.Errorf("status = %q, want read", got.Status)
	}
	if got.Reactions == "[]" {
		t.Error("reactions should be updated on conflict")
	}
}

func TestReplaceMessageID(t *testing.T) {
	db := testDB(t)

	optimistic := &Message{ConversationID: "c1", MsgID: "local-1", Body: "hi", FromMe: true, Status: StatusSending, CreatedAt: 1000}
	if err := db.UpsertMessage(optimistic); err != nil {
		t.Fatal(err)
	}

	if err := db.ReplaceMessageID("c1", "local-1", "srv-9"); err != nil {
		t.Fatal(err)
	}

	if old, _ := db.GetMessage("c1", "local-1"); old != nil {
		t.Error("optimistic id should be gone after replacement")
	}
	got, err := db.GetMessage("c1", "srv-9")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Body != "hi" {
		t.Fatalf("renamed message = %+v, want body hi", got)
	}
}

func TestReplaceMessageIDDropsLoserOfEchoRace(t *testing.T) {
	db := testDB(t)

	// The realtime echo already inserted the server row.
	echo := &Message{ConversationID: "c1", MsgID: "srv-9", Body: "hi", FromMe: true, Status: StatusSent, CreatedAt: 1000}
	if err := db.UpsertMessage(echo); err != nil {
		t.Fatal(err)
	}
	optimistic := &Message{ConversationID: "c1", MsgID: "local-1", Body: "hi", FromMe: true, Status: StatusSending, CreatedAt: 1000}
	if err := db.UpsertMessage(optimistic); err != nil {
		t.Fatal(err)
	}

	if err := db.ReplaceMessageID("c1", "local-1", "srv-9"); err != nil {
		t.Fatal(err)
	}

	count, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("message count = %d, want 1 (single copy)", count)
	}
	got, _ := db.GetMessage("c1", "srv-9")
	if got == nil || got.Status != StatusSent {
		t.Fatalf("survivor = %+v, want echo row with status sent", got)
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)

	for i := int64(1); i <= 5; i++ {
		m := &Message{ConversationID: "c1", MsgID: fmt.Sprintf("m%d", i), Body: "msg", Status: StatusSent, CreatedAt: i * 1000}
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := db.ListMessages("c1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || page1[0].MsgID != "m5" || page1[1].MsgID != "m4" {
		t.Fatalf("page1 = %v, want [m5 m4]", msgIDs(page1))
	}

	page2, err := db.ListMessages("c1", page1[1].CreatedAt, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || page2[0].MsgID != "m3" || page2[1].MsgID != "m2" {
		t.Fatalf("page2 = %v, want [m3 m2]", msgIDs(page2))
	}
}

func msgIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MsgID
	}
	return ids
}

func TestMarkMessagesReadSkipsOwnMessages(t *testing.T) {
	db := testDB(t)

	inbound := &Message{ConversationID: "c1", MsgID: "m1", Body: "hi", Status: StatusSent, CreatedAt: 1000}
	mine := &Message{ConversationID: "c1", MsgID: "m2", Body: "yo", FromMe: true, Status: StatusSending, CreatedAt: 2000}
	for _, m := range []*Message{inbound, mine} {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.MarkMessagesRead("c1"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage("c1", "m1")
	if got.Status != StatusRead {
		t.Errorf("inbound status = %q, want read", got.Status)
	}
	got, _ = db.GetMessage("c1", "m2")
	if got.Status != StatusSending {
		t.Errorf("own message status = %q, want sending (untouched)", got.Status)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("cid-1", "c1", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("cid-2", "c1", "world"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ClientMsgID != "cid-1" {
		t.Errorf("first pending = %q, want cid-1 (FIFO)", pending[0].ClientMsgID)
	}

	if err := db.MarkOutboxSending("cid-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("cid-1", "srv-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("cid-2", "network down"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after resolution = %d, want 0", len(pending))
	}

	var status, serverID string
	if err := db.QueryRow(`SELECT status, server_msg_id FROM outbox WHERE client_msg_id = 'cid-1'`).Scan(&status, &serverID); err != nil {
		t.Fatal(err)
	}
	if status != "sent" || serverID != "srv-1" {
		t.Errorf("cid-1 = %s/%s, want sent/srv-1", status, serverID)
	}
}

func TestPeerUpsertAndPresence(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertPeer(&Peer{ID: "u1", Name: "Alice", AvatarURL: "https://cdn/a.png"}); err != nil {
		t.Fatal(err)
	}
	// An update without a name must not erase the known one.
	if err := db.UpsertPeer(&Peer{ID: "u1", Online: true}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetPeer("u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Alice" || !got.Online {
		t.Errorf("peer = %+v, want Alice online", got)
	}

	// Presence for an unseen peer creates a bare row.
	if err := db.SetPeerOnline("u2", true); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetPeer("u2")
	if got == nil || !got.Online {
		t.Fatalf("u2 = %+v, want online", got)
	}
	if err := db.SetPeerOnline("u2", false); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetPeer("u2")
	if got.Online {
		t.Error("u2 should be offline")
	}
}

func TestPreviewCutsOnRuneBoundary(t *testing.T) {
	if got := Preview("short"); got != "short" {
		t.Errorf("Preview(short) = %q, want unchanged", got)
	}

	// 50 three-byte runes; the 100-byte cap falls mid-rune.
	long := strings.Repeat("日", 50)
	got := Preview(long)
	if len(got) > 100 {
		t.Errorf("preview = %d bytes, want at most 100", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("preview %q is not valid UTF-8", got)
	}
	if want := strings.Repeat("日", 33); got != want {
		t.Errorf("preview = %q, want %d whole runes", got, 33)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	msgs := []Message{
		{ConversationID: "c1", MsgID: "m1", Body: "the quick brown fox", Status: StatusSent, CreatedAt: 1000},
		{ConversationID: "c1", MsgID: "m2", Body: "lazy dog sleeping", Status: StatusSent, CreatedAt: 2000},
		{ConversationID: "c2", MsgID: "m3", Body: "another quick reply", Status: StatusSent, CreatedAt: 3000},
	}
	for i := range msgs {
		if err := db.UpsertMessage(&msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages("quick", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	results, err = db.SearchMessages("quick", "c2", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.MsgID != "m3" {
		t.Fatalf("scoped results = %+v, want only m3", results)
	}
	if results[0].Snippet == "" {
		t.Error("snippet should not be empty")
	}

	// An upsert that rewrites a body must reindex it, not leave the
	// old tokens searchable.
	edited := Message{ConversationID: "c1", MsgID: "m1", Body: "edited wording entirely", Status: StatusSent, CreatedAt: 1000}
	if err := db.UpsertMessage(&edited); err != nil {
		t.Fatal(err)
	}
	results, err = db.SearchMessages("fox", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("stale results = %d, want 0 after edit", len(results))
	}
	results, err = db.SearchMessages("edited", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.MsgID != "m1" {
		t.Fatalf("results = %+v, want edited m1", results)
	}
}
