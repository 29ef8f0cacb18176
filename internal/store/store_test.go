package store

import (
	"errors"
	"path/filepath"
	"testing"
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

func insert(t *testing.T, db *DB, id, from, to, chatType, content string, at int64) *Message {
	t.Helper()
	m := &Message{
		ID: id, SenderID: from, RecipientID: to, ChatType: chatType,
		Content: content, MessageType: "text", Source: "test", CreatedAt: at,
	}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already migrated; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", result.Version, SchemaVersion)
	}
}

func TestUserUpsertKeepsDisplayFields(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertUser(&User{ID: "u1", DisplayName: "Alice", Avatar: "a.png"}); err != nil {
		t.Fatal(err)
	}
	// Empty fields must not wipe existing values.
	if err := db.UpsertUser(&User{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.DisplayName != "Alice" || u.Avatar != "a.png" {
		t.Errorf("user = %+v, want display fields kept", u)
	}

	if _, err := db.GetUser("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSetOnline(t *testing.T) {
	db := testDB(t)

	// Unknown users get a bare row.
	if err := db.SetOnline("ghost", true); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if !u.Online || u.LastActiveAt == 0 {
		t.Errorf("user = %+v, want online with activity", u)
	}

	if err := db.SetOnline("ghost", false); err != nil {
		t.Fatal(err)
	}
	u, _ = db.GetUser("ghost")
	if u.Online {
		t.Error("online = true after SetOnline(false)")
	}
}

func TestGetUsers(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertUser(&User{ID: "a", DisplayName: "A"})
	_ = db.UpsertUser(&User{ID: "b", DisplayName: "B"})

	users, err := db.GetUsers([]string{"a", "b", "zzz"})
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users["b"].DisplayName != "B" {
		t.Errorf("users = %+v, want a and b", users)
	}
}

func TestFriends(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertUser(&User{ID: "b", DisplayName: "Bob"})
	if err := db.AddFriendship("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddFriendship("a", "b"); err != nil {
		t.Fatal(err)
	}

	friends, err := db.Friends("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(friends) != 1 || friends[0].DisplayName != "Bob" {
		t.Errorf("friends(a) = %+v, want [Bob]", friends)
	}
	back, _ := db.Friends("b")
	if len(back) != 1 || back[0].ID != "a" {
		t.Errorf("friends(b) = %+v, want [a]", back)
	}
}

func TestPrivateMessagesPaging(t *testing.T) {
	db := testDB(t)
	insert(t, db, "m1", "a", "b", ChatPrivate, "one", 1000)
	insert(t, db, "m2", "b", "a", ChatPrivate, "two", 2000)
	insert(t, db, "m3", "a", "b", ChatPrivate, "three", 3000)
	insert(t, db, "other", "a", "c", ChatPrivate, "elsewhere", 4000)

	page, err := db.ListPrivateMessages("b", "a", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "m3" || page[1].ID != "m2" {
		t.Fatalf("page = %+v, want [m3 m2]", ids(page))
	}

	page, _ = db.ListPrivateMessages("a", "b", 2, 2)
	if len(page) != 1 || page[0].ID != "m1" {
		t.Errorf("second page = %v, want [m1]", ids(page))
	}
}

func TestRecentPrivateMessagesOldestFirst(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		insert(t, db, id, "a", "bot", ChatPrivate, id, int64(1000*(i+1)))
	}

	msgs, err := db.RecentPrivateMessages("a", "bot", 2, "m4")
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(msgs); len(got) != 2 || got[0] != "m2" || got[1] != "m3" {
		t.Errorf("recent = %v, want [m2 m3]", got)
	}
}

func TestMarkRead(t *testing.T) {
	db := testDB(t)
	insert(t, db, "m1", "a", "b", ChatPrivate, "x", 1000)
	insert(t, db, "m2", "a", "b", ChatPrivate, "y", 2000)
	insert(t, db, "m3", "b", "a", ChatPrivate, "z", 3000)

	n, err := db.MarkRead("b", "a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("marked %d, want 2", n)
	}
	m3, _ := db.GetMessage("m3")
	if m3.Status != StatusSent {
		t.Errorf("m3 status = %q, want sent (not addressed to reader)", m3.Status)
	}
	n, _ = db.MarkRead("b", "a")
	if n != 0 {
		t.Errorf("second MarkRead changed %d rows, want 0", n)
	}
}

func TestApplySummaryCounters(t *testing.T) {
	db := testDB(t)

	apply := func(owner, conv, sender, msgID string, at int64) {
		t.Helper()
		if err := db.ApplySummary(SummaryUpdate{
			OwnerID: owner, ConversationID: conv, ChatType: ChatPrivate,
			SenderID: sender, LastMessage: msgID, LastMessageID: msgID, MessageAt: at,
		}); err != nil {
			t.Fatal(err)
		}
	}

	apply("b", "a", "a", "m1", 1000)
	apply("b", "a", "a", "m2", 2000)
	apply("a", "b", "a", "m2", 2000)

	rb, err := db.GetSummary("b", "a", ChatPrivate)
	if err != nil {
		t.Fatal(err)
	}
	if rb.UnreadCount != 2 || rb.LastMessageID != "m2" {
		t.Errorf("recipient row = %+v, want unread 2 last m2", rb)
	}
	ra, _ := db.GetSummary("a", "b", ChatPrivate)
	if ra.UnreadCount != 0 {
		t.Errorf("sender row unread = %d, want 0", ra.UnreadCount)
	}

	// Same message again is a no-op.
	apply("b", "a", "a", "m2", 2000)
	rb, _ = db.GetSummary("b", "a", ChatPrivate)
	if rb.UnreadCount != 2 {
		t.Errorf("unread after duplicate = %d, want 2", rb.UnreadCount)
	}

	// The owner replying resets their own counter.
	apply("b", "a", "b", "m3", 3000)
	rb, _ = db.GetSummary("b", "a", ChatPrivate)
	if rb.UnreadCount != 0 || rb.LastMessageID != "m3" {
		t.Errorf("row after own reply = %+v, want unread 0 last m3", rb)
	}

	// A late, older update counts but does not roll back last-message fields.
	apply("b", "a", "a", "m0", 500)
	rb, _ = db.GetSummary("b", "a", ChatPrivate)
	if rb.UnreadCount != 1 || rb.LastMessageID != "m3" {
		t.Errorf("row after late update = %+v, want unread 1 last m3", rb)
	}
}

func TestApplySummaryRepeatsAndOrder(t *testing.T) {
	db := testDB(t)

	apply := func(owner, conv, sender, msgID string, at int64) {
		t.Helper()
		if err := db.ApplySummary(SummaryUpdate{
			OwnerID: owner, ConversationID: conv, ChatType: ChatPrivate,
			SenderID: sender, LastMessage: msgID, LastMessageID: msgID, MessageAt: at,
		}); err != nil {
			t.Fatal(err)
		}
	}

	// An older message applied again after a newer one landed.
	apply("b", "a", "a", "m1", 1000)
	apply("b", "a", "a", "m2", 2000)
	apply("b", "a", "a", "m1", 1000)
	rb, err := db.GetSummary("b", "a", ChatPrivate)
	if err != nil {
		t.Fatal(err)
	}
	if rb.UnreadCount != 2 || rb.LastMessageID != "m2" {
		t.Errorf("row after older repeat = %+v, want unread 2 last m2", rb)
	}

	// The owner's own send applied again after a newer incoming message.
	apply("d", "c", "d", "s1", 1000)
	apply("d", "c", "c", "m3", 3000)
	apply("d", "c", "d", "s1", 1000)
	rd, _ := db.GetSummary("d", "c", ChatPrivate)
	if rd.UnreadCount != 1 || rd.LastMessageID != "m3" {
		t.Errorf("row after own repeat = %+v, want unread 1 last m3", rd)
	}

	// The owner's own send arriving late for the first time keeps newer counts.
	apply("f", "e", "e", "m4", 4000)
	apply("f", "e", "f", "s2", 1000)
	rf, _ := db.GetSummary("f", "e", ChatPrivate)
	if rf.UnreadCount != 1 || rf.LastMessageID != "m4" {
		t.Errorf("row after late own send = %+v, want unread 1 last m4", rf)
	}
}

func TestPruneAppliedSummaries(t *testing.T) {
	db := testDB(t)
	u := SummaryUpdate{OwnerID: "b", ConversationID: "a", ChatType: ChatPrivate, SenderID: "a", LastMessageID: "m1", MessageAt: 1000}
	if err := db.ApplySummary(u); err != nil {
		t.Fatal(err)
	}

	n, err := db.PruneAppliedSummaries(nowMillis() - 60_000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pruned %d recent ids, want 0", n)
	}
	n, _ = db.PruneAppliedSummaries(nowMillis() + 60_000)
	if n != 1 {
		t.Errorf("pruned %d ids, want 1", n)
	}
}

func TestSummaryListPinnedFirst(t *testing.T) {
	db := testDB(t)
	for i, conv := range []string{"x", "y", "z"} {
		_ = db.ApplySummary(SummaryUpdate{OwnerID: "o", ConversationID: conv, ChatType: ChatPrivate,
			SenderID: conv, LastMessageID: conv, MessageAt: int64(1000 * (i + 1))})
	}
	if err := db.SetPinned("o", "x", ChatPrivate, true); err != nil {
		t.Fatal(err)
	}
	if err := db.SetPinned("o", "nope", ChatPrivate, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPinned(missing) error = %v, want ErrNotFound", err)
	}

	rows, err := db.ListSummaries("o", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range rows {
		got = append(got, r.ConversationID)
	}
	if len(got) != 3 || got[0] != "x" || got[1] != "z" || got[2] != "y" {
		t.Errorf("order = %v, want [x z y]", got)
	}

	if err := db.ResetUnread("o", "z", ChatPrivate); err != nil {
		t.Fatal(err)
	}
	z, _ := db.GetSummary("o", "z", ChatPrivate)
	if z.UnreadCount != 0 {
		t.Errorf("unread after reset = %d, want 0", z.UnreadCount)
	}
}

func TestGroups(t *testing.T) {
	db := testDB(t)
	if err := db.CreateGroup(&Group{ID: "group_1", Name: "G", CreatedBy: "a"}, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddGroupMember("group_1", "c"); err != nil {
		t.Fatal(err)
	}
	members, err := db.GroupMembers("group_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 3 {
		t.Errorf("members = %v, want 3", members)
	}

	if err := db.RemoveGroupMember("group_1", "b"); err != nil {
		t.Fatal(err)
	}
	ok, _ := db.IsGroupMember("group_1", "b")
	if ok {
		t.Error("b still a member after removal")
	}
	if _, err := db.GetGroup("group_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetGroup(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSummaryRetryQueue(t *testing.T) {
	db := testDB(t)
	u := SummaryUpdate{OwnerID: "b", ConversationID: "a", ChatType: ChatPrivate, SenderID: "a", LastMessageID: "m1", MessageAt: 1000}

	if err := db.QueueSummaryRetry(u, "disk full"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueSummaryRetry(u, "still full"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingSummaryRetries(3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 (deduplicated)", len(pending))
	}
	if pending[0].LastError != "still full" {
		t.Errorf("last_error = %q, want still full", pending[0].LastError)
	}

	for i := 0; i < 3; i++ {
		if err := db.FailSummaryRetry(pending[0].ID, "boom"); err != nil {
			t.Fatal(err)
		}
	}
	pending, _ = db.PendingSummaryRetries(3, 10)
	if len(pending) != 0 {
		t.Errorf("pending = %d after exhausting attempts, want 0", len(pending))
	}
}

func TestSearchMessagesScopedToUser(t *testing.T) {
	db := testDB(t)
	_ = db.CreateGroup(&Group{ID: "group_g"}, []string{"a", "c"})
	insert(t, db, "m1", "a", "b", ChatPrivate, "hello world", 1000)
	insert(t, db, "m2", "c", "group_g", ChatGroup, "hello group", 2000)
	insert(t, db, "m3", "c", "d", ChatPrivate, "hello stranger", 3000)

	results, err := db.SearchMessages("a", "hello", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Message.ID != "m2" || results[1].Message.ID != "m1" {
		t.Errorf("results = [%s %s], want [m2 m1]", results[0].Message.ID, results[1].Message.ID)
	}

	results, _ = db.SearchMessages("b", "hello", 10)
	if len(results) != 1 {
		t.Errorf("b sees %d results, want 1", len(results))
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
