package relay

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestStore() *channelStore {
	return newChannelStore("messaging", "general", newUserCache(), func() string { return "alice" })
}

func applyFrame(t *testing.T, s *channelStore, frame string) error {
	t.Helper()
	return s.apply(mustEvent(t, frame))
}

func msgFrame(typ, id, createdAt, text string) string {
	return fmt.Sprintf(`{"type":%q,"cid":"messaging:general","created_at":%q,"message":{"id":%q,"text":%q,"created_at":%q,"user":{"id":"bob"}}}`,
		typ, createdAt, id, text, createdAt)
}

func messageIDs(s *channelStore) []string {
	var ids []string
	for _, m := range s.snapshot().Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestMessageNewIsIdempotent(t *testing.T) {
	s := newTestStore()
	frame := msgFrame("message.new", "m1", "2024-01-01T00:00:01Z", "hello")
	applyFrame(t, s, frame)
	before := s.snapshot()
	applyFrame(t, s, frame)
	after := s.snapshot()

	if len(after.Messages) != 1 || len(before.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(after.Messages))
	}
	if after.Messages[0].Text != before.Messages[0].Text {
		t.Fatal("replayed message.new changed the store")
	}
}

func TestMessageOrdering(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, msgFrame("message.new", "b", "2024-01-01T00:00:02Z", "b"))
	applyFrame(t, s, msgFrame("message.new", "a", "2024-01-01T00:00:01Z", "a"))
	applyFrame(t, s, msgFrame("message.new", "c", "2024-01-01T00:00:02Z", "c"))
	applyFrame(t, s, msgFrame("message.new", "d", "2024-01-01T00:00:00.5Z", "d"))

	want := []string{"d", "a", "b", "c"}
	check := func() {
		t.Helper()
		got := messageIDs(s)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	check()

	// Edits never move a message, even one claiming a new created_at.
	for i := 0; i < 5; i++ {
		if err := applyFrame(t, s, msgFrame("message.updated", "a", "2024-01-01T00:00:09Z", fmt.Sprintf("edit %d", i))); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	check()
	if snap := s.snapshot(); snap.Message("a").Text != "edit 4" {
		t.Fatalf("text = %q", snap.Message("a").Text)
	}
}

func TestMessageDeletedLeavesTombstone(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, msgFrame("message.new", "m1", "2024-01-01T00:00:01Z", "x"))
	if err := applyFrame(t, s, msgFrame("message.deleted", "m1", "2024-01-01T00:00:05Z", "")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	m := s.snapshot().Message("m1")
	if m == nil || m.DeletedAt == nil {
		t.Fatalf("expected tombstone, got %+v", m)
	}
}

func TestUnknownMessageIsStateConflict(t *testing.T) {
	s := newTestStore()
	for _, frame := range []string{
		msgFrame("message.updated", "ghost", "2024-01-01T00:00:01Z", "x"),
		msgFrame("message.deleted", "ghost", "2024-01-01T00:00:01Z", "x"),
		`{"type":"reaction.new","cid":"messaging:general","message":{"id":"ghost"},"reaction":{"type":"like","user_id":"bob"}}`,
	} {
		if err := applyFrame(t, s, frame); !errors.Is(err, ErrStateConflict) {
			t.Errorf("expected ErrStateConflict, got %v", err)
		}
	}
	if len(s.snapshot().Messages) != 0 {
		t.Fatal("conflicting events created messages")
	}
}

func TestReactionReplacesMessage(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, msgFrame("message.new", "m1", "2024-01-01T00:00:01Z", "x"))
	err := applyFrame(t, s, `{"type":"reaction.new","cid":"messaging:general","created_at":"2024-01-01T00:00:02Z",`+
		`"message":{"id":"m1","text":"x","created_at":"2024-01-01T00:00:01Z","reaction_counts":{"like":1}},`+
		`"reaction":{"type":"like","user_id":"bob","message_id":"m1"}}`)
	if err != nil {
		t.Fatalf("reaction: %v", err)
	}
	if n := s.snapshot().Message("m1").ReactionCounts["like"]; n != 1 {
		t.Fatalf("like count = %d", n)
	}
}

func TestReadCursorIsMonotonic(t *testing.T) {
	s := newTestStore()
	t2 := `{"type":"message.read","cid":"messaging:general","created_at":"2024-01-01T00:00:02Z","user":{"id":"bob"}}`
	t1 := `{"type":"message.read","cid":"messaging:general","created_at":"2024-01-01T00:00:01Z","user":{"id":"bob"}}`
	applyFrame(t, s, t2)
	applyFrame(t, s, t1)

	want := time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC)
	if got := s.snapshot().Read["bob"]; !got.Equal(want) {
		t.Fatalf("cursor = %s, want %s", got, want)
	}

	// notification.mark_read without a user is the connected user's.
	applyFrame(t, s, `{"type":"notification.mark_read","cid":"messaging:general","created_at":"2024-01-01T00:00:03Z"}`)
	if _, ok := s.snapshot().Read["alice"]; !ok {
		t.Fatal("mark_read did not move the current user's cursor")
	}
}

func TestWatcherCountIsAuthoritative(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, `{"type":"user.watching.start","cid":"messaging:general","user":{"id":"bob"},"watcher_count":120}`)
	snap := s.snapshot()
	if snap.WatcherCount != 120 || len(snap.Watchers) != 1 {
		t.Fatalf("count=%d watchers=%d", snap.WatcherCount, len(snap.Watchers))
	}
	applyFrame(t, s, `{"type":"user.watching.stop","cid":"messaging:general","user":{"id":"carol"},"watcher_count":119}`)
	if snap := s.snapshot(); snap.WatcherCount != 119 || len(snap.Watchers) != 1 {
		t.Fatalf("count=%d watchers=%d", snap.WatcherCount, len(snap.Watchers))
	}
}

func TestMembership(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, `{"type":"member.added","cid":"messaging:general","member":{"user_id":"bob","role":"member","user":{"id":"bob"}}}`)
	applyFrame(t, s, `{"type":"member.updated","cid":"messaging:general","member":{"user_id":"bob","role":"moderator","is_moderator":true}}`)
	snap := s.snapshot()
	if len(snap.Members) != 1 || snap.Members[0].Role != "moderator" || !snap.Members[0].IsModerator {
		t.Fatalf("members = %+v", snap.Members)
	}

	applyFrame(t, s, `{"type":"user.banned","cid":"messaging:general","user":{"id":"bob"}}`)
	if !s.snapshot().Members[0].Banned {
		t.Fatal("ban not applied to member")
	}

	applyFrame(t, s, `{"type":"member.removed","cid":"messaging:general","user":{"id":"bob"}}`)
	if n := len(s.snapshot().Members); n != 0 {
		t.Fatalf("members = %d after removal", n)
	}
}

func TestChannelUpdatedIgnoresOlderVersions(t *testing.T) {
	s := newTestStore()
	update := func(name, updatedAt string) {
		applyFrame(t, s, fmt.Sprintf(`{"type":"channel.updated","cid":"messaging:general","created_at":%q,`+
			`"channel":{"cid":"messaging:general","type":"messaging","id":"general","data":{"name":%q},"updated_at":%q}}`,
			updatedAt, name, updatedAt))
	}
	update("v2", "2024-01-01T00:00:02Z")
	update("v1", "2024-01-01T00:00:01Z")
	update("v2-replay", "2024-01-01T00:00:02Z")
	if got := s.snapshot().Channel.Custom["name"]; got != "v2" {
		t.Fatalf("name = %v, want v2", got)
	}
	update("v3", "2024-01-01T00:00:03Z")
	if got := s.snapshot().Channel.Custom["name"]; got != "v3" {
		t.Fatalf("name = %v, want v3", got)
	}
}

func TestChannelTruncated(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, msgFrame("message.new", "old", "2024-01-01T00:00:01Z", "x"))
	applyFrame(t, s, msgFrame("message.new", "new", "2024-01-01T00:00:03Z", "x"))
	applyFrame(t, s, `{"type":"channel.truncated","cid":"messaging:general","created_at":"2024-01-01T00:00:02Z",`+
		`"channel":{"cid":"messaging:general","truncated_at":"2024-01-01T00:00:02Z"}}`)
	if got := messageIDs(s); fmt.Sprint(got) != "[new]" {
		t.Fatalf("messages = %v", got)
	}
	// A replay of a message from before the truncation stays out.
	applyFrame(t, s, msgFrame("message.new", "old", "2024-01-01T00:00:01Z", "x"))
	if got := messageIDs(s); fmt.Sprint(got) != "[new]" {
		t.Fatalf("messages = %v", got)
	}
}

func TestChannelDeletedIsTerminal(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, `{"type":"channel.deleted","cid":"messaging:general","channel":{"cid":"messaging:general"}}`)
	if !s.isDeleted() {
		t.Fatal("store not terminal")
	}
	applyFrame(t, s, msgFrame("message.new", "m1", "2024-01-01T00:00:01Z", "x"))
	if len(s.snapshot().Messages) != 0 {
		t.Fatal("terminal store accepted a message")
	}
}

func TestThreadRepliesKeptApart(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, msgFrame("message.new", "parent", "2024-01-01T00:00:01Z", "x"))
	applyFrame(t, s, `{"type":"message.new","cid":"messaging:general","created_at":"2024-01-01T00:00:02Z",`+
		`"message":{"id":"r1","parent_id":"parent","created_at":"2024-01-01T00:00:02Z"}}`)
	applyFrame(t, s, `{"type":"message.new","cid":"messaging:general","created_at":"2024-01-01T00:00:03Z",`+
		`"message":{"id":"r2","parent_id":"parent","show_in_channel":true,"created_at":"2024-01-01T00:00:03Z"}}`)

	snap := s.snapshot()
	if got := messageIDs(s); fmt.Sprint(got) != "[parent r2]" {
		t.Fatalf("main list = %v", got)
	}
	if len(snap.Threads["parent"]) != 1 || snap.Threads["parent"][0].ID != "r1" {
		t.Fatalf("threads = %+v", snap.Threads)
	}
	if err := applyFrame(t, s, `{"type":"message.updated","cid":"messaging:general","message":{"id":"r1","text":"edited","parent_id":"parent"}}`); err != nil {
		t.Fatalf("thread update: %v", err)
	}
	if s.snapshot().Threads["parent"][0].Text != "edited" {
		t.Fatal("thread reply not updated")
	}
}

func TestMutesHiddenAndTyping(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, `{"type":"channel.muted","cid":"messaging:general","user":{"id":"alice"}}`)
	applyFrame(t, s, `{"type":"channel.hidden","cid":"messaging:general"}`)
	applyFrame(t, s, `{"type":"typing.start","cid":"messaging:general","user":{"id":"bob"}}`)
	snap := s.snapshot()
	if fmt.Sprint(snap.MutedBy) != "[alice]" || !snap.Hidden || fmt.Sprint(snap.Typing) != "[bob]" {
		t.Fatalf("muted=%v hidden=%v typing=%v", snap.MutedBy, snap.Hidden, snap.Typing)
	}

	applyFrame(t, s, `{"type":"channel.unmuted","cid":"messaging:general","user":{"id":"alice"}}`)
	applyFrame(t, s, `{"type":"channel.visible","cid":"messaging:general"}`)
	// A message from a typing user ends their typing state.
	applyFrame(t, s, msgFrame("message.new", "m1", "2024-01-01T00:00:01Z", "x"))
	snap = s.snapshot()
	if len(snap.MutedBy) != 0 || snap.Hidden || len(snap.Typing) != 0 {
		t.Fatalf("muted=%v hidden=%v typing=%v", snap.MutedBy, snap.Hidden, snap.Typing)
	}
}

func TestUnreadCount(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, msgFrame("message.new", "m1", "2024-01-01T00:00:01Z", "x"))
	applyFrame(t, s, msgFrame("message.new", "m2", "2024-01-01T00:00:02Z", "x"))
	applyFrame(t, s, msgFrame("message.new", "m3", "2024-01-01T00:00:03Z", "x"))
	if n := s.snapshot().UnreadCount; n != 3 {
		t.Fatalf("unread = %d, want 3", n)
	}
	applyFrame(t, s, `{"type":"message.read","cid":"messaging:general","created_at":"2024-01-01T00:00:02Z","user":{"id":"alice"}}`)
	if n := s.snapshot().UnreadCount; n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}
}

func TestResetReplacesEverything(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, msgFrame("message.new", "stale", "2024-01-01T00:00:05Z", "x"))
	applyFrame(t, s, `{"type":"member.added","cid":"messaging:general","member":{"user_id":"ghost"}}`)
	applyFrame(t, s, `{"type":"typing.start","cid":"messaging:general","user":{"id":"bob"}}`)
	s.markStale()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.reset(&ChannelStateResponse{
		Channel:      &ChannelData{CID: "messaging:general", UpdatedAt: &updated},
		Messages:     []*Message{{ID: "b", CreatedAt: updated.Add(2 * time.Second)}, {ID: "a", CreatedAt: updated.Add(time.Second)}},
		Members:      []*Member{{UserID: "bob"}},
		WatcherCount: 4,
		Read:         []ReadState{{User: &User{ID: "bob"}, LastRead: updated}},
	})

	snap := s.snapshot()
	if got := messageIDs(s); fmt.Sprint(got) != "[a b]" {
		t.Fatalf("messages = %v", got)
	}
	if len(snap.Members) != 1 || snap.Members[0].UserID != "bob" {
		t.Fatalf("members = %+v", snap.Members)
	}
	if snap.Stale || len(snap.Typing) != 0 || snap.WatcherCount != 4 {
		t.Fatalf("stale=%v typing=%v watchers=%d", snap.Stale, snap.Typing, snap.WatcherCount)
	}
	if !snap.Read["bob"].Equal(updated) {
		t.Fatal("read state not replaced")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newTestStore()
	applyFrame(t, s, msgFrame("message.new", "m1", "2024-01-01T00:00:01Z", "original"))
	snap := s.snapshot()
	snap.Messages[0].Text = "mutated"
	snap.Read["x"] = time.Now()
	if s.snapshot().Messages[0].Text != "original" {
		t.Fatal("snapshot aliases store memory")
	}
}
