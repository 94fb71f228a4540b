package relay

import (
	"testing"
	"time"
)

func userAt(id, name string, updated time.Time) *User {
	return &User{ID: id, Name: name, UpdatedAt: &updated}
}

func TestUserCacheLastWriteWins(t *testing.T) {
	c := newUserCache()
	t1 := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	t2 := t1.Add(time.Second)

	c.upsert(userAt("bob", "Bob v2", t2))
	if c.upsert(userAt("bob", "Bob v1", t1)) {
		t.Fatal("older record accepted")
	}
	if got := c.get("bob").Name; got != "Bob v2" {
		t.Fatalf("name = %q", got)
	}

	if !c.upsert(userAt("bob", "Bob v2b", t2)) {
		t.Fatal("equal updated_at rejected")
	}
	if got := c.get("bob").Name; got != "Bob v2b" {
		t.Fatalf("name = %q", got)
	}
}

func TestUserCacheMergesExtra(t *testing.T) {
	c := newUserCache()
	c.upsert(&User{ID: "bob", Extra: map[string]any{"team": "blue"}})
	c.upsert(&User{ID: "bob", Extra: map[string]any{"score": 3}})

	u := c.get("bob")
	if u.Extra["team"] != "blue" || u.Extra["score"] != 3 {
		t.Fatalf("extra = %v", u.Extra)
	}
}

func TestUserCacheReturnsCopies(t *testing.T) {
	c := newUserCache()
	c.upsert(&User{ID: "bob", Name: "Bob"})
	u := c.get("bob")
	u.Name = "mutated"
	if c.get("bob").Name != "Bob" {
		t.Fatal("get aliases cache memory")
	}
	if c.get("nobody") != nil {
		t.Fatal("unknown user should be nil")
	}
	if c.upsert(&User{}) || c.upsert(nil) {
		t.Fatal("user without id accepted")
	}
}

func TestUserCacheClear(t *testing.T) {
	c := newUserCache()
	c.upsert(&User{ID: "bob", Name: "Bob"})
	c.clear()
	if c.get("bob") != nil {
		t.Fatal("user survived clear")
	}
	if !c.upsert(&User{ID: "bob"}) {
		t.Fatal("cache unusable after clear")
	}
}

func TestCollectUsers(t *testing.T) {
	ev := mustEvent(t, `{"type":"reaction.new","cid":"messaging:general","user":{"id":"carol"},`+
		`"message":{"id":"m1","user":{"id":"bob"}},"reaction":{"type":"like","user":{"id":"dave"}}}`)
	var ids []string
	for _, u := range collectUsers(ev) {
		ids = append(ids, u.ID)
	}
	if fmtList(ids) != "[carol dave]" {
		t.Fatalf("users = %v", ids)
	}
}
