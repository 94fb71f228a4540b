package relay

import "sync"

// userCache is the client-wide user table. Stores keep only ids and look
// users up here, so one update is seen everywhere.
type userCache struct {
	mu    sync.RWMutex
	users map[string]*User
}

func newUserCache() *userCache {
	return &userCache{users: make(map[string]*User)}
}

// upsert merges u into the cache. Last write wins on updated_at: a record
// older than the cached one is ignored; equal or newer replaces the known
// fields and merges Extra. Records without updated_at always merge.
func (c *userCache) upsert(u *User) bool {
	if u == nil || u.ID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.users[u.ID]
	if !ok {
		c.users[u.ID] = u.clone()
		return true
	}
	if prev.UpdatedAt != nil && u.UpdatedAt != nil && u.UpdatedAt.Before(*prev.UpdatedAt) {
		return false
	}

	next := u.clone()
	if next.UpdatedAt == nil {
		next.UpdatedAt = prev.UpdatedAt
	}
	if len(prev.Extra) > 0 {
		merged := make(map[string]any, len(prev.Extra)+len(next.Extra))
		for k, v := range prev.Extra {
			merged[k] = v
		}
		for k, v := range next.Extra {
			merged[k] = v
		}
		next.Extra = merged
	}
	c.users[u.ID] = next
	return true
}

func (c *userCache) get(id string) *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.users[id].clone()
}

func (c *userCache) clear() {
	c.mu.Lock()
	c.users = make(map[string]*User)
	c.mu.Unlock()
}

// collectUsers returns every user referenced by ev.
func collectUsers(ev *Event) []*User {
	var out []*User
	add := func(u *User) {
		if u != nil && u.ID != "" {
			out = append(out, u)
		}
	}
	switch p := ev.Payload.(type) {
	case MessagePayload:
		add(p.User)
		if p.Message != nil {
			add(p.Message.User)
		}
	case ReactionPayload:
		add(p.User)
		if p.Reaction != nil {
			add(p.Reaction.User)
		}
	case MemberPayload:
		add(p.User)
		add(p.Member.User)
	case WatchingPayload:
		add(p.User)
	case ReadPayload:
		add(p.User)
	case ChannelPayload:
		add(p.User)
	case MutePayload:
		add(p.User)
		add(p.Me)
	case TypingPayload:
		add(p.User)
	case UserPayload:
		add(p.User)
	case ConnectionPayload:
		add(p.Me)
	}
	return out
}
