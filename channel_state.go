package relay

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Snapshot
// ============================================================================

// ChannelSnapshot is a point-in-time copy of a watched channel. Users are
// resolved from the client's user cache when the snapshot is taken.
type ChannelSnapshot struct {
	CID          string
	Type         string
	ID           string
	Channel      *ChannelData
	Messages     []*Message
	Threads      map[string][]*Message
	Members      []*Member
	Watchers     []*User
	WatcherCount int
	Read         map[string]time.Time
	MutedBy      []string
	Typing       []string
	UnreadCount  int
	Hidden       bool
	Deleted      bool
	Stale        bool
	TruncatedAt  *time.Time
}

// Message returns the main-list message with id, or nil.
func (s *ChannelSnapshot) Message(id string) *Message {
	for _, m := range s.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// ============================================================================
// Channel State Store
// ============================================================================

type messageEntry struct {
	msg *Message
	seq uint64
}

// channelStore is the local model of one watched channel. Events are
// applied from the client's event loop only; the lock makes snapshots from
// other goroutines safe.
type channelStore struct {
	cid         string
	channelType string
	channelID   string
	users       *userCache
	me          func() string
	// query is the request the channel was watched with; resync repeats it.
	query *QueryChannelRequest

	mu            sync.RWMutex
	channel       *ChannelData
	configVersion time.Time
	messages      []*messageEntry
	byID          map[string]*messageEntry
	seq           uint64
	threads       map[string][]string
	threadByID    map[string]*Message
	members       map[string]*Member
	watchers      map[string]bool
	watcherCount  int
	reads         map[string]time.Time
	mutedBy       map[string]bool
	typing        map[string]time.Time
	hidden        bool
	truncatedAt   *time.Time
	deleted       bool
	stale         bool
}

func newChannelStore(channelType, channelID string, users *userCache, me func() string) *channelStore {
	s := &channelStore{
		cid:         CID(channelType, channelID),
		channelType: channelType,
		channelID:   channelID,
		users:       users,
		me:          me,
		mutedBy:     make(map[string]bool),
	}
	s.clearLocked()
	return s
}

func (s *channelStore) clearLocked() {
	s.messages = nil
	s.byID = make(map[string]*messageEntry)
	s.threads = make(map[string][]string)
	s.threadByID = make(map[string]*Message)
	s.members = make(map[string]*Member)
	s.watchers = make(map[string]bool)
	s.watcherCount = 0
	s.reads = make(map[string]time.Time)
	s.typing = make(map[string]time.Time)
}

// reset replaces the whole model with a fresh query response. Nothing from
// the previous state survives except the hidden flag and muted-by set,
// which the response does not carry.
func (s *channelStore) reset(resp *ChannelStateResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	s.seq = 0
	s.stale = false
	s.deleted = false
	s.channel = resp.Channel
	s.configVersion = time.Time{}
	s.truncatedAt = nil
	if resp.Channel != nil {
		if resp.Channel.UpdatedAt != nil {
			s.configVersion = *resp.Channel.UpdatedAt
		}
		s.truncatedAt = resp.Channel.TruncatedAt
	}

	msgs := append([]*Message(nil), resp.Messages...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	for _, m := range msgs {
		s.insertLocked(m.clone())
	}
	for _, m := range resp.Members {
		if id := m.userID(); id != "" {
			c := *m
			s.members[id] = &c
		}
	}
	for _, u := range resp.Watchers {
		s.watchers[u.ID] = true
	}
	s.watcherCount = resp.WatcherCount
	if s.watcherCount < len(s.watchers) {
		s.watcherCount = len(s.watchers)
	}
	for _, r := range resp.Read {
		if r.User != nil {
			s.reads[r.User.ID] = r.LastRead
		}
	}
}

func (s *channelStore) markStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (s *channelStore) isDeleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted
}

// apply folds one event into the model. The only error is a
// KindStateConflict for an event naming a message this store never saw;
// the caller treats it as advisory.
func (s *channelStore) apply(ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return nil
	}

	switch p := ev.Payload.(type) {
	case MessagePayload:
		if p.WatcherCount != nil {
			s.watcherCount = *p.WatcherCount
		}
		switch ev.Type {
		case EventMessageNew, EventNotificationMessageNew:
			s.addMessageLocked(p.Message)
			if p.Message.User != nil {
				delete(s.typing, p.Message.User.ID)
			}
		case EventMessageUpdated:
			return s.replaceMessageLocked(p.Message, ev)
		case EventMessageDeleted:
			m := p.Message.clone()
			if m.DeletedAt == nil {
				at := ev.CreatedAt
				m.DeletedAt = &at
			}
			return s.replaceMessageLocked(m, ev)
		}

	case ReactionPayload:
		return s.replaceMessageLocked(p.Message, ev)

	case MemberPayload:
		id := p.Member.userID()
		if id == "" {
			return nil
		}
		switch ev.Type {
		case EventMemberRemoved, EventNotificationRemovedFromChannel:
			delete(s.members, id)
		case EventMemberUpdated:
			s.members[id] = mergeMember(s.members[id], p.Member)
		default:
			m := *p.Member
			if m.UserID == "" {
				m.UserID = id
			}
			if prev, ok := s.members[id]; ok {
				s.members[id] = mergeMember(prev, &m)
			} else {
				s.members[id] = &m
			}
		}

	case WatchingPayload:
		if p.User != nil {
			if ev.Type == EventUserWatchingStart {
				s.watchers[p.User.ID] = true
			} else {
				delete(s.watchers, p.User.ID)
			}
		}
		// The payload count is authoritative; the local set may be a
		// truncated sample.
		if p.WatcherCount != nil {
			s.watcherCount = *p.WatcherCount
		} else if ev.Type == EventUserWatchingStart {
			s.watcherCount++
		} else if s.watcherCount > 0 {
			s.watcherCount--
		}

	case ReadPayload:
		uid := ""
		if p.User != nil {
			uid = p.User.ID
		} else if ev.Type == EventNotificationMarkRead && s.me != nil {
			uid = s.me()
		}
		if uid != "" && p.LastRead.After(s.reads[uid]) {
			s.reads[uid] = p.LastRead
		}

	case ChannelPayload:
		s.applyChannelLocked(ev, p)

	case MutePayload:
		if ev.Type != EventChannelMuted && ev.Type != EventChannelUnmuted {
			return nil
		}
		u := p.User
		if u == nil {
			u = p.Me
		}
		if u == nil {
			return nil
		}
		if ev.Type == EventChannelMuted {
			s.mutedBy[u.ID] = true
		} else {
			delete(s.mutedBy, u.ID)
		}

	case TypingPayload:
		if p.User == nil {
			return nil
		}
		if ev.Type == EventTypingStart {
			s.typing[p.User.ID] = ev.CreatedAt
		} else {
			delete(s.typing, p.User.ID)
		}

	case UserPayload:
		if m, ok := s.members[p.User.ID]; ok {
			switch ev.Type {
			case EventUserBanned:
				m.Banned = true
			case EventUserUnbanned:
				m.Banned = false
			}
		}
	}
	return nil
}

func (s *channelStore) applyChannelLocked(ev *Event, p ChannelPayload) {
	switch ev.Type {
	case EventChannelCreated, EventChannelUpdated:
		if p.Channel == nil {
			return
		}
		version := ev.CreatedAt
		if p.Channel.UpdatedAt != nil {
			version = *p.Channel.UpdatedAt
		}
		// Replayed or reordered updates must not roll the config back.
		if !s.configVersion.IsZero() && !version.After(s.configVersion) {
			return
		}
		s.channel = p.Channel
		s.configVersion = version

	case EventChannelTruncated:
		at := ev.CreatedAt
		if p.Channel != nil && p.Channel.TruncatedAt != nil {
			at = *p.Channel.TruncatedAt
		}
		s.truncateLocked(at)

	case EventChannelDeleted, EventNotificationChannelDeleted:
		s.deleted = true

	case EventChannelHidden:
		s.hidden = true
	case EventChannelVisible:
		s.hidden = false
	}
}

// addMessageLocked inserts m keeping (created_at, arrival) order. A
// message id already present is left alone.
func (s *channelStore) addMessageLocked(m *Message) {
	if _, ok := s.byID[m.ID]; ok {
		return
	}
	if _, ok := s.threadByID[m.ID]; ok {
		return
	}
	if s.truncatedAt != nil && !m.CreatedAt.After(*s.truncatedAt) {
		return
	}
	if m.ParentID != "" && !m.ShowInChannel {
		s.threadByID[m.ID] = m.clone()
		s.threads[m.ParentID] = append(s.threads[m.ParentID], m.ID)
		return
	}
	s.insertLocked(m.clone())
}

func (s *channelStore) insertLocked(m *Message) {
	s.seq++
	e := &messageEntry{msg: m, seq: s.seq}
	// Equal timestamps sort after existing entries, preserving arrival order.
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].msg.CreatedAt.After(m.CreatedAt)
	})
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = e
	s.byID[m.ID] = e
}

// replaceMessageLocked swaps in a new version of a known message without
// moving it.
func (s *channelStore) replaceMessageLocked(m *Message, ev *Event) error {
	if e, ok := s.byID[m.ID]; ok {
		c := m.clone()
		c.CreatedAt = e.msg.CreatedAt
		e.msg = c
		return nil
	}
	if prev, ok := s.threadByID[m.ID]; ok {
		c := m.clone()
		c.CreatedAt = prev.CreatedAt
		s.threadByID[m.ID] = c
		return nil
	}
	return errorf(KindStateConflict, "apply "+string(ev.Type), "message %s not in %s", m.ID, s.cid)
}

func (s *channelStore) truncateLocked(at time.Time) {
	kept := s.messages[:0]
	for _, e := range s.messages {
		if e.msg.CreatedAt.After(at) {
			kept = append(kept, e)
		} else {
			delete(s.byID, e.msg.ID)
		}
	}
	for i := len(kept); i < len(s.messages); i++ {
		s.messages[i] = nil
	}
	s.messages = kept

	for parent, ids := range s.threads {
		var keep []string
		for _, id := range ids {
			if s.threadByID[id].CreatedAt.After(at) {
				keep = append(keep, id)
			} else {
				delete(s.threadByID, id)
			}
		}
		if len(keep) == 0 {
			delete(s.threads, parent)
		} else {
			s.threads[parent] = keep
		}
	}
	s.truncatedAt = &at
}

func mergeMember(prev, next *Member) *Member {
	if prev == nil {
		c := *next
		return &c
	}
	m := *prev
	if next.Role != "" {
		m.Role = next.Role
	}
	if next.User != nil {
		m.User = next.User
	}
	m.IsModerator = next.IsModerator
	m.Banned = next.Banned
	m.Invited = next.Invited
	if next.InviteAcceptedAt != nil {
		m.InviteAcceptedAt = next.InviteAcceptedAt
	}
	if next.UpdatedAt != nil {
		m.UpdatedAt = next.UpdatedAt
	}
	return &m
}

// snapshot copies the model. Nothing in the result aliases store memory.
func (s *channelStore) snapshot() *ChannelSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &ChannelSnapshot{
		CID:          s.cid,
		Type:         s.channelType,
		ID:           s.channelID,
		WatcherCount: s.watcherCount,
		Threads:      make(map[string][]*Message, len(s.threads)),
		Read:         make(map[string]time.Time, len(s.reads)),
		Hidden:       s.hidden,
		Deleted:      s.deleted,
		Stale:        s.stale,
	}
	if s.channel != nil {
		c := *s.channel
		snap.Channel = &c
	}
	if s.truncatedAt != nil {
		t := *s.truncatedAt
		snap.TruncatedAt = &t
	}

	snap.Messages = make([]*Message, 0, len(s.messages))
	for _, e := range s.messages {
		snap.Messages = append(snap.Messages, s.resolveMessage(e.msg))
	}
	for parent, ids := range s.threads {
		replies := make([]*Message, 0, len(ids))
		for _, id := range ids {
			replies = append(replies, s.resolveMessage(s.threadByID[id]))
		}
		snap.Threads[parent] = replies
	}

	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := *s.members[id]
		if u := s.users.get(id); u != nil {
			m.User = u
		}
		snap.Members = append(snap.Members, &m)
	}

	for _, id := range sortedKeys(s.watchers) {
		u := s.users.get(id)
		if u == nil {
			u = &User{ID: id}
		}
		snap.Watchers = append(snap.Watchers, u)
	}
	for id, t := range s.reads {
		snap.Read[id] = t
	}
	snap.MutedBy = sortedKeys(s.mutedBy)
	for id := range s.typing {
		snap.Typing = append(snap.Typing, id)
	}
	sort.Strings(snap.Typing)

	if s.me != nil {
		snap.UnreadCount = s.unreadLocked(s.me())
	}
	return snap
}

func (s *channelStore) resolveMessage(m *Message) *Message {
	c := m.clone()
	if c.User != nil {
		if u := s.users.get(c.User.ID); u != nil {
			c.User = u
		}
	}
	return c
}

// unreadLocked counts visible messages from other users after uid's cursor.
func (s *channelStore) unreadLocked(uid string) int {
	if uid == "" {
		return 0
	}
	last, hasRead := s.reads[uid]
	n := 0
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i].msg
		if hasRead && !m.CreatedAt.After(last) {
			break
		}
		if m.DeletedAt != nil || (m.User != nil && m.User.ID == uid) {
			continue
		}
		n++
	}
	return n
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
