package relay

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EventType names one entry of the realtime event vocabulary.
type EventType string

const (
	EventChannelCreated   EventType = "channel.created"
	EventChannelDeleted   EventType = "channel.deleted"
	EventChannelHidden    EventType = "channel.hidden"
	EventChannelMuted     EventType = "channel.muted"
	EventChannelTruncated EventType = "channel.truncated"
	EventChannelUnmuted   EventType = "channel.unmuted"
	EventChannelUpdated   EventType = "channel.updated"
	EventChannelVisible   EventType = "channel.visible"

	EventConnectionChanged   EventType = "connection.changed"
	EventConnectionRecovered EventType = "connection.recovered"
	EventHealthCheck         EventType = "health.check"

	EventMemberAdded   EventType = "member.added"
	EventMemberRemoved EventType = "member.removed"
	EventMemberUpdated EventType = "member.updated"

	EventMessageDeleted EventType = "message.deleted"
	EventMessageNew     EventType = "message.new"
	EventMessageRead    EventType = "message.read"
	EventMessageUpdated EventType = "message.updated"

	EventNotificationAddedToChannel     EventType = "notification.added_to_channel"
	EventNotificationChannelDeleted     EventType = "notification.channel_deleted"
	EventNotificationChannelMutesUpdate EventType = "notification.channel_mutes_updated"
	EventNotificationInviteAccepted     EventType = "notification.invite_accepted"
	EventNotificationInvited            EventType = "notification.invited"
	EventNotificationMarkRead           EventType = "notification.mark_read"
	EventNotificationMessageNew         EventType = "notification.message_new"
	EventNotificationMutesUpdated       EventType = "notification.mutes_updated"
	EventNotificationRemovedFromChannel EventType = "notification.removed_from_channel"

	EventReactionDeleted EventType = "reaction.deleted"
	EventReactionNew     EventType = "reaction.new"
	EventReactionUpdated EventType = "reaction.updated"

	EventTypingStart EventType = "typing.start"
	EventTypingStop  EventType = "typing.stop"

	EventUserBanned          EventType = "user.banned"
	EventUserPresenceChanged EventType = "user.presence.changed"
	EventUserUnbanned        EventType = "user.unbanned"
	EventUserUpdated         EventType = "user.updated"
	EventUserWatchingStart   EventType = "user.watching.start"
	EventUserWatchingStop    EventType = "user.watching.stop"
)

// vocabulary is the closed catalog. A frame whose type is missing here never
// reaches a store or a listener.
var vocabulary = map[EventType]bool{
	EventChannelCreated:                 true,
	EventChannelDeleted:                 true,
	EventChannelHidden:                  true,
	EventChannelMuted:                   true,
	EventChannelTruncated:               true,
	EventChannelUnmuted:                 true,
	EventChannelUpdated:                 true,
	EventChannelVisible:                 true,
	EventConnectionChanged:              true,
	EventConnectionRecovered:            true,
	EventHealthCheck:                    true,
	EventMemberAdded:                    true,
	EventMemberRemoved:                  true,
	EventMemberUpdated:                  true,
	EventMessageDeleted:                 true,
	EventMessageNew:                     true,
	EventMessageRead:                    true,
	EventMessageUpdated:                 true,
	EventNotificationAddedToChannel:     true,
	EventNotificationChannelDeleted:     true,
	EventNotificationChannelMutesUpdate: true,
	EventNotificationInviteAccepted:     true,
	EventNotificationInvited:            true,
	EventNotificationMarkRead:           true,
	EventNotificationMessageNew:         true,
	EventNotificationMutesUpdated:       true,
	EventNotificationRemovedFromChannel: true,
	EventReactionDeleted:                true,
	EventReactionNew:                    true,
	EventReactionUpdated:                true,
	EventTypingStart:                    true,
	EventTypingStop:                     true,
	EventUserBanned:                     true,
	EventUserPresenceChanged:            true,
	EventUserUnbanned:                   true,
	EventUserUpdated:                    true,
	EventUserWatchingStart:              true,
	EventUserWatchingStop:               true,
}

// IsValidEventType reports whether s is part of the event vocabulary.
func IsValidEventType(s string) bool {
	return vocabulary[EventType(s)]
}

// EventTypes returns the vocabulary sorted by name.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(vocabulary))
	for t := range vocabulary {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsNotification reports whether t is addressed to the connected user rather
// than to a channel's watchers.
func (t EventType) IsNotification() bool {
	return strings.HasPrefix(string(t), "notification.")
}

// ============================================================================
// Event and payload variants
// ============================================================================

// Event is one normalized realtime event. Payload holds the variant for the
// event's type; switch on it to read the typed fields.
type Event struct {
	Type        EventType
	CID         string
	ChannelType string
	ChannelID   string
	CreatedAt   time.Time
	ReceivedAt  time.Time
	Payload     EventPayload
	Raw         json.RawMessage
}

// EventPayload is implemented only by the payload types in this package.
type EventPayload interface {
	eventPayload()
}

type MessagePayload struct {
	Message      *Message
	User         *User
	WatcherCount *int
	TotalUnread  int
}

type ReactionPayload struct {
	Message  *Message
	Reaction *Reaction
	User     *User
}

type MemberPayload struct {
	Member *Member
	User   *User
}

type WatchingPayload struct {
	User         *User
	WatcherCount *int
}

// ReadPayload carries a read cursor. LastRead is the event's created_at.
type ReadPayload struct {
	User     *User
	LastRead time.Time
}

type ChannelPayload struct {
	Channel *ChannelData
	User    *User
}

type MutePayload struct {
	User *User
	Me   *User
}

type TypingPayload struct {
	User *User
}

type UserPayload struct {
	User *User
}

// ConnectionPayload describes connection lifecycle events. Err is set on a
// terminal connection.changed after the reconnect budget is spent.
type ConnectionPayload struct {
	Online       bool
	ConnectionID string
	Me           *User
	Recovered    bool
	Resynced     bool
	Err          error
}

func (MessagePayload) eventPayload()    {}
func (ReactionPayload) eventPayload()   {}
func (MemberPayload) eventPayload()     {}
func (WatchingPayload) eventPayload()   {}
func (ReadPayload) eventPayload()       {}
func (ChannelPayload) eventPayload()    {}
func (MutePayload) eventPayload()       {}
func (TypingPayload) eventPayload()     {}
func (UserPayload) eventPayload()       {}
func (ConnectionPayload) eventPayload() {}

// User returns the acting user carried by the payload, if any.
func (e *Event) User() *User {
	switch p := e.Payload.(type) {
	case MessagePayload:
		return p.User
	case ReactionPayload:
		return p.User
	case MemberPayload:
		return p.User
	case WatchingPayload:
		return p.User
	case ReadPayload:
		return p.User
	case ChannelPayload:
		return p.User
	case MutePayload:
		return p.User
	case TypingPayload:
		return p.User
	case UserPayload:
		return p.User
	case ConnectionPayload:
		return p.Me
	}
	return nil
}

// ============================================================================
// Decoding
// ============================================================================

// wireEvent is the flat JSON shape every server event shares.
type wireEvent struct {
	Type         string       `json:"type"`
	CID          string       `json:"cid"`
	ChannelType  string       `json:"channel_type"`
	ChannelID    string       `json:"channel_id"`
	CreatedAt    time.Time    `json:"created_at"`
	User         *User        `json:"user"`
	Me           *User        `json:"me"`
	Message      *Message     `json:"message"`
	Reaction     *Reaction    `json:"reaction"`
	Member       *Member      `json:"member"`
	Channel      *ChannelData `json:"channel"`
	WatcherCount *int         `json:"watcher_count"`
	TotalUnread  int          `json:"total_unread_count"`
	Online       bool         `json:"online"`
	ConnectionID string       `json:"connection_id"`
	Error        *APIError    `json:"error"`
}

// decodeEvent parses one inbound frame. Any failure is a validation error;
// the caller drops the frame.
func decodeEvent(data []byte, receivedAt time.Time) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, newError(KindValidation, "decode event", err)
	}
	if !IsValidEventType(w.Type) {
		return nil, errorf(KindValidation, "decode event", "unknown event type %q", w.Type)
	}

	ev := &Event{
		Type:        EventType(w.Type),
		CID:         w.CID,
		ChannelType: w.ChannelType,
		ChannelID:   w.ChannelID,
		CreatedAt:   normalizeTimestamp(w.CreatedAt),
		ReceivedAt:  receivedAt,
		Raw:         json.RawMessage(append([]byte(nil), data...)),
	}
	if ev.CID == "" && w.Channel != nil && w.Channel.CID != "" {
		ev.CID = w.Channel.CID
	}
	ev.CID, ev.ChannelType, ev.ChannelID = splitCID(ev.CID, ev.ChannelType, ev.ChannelID)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = normalizeTimestamp(receivedAt)
	}

	normalizeUser(w.User)
	normalizeUser(w.Me)
	normalizeMessage(w.Message)
	normalizeReaction(w.Reaction)
	normalizeMember(w.Member)
	normalizeChannel(w.Channel)

	switch ev.Type {
	case EventMessageNew, EventMessageUpdated, EventMessageDeleted, EventNotificationMessageNew:
		if w.Message == nil {
			return nil, errorf(KindValidation, "decode event", "%s without message", w.Type)
		}
		ev.Payload = MessagePayload{Message: w.Message, User: w.User, WatcherCount: w.WatcherCount, TotalUnread: w.TotalUnread}
	case EventReactionNew, EventReactionUpdated, EventReactionDeleted:
		if w.Message == nil || w.Reaction == nil {
			return nil, errorf(KindValidation, "decode event", "%s without message or reaction", w.Type)
		}
		ev.Payload = ReactionPayload{Message: w.Message, Reaction: w.Reaction, User: w.User}
	case EventMemberAdded, EventMemberUpdated, EventMemberRemoved,
		EventNotificationAddedToChannel, EventNotificationRemovedFromChannel,
		EventNotificationInvited, EventNotificationInviteAccepted:
		m := w.Member
		if m == nil && w.User != nil {
			m = &Member{UserID: w.User.ID, User: w.User}
		}
		if m == nil {
			return nil, errorf(KindValidation, "decode event", "%s without member", w.Type)
		}
		ev.Payload = MemberPayload{Member: m, User: w.User}
	case EventUserWatchingStart, EventUserWatchingStop:
		ev.Payload = WatchingPayload{User: w.User, WatcherCount: w.WatcherCount}
	case EventMessageRead, EventNotificationMarkRead:
		ev.Payload = ReadPayload{User: w.User, LastRead: ev.CreatedAt}
	case EventChannelCreated, EventChannelUpdated, EventChannelDeleted, EventChannelTruncated,
		EventChannelHidden, EventChannelVisible, EventNotificationChannelDeleted:
		ev.Payload = ChannelPayload{Channel: w.Channel, User: w.User}
	case EventChannelMuted, EventChannelUnmuted, EventNotificationMutesUpdated, EventNotificationChannelMutesUpdate:
		ev.Payload = MutePayload{User: w.User, Me: w.Me}
	case EventTypingStart, EventTypingStop:
		ev.Payload = TypingPayload{User: w.User}
	case EventUserUpdated, EventUserPresenceChanged, EventUserBanned, EventUserUnbanned:
		if w.User == nil {
			return nil, errorf(KindValidation, "decode event", "%s without user", w.Type)
		}
		ev.Payload = UserPayload{User: w.User}
	case EventHealthCheck, EventConnectionChanged, EventConnectionRecovered:
		ev.Payload = ConnectionPayload{Online: w.Online, ConnectionID: w.ConnectionID, Me: w.Me}
	}
	return ev, nil
}

// splitCID fills whichever of cid or (type, id) is missing.
func splitCID(cid, typ, id string) (string, string, string) {
	if cid != "" && (typ == "" || id == "") {
		if t, i, ok := strings.Cut(cid, ":"); ok {
			return cid, t, i
		}
	}
	if cid == "" && typ != "" && id != "" {
		return typ + ":" + id, typ, id
	}
	return cid, typ, id
}

// CID joins a channel type and id.
func CID(channelType, channelID string) string {
	return channelType + ":" + channelID
}

// ============================================================================
// Timestamps
// ============================================================================

// normalizeTimestamp converts t to UTC with sub-millisecond precision
// truncated, never rounded.
func normalizeTimestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

func normalizePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := normalizeTimestamp(*t)
	return &n
}

// FormatTimestamp renders a normalized timestamp the way the server does:
// trailing zeros of the fraction are dropped.
func FormatTimestamp(t time.Time) string {
	return normalizeTimestamp(t).Format(time.RFC3339Nano)
}

func normalizeUser(u *User) {
	if u == nil {
		return
	}
	u.LastActive = normalizePtr(u.LastActive)
	u.CreatedAt = normalizePtr(u.CreatedAt)
	u.UpdatedAt = normalizePtr(u.UpdatedAt)
}

func normalizeMessage(m *Message) {
	if m == nil {
		return
	}
	m.CreatedAt = normalizeTimestamp(m.CreatedAt)
	m.UpdatedAt = normalizePtr(m.UpdatedAt)
	m.DeletedAt = normalizePtr(m.DeletedAt)
	normalizeUser(m.User)
	for i := range m.LatestReactions {
		normalizeReaction(&m.LatestReactions[i])
	}
}

func normalizeReaction(r *Reaction) {
	if r == nil {
		return
	}
	r.CreatedAt = normalizePtr(r.CreatedAt)
	normalizeUser(r.User)
}

func normalizeMember(m *Member) {
	if m == nil {
		return
	}
	m.CreatedAt = normalizePtr(m.CreatedAt)
	m.UpdatedAt = normalizePtr(m.UpdatedAt)
	m.InviteAcceptedAt = normalizePtr(m.InviteAcceptedAt)
	normalizeUser(m.User)
}

func normalizeChannel(c *ChannelData) {
	if c == nil {
		return
	}
	c.CreatedAt = normalizePtr(c.CreatedAt)
	c.UpdatedAt = normalizePtr(c.UpdatedAt)
	c.DeletedAt = normalizePtr(c.DeletedAt)
	c.TruncatedAt = normalizePtr(c.TruncatedAt)
}

// normalizeState applies the same normalization to a query response so that
// seeded and live data compare consistently.
func normalizeState(resp *ChannelStateResponse) {
	if resp == nil {
		return
	}
	normalizeChannel(resp.Channel)
	for _, m := range resp.Messages {
		normalizeMessage(m)
	}
	for _, m := range resp.Members {
		normalizeMember(m)
	}
	for _, u := range resp.Watchers {
		normalizeUser(u)
	}
	for i := range resp.Read {
		resp.Read[i].LastRead = normalizeTimestamp(resp.Read[i].LastRead)
		normalizeUser(resp.Read[i].User)
	}
	normalizeMember(resp.Membership)
}

// synthesized builds a locally generated connection event.
func synthesized(t EventType, now time.Time, p ConnectionPayload) *Event {
	return &Event{
		Type:       t,
		CreatedAt:  normalizeTimestamp(now),
		ReceivedAt: now,
		Payload:    p,
	}
}

func (e *Event) String() string {
	if e.CID != "" {
		return fmt.Sprintf("%s[%s]", e.Type, e.CID)
	}
	return string(e.Type)
}
