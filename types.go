package relay

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Users
// ============================================================================

// User is a chat user. Fields the SDK does not model are kept in Extra and
// merged on user.updated.
type User struct {
	ID         string         `json:"id"`
	Role       string         `json:"role,omitempty"`
	Name       string         `json:"name,omitempty"`
	Image      string         `json:"image,omitempty"`
	Online     bool           `json:"online"`
	Invisible  bool           `json:"invisible,omitempty"`
	Banned     bool           `json:"banned,omitempty"`
	LastActive *time.Time     `json:"last_active,omitempty"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
	Mutes      []Mute         `json:"mutes,omitempty"`
	Extra      map[string]any `json:"-"`
}

var userKnownFields = map[string]bool{
	"id": true, "role": true, "name": true, "image": true, "online": true,
	"invisible": true, "banned": true, "last_active": true, "created_at": true,
	"updated_at": true, "mutes": true,
}

func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if userKnownFields[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
	*u = User(p)
	return nil
}

func (u User) MarshalJSON() ([]byte, error) {
	type plain User
	data, err := json.Marshal(plain(u))
	if err != nil || len(u.Extra) == 0 {
		return data, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for k, v := range u.Extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// clone returns a copy that shares nothing mutable with u.
func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Extra != nil {
		c.Extra = make(map[string]any, len(u.Extra))
		for k, v := range u.Extra {
			c.Extra[k] = v
		}
	}
	c.Mutes = append([]Mute(nil), u.Mutes...)
	return &c
}

// Mute records that the owning user muted Target.
type Mute struct {
	User      *User      `json:"user,omitempty"`
	Target    *User      `json:"target,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

type Reaction struct {
	MessageID string     `json:"message_id"`
	UserID    string     `json:"user_id,omitempty"`
	User      *User      `json:"user,omitempty"`
	Type      string     `json:"type"`
	Score     int        `json:"score,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Message is a channel message. A deleted message keeps its slot in the
// channel history with DeletedAt set.
type Message struct {
	ID              string         `json:"id"`
	Text            string         `json:"text"`
	HTML            string         `json:"html,omitempty"`
	Type            string         `json:"type,omitempty"`
	User            *User          `json:"user,omitempty"`
	ParentID        string         `json:"parent_id,omitempty"`
	ShowInChannel   bool           `json:"show_in_channel,omitempty"`
	ReplyCount      int            `json:"reply_count,omitempty"`
	LatestReactions []Reaction     `json:"latest_reactions,omitempty"`
	ReactionCounts  map[string]int `json:"reaction_counts,omitempty"`
	MentionedUsers  []*User        `json:"mentioned_users,omitempty"`
	Attachments     []any          `json:"attachments,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       *time.Time     `json:"updated_at,omitempty"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"`
}

func (m *Message) clone() *Message {
	c := *m
	c.LatestReactions = append([]Reaction(nil), m.LatestReactions...)
	if m.ReactionCounts != nil {
		c.ReactionCounts = make(map[string]int, len(m.ReactionCounts))
		for k, v := range m.ReactionCounts {
			c.ReactionCounts[k] = v
		}
	}
	c.User = m.User.clone()
	return &c
}

// ============================================================================
// Channels
// ============================================================================

// ChannelData is the server-side channel record carried by channel.* events
// and query responses.
type ChannelData struct {
	CID         string         `json:"cid"`
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config,omitempty"`
	CreatedBy   *User          `json:"created_by,omitempty"`
	Frozen      bool           `json:"frozen,omitempty"`
	MemberCount int            `json:"member_count,omitempty"`
	Custom      map[string]any `json:"data,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	TruncatedAt *time.Time     `json:"truncated_at,omitempty"`
}

type Member struct {
	UserID           string     `json:"user_id,omitempty"`
	User             *User      `json:"user,omitempty"`
	Role             string     `json:"role,omitempty"`
	IsModerator      bool       `json:"is_moderator,omitempty"`
	Banned           bool       `json:"banned,omitempty"`
	Invited          bool       `json:"invited,omitempty"`
	InviteAcceptedAt *time.Time `json:"invite_accepted_at,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

func (m *Member) userID() string {
	if m.UserID != "" {
		return m.UserID
	}
	if m.User != nil {
		return m.User.ID
	}
	return ""
}

// ReadState is one user's read cursor as returned by channel queries.
type ReadState struct {
	User     *User     `json:"user"`
	LastRead time.Time `json:"last_read"`
}

// ChannelStateResponse is the body of a channel query: the full state used
// to seed or replace a channel store.
type ChannelStateResponse struct {
	Channel      *ChannelData `json:"channel"`
	Messages     []*Message   `json:"messages"`
	Members      []*Member    `json:"members"`
	Watchers     []*User      `json:"watchers,omitempty"`
	WatcherCount int          `json:"watcher_count,omitempty"`
	Read         []ReadState  `json:"read,omitempty"`
	Membership   *Member      `json:"membership,omitempty"`
	Duration     string       `json:"duration,omitempty"`
}

// ============================================================================
// REST collaborator types
// ============================================================================

type Device struct {
	ID           string     `json:"id"`
	PushProvider string     `json:"push_provider"`
	UserID       string     `json:"user_id,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

type ChannelType struct {
	Name             string     `json:"name"`
	TypingEvents     bool       `json:"typing_events"`
	ReadEvents       bool       `json:"read_events"`
	ConnectEvents    bool       `json:"connect_events"`
	Search           bool       `json:"search"`
	Reactions        bool       `json:"reactions"`
	Replies          bool       `json:"replies"`
	Mutes            bool       `json:"mutes"`
	MessageRetention string     `json:"message_retention,omitempty"`
	MaxMessageLength int        `json:"max_message_length,omitempty"`
	Automod          string     `json:"automod,omitempty"`
	Commands         []any      `json:"commands,omitempty"`
	Permissions      []any      `json:"permissions,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

type AppSettings struct {
	Name                     string         `json:"name,omitempty"`
	DisableAuthChecks        *bool          `json:"disable_auth_checks,omitempty"`
	DisablePermissionsChecks *bool          `json:"disable_permissions_checks,omitempty"`
	APNConfig                map[string]any `json:"apn_config,omitempty"`
	FirebaseConfig           map[string]any `json:"firebase_config,omitempty"`
	WebhookURL               string         `json:"webhook_url,omitempty"`
}

type CheckPushRequest struct {
	MessageID        string `json:"message_id"`
	UserID           string `json:"user_id,omitempty"`
	APNTemplate      string `json:"apn_template,omitempty"`
	FirebaseTemplate string `json:"firebase_template,omitempty"`
	SkipDevices      bool   `json:"skip_devices,omitempty"`
}

type CheckPushResponse struct {
	DeviceErrors             map[string]any `json:"device_errors,omitempty"`
	GeneralErrors            []string       `json:"general_errors,omitempty"`
	SkipDevices              bool           `json:"skip_devices,omitempty"`
	RenderedAPNTemplate      string         `json:"rendered_apn_template,omitempty"`
	RenderedFirebaseTemplate string         `json:"rendered_firebase_template,omitempty"`
}

// QueryOptions are shared by the list-style queries.
type QueryOptions struct {
	Filter map[string]any   `json:"filter_conditions,omitempty"`
	Sort   []map[string]any `json:"sort,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}
