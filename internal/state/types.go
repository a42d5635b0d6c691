// Package state holds the channels, rosters and message logs of one network
// and merges incoming protocol facts into them.
package state

import (
	"sync/atomic"
	"time"
)

// ChannelKind distinguishes real channels from queries and the lobby.
type ChannelKind string

const (
	KindChannel ChannelKind = "channel"
	KindQuery   ChannelKind = "query"
	KindSpecial ChannelKind = "special"
)

// ChannelState is parted until our own JOIN is seen.
type ChannelState string

const (
	StateParted ChannelState = "parted"
	StateJoined ChannelState = "joined"
)

// MessageType classifies log entries.
type MessageType string

const (
	MessageStatus  MessageType = "status"
	MessageError   MessageType = "error"
	MessageRaw     MessageType = "raw"
	MessageText    MessageType = "message"
	MessageNotice  MessageType = "notice"
	MessageAction  MessageType = "action"
	MessageJoin    MessageType = "join"
	MessagePart    MessageType = "part"
	MessageQuit    MessageType = "quit"
	MessageKick    MessageType = "kick"
	MessageNick    MessageType = "nick"
	MessageTopic   MessageType = "topic"
	MessageMode    MessageType = "mode"
	MessageAway    MessageType = "away"
	MessageBack    MessageType = "back"
	MessageWho     MessageType = "who"
	MessageWhois   MessageType = "whois"
	MessageWhowas  MessageType = "whowas"
	MessageMonitor MessageType = "monitor"
)

var channelIDs atomic.Int64

// NextChannelID hands out process-wide unique channel ids.
func NextChannelID() int64 {
	return channelIDs.Add(1)
}

// IdleSnapshot is the WHOIS idle information captured at a point in time.
type IdleSnapshot struct {
	Seconds    int64     `json:"seconds"`
	IdleSince  time.Time `json:"idleSince"`
	Logon      time.Time `json:"logon"`
	CapturedAt time.Time `json:"capturedAt"`
}

// MonitorStatus is the last MONITOR report for a nick, kept in step with
// away-notify while the nick is monitored.
type MonitorStatus struct {
	Online bool `json:"online"`
	Away   bool `json:"away"`
}

// User is a roster entry. Attributes missing from a fact are never cleared
// by it.
type User struct {
	Nick     string `json:"nick"`
	Hostmask string `json:"hostmask,omitempty"`
	// Modes holds membership symbols, highest first.
	Modes     string         `json:"modes"`
	LastFlags string         `json:"lastFlags,omitempty"`
	Account   string         `json:"account,omitempty"`
	Away      bool           `json:"away"`
	Realname  string         `json:"realname,omitempty"`
	WhoSeen   bool           `json:"-"`
	Idle      *IdleSnapshot  `json:"idle,omitempty"`
	Monitor   *MonitorStatus `json:"monitor,omitempty"`
}

// Mode returns the highest membership symbol or "".
func (u *User) Mode() string {
	if u.Modes == "" {
		return ""
	}
	return u.Modes[:1]
}

func (u *User) clone() *User {
	c := *u
	if u.Idle != nil {
		idle := *u.Idle
		c.Idle = &idle
	}
	if u.Monitor != nil {
		m := *u.Monitor
		c.Monitor = &m
	}
	return &c
}

// Message is an immutable log entry.
type Message struct {
	ID        int64                  `json:"id"`
	Time      time.Time              `json:"time"`
	Type      MessageType            `json:"type"`
	From      string                 `json:"from,omitempty"`
	Self      bool                   `json:"self,omitempty"`
	Highlight bool                   `json:"highlight,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Channel belongs to exactly one network. Users is keyed by the case-folded
// nickname and is empty while the channel is parted.
type Channel struct {
	ID       int64
	Name     string
	Kind     ChannelKind
	State    ChannelState
	Topic    string
	Key      string
	Messages []Message
	Users    map[string]*User
}

// ChannelView is a copy of a channel safe to hand to other goroutines.
type ChannelView struct {
	ID       int64        `json:"id"`
	Name     string       `json:"name"`
	Kind     ChannelKind  `json:"type"`
	State    ChannelState `json:"state"`
	Topic    string       `json:"topic,omitempty"`
	Key      string       `json:"-"`
	Messages []Message    `json:"messages,omitempty"`
	Users    []User       `json:"users,omitempty"`
}

func (c *Channel) view(withMessages bool) ChannelView {
	v := ChannelView{
		ID:    c.ID,
		Name:  c.Name,
		Kind:  c.Kind,
		State: c.State,
		Topic: c.Topic,
		Key:   c.Key,
		Users: c.userList(),
	}
	if withMessages {
		v.Messages = append([]Message(nil), c.Messages...)
	}
	return v
}

func (c *Channel) userList() []User {
	users := make([]User, 0, len(c.Users))
	for _, u := range c.Users {
		users = append(users, *u.clone())
	}
	sortUsers(users)
	return users
}
