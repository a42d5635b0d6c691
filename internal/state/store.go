package state

import (
	"strings"
	"sync"
	"time"

	"github.com/matt0x6f/cascade-relay/internal/casemap"
	"github.com/matt0x6f/cascade-relay/internal/constants"
	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/irc"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/rs/zerolog"
)

// History is the durable message store behind channel logs.
type History interface {
	Append(networkID, channel string, msg Message)
	Load(networkID, channel string, limit int) ([]Message, error)
}

// ChannelCreated is the payload of a "join" event.
type ChannelCreated struct {
	Channel    ChannelView `json:"chan"`
	Index      int         `json:"index"`
	ShouldOpen bool        `json:"shouldOpen"`
}

// ChannelStateChanged is the payload of a "channel:state" event.
type ChannelStateChanged struct {
	Name  string       `json:"name"`
	State ChannelState `json:"state"`
}

// TopicChanged is the payload of a "topic" event.
type TopicChanged struct {
	Topic string `json:"topic"`
}

// NickChanged is the payload of a "nick" event for our own nick.
type NickChanged struct {
	Nick string `json:"nick"`
}

// UserEvent is the payload of the internal user.joined and user.quit events.
type UserEvent struct {
	Channel string `json:"channel,omitempty"`
	Nick    string `json:"nick"`
}

// RosterResync is the payload of roster.resynced.
type RosterResync struct {
	Channel      string `json:"channel"`
	CountChanged bool   `json:"countChanged"`
	SelfPresent  bool   `json:"selfPresent"`
}

// Option configures a Store.
type Option func(*Store)

// WithHistory backs channel logs with a durable store.
func WithHistory(h History) Option {
	return func(s *Store) { s.history = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogLimit bounds the in-memory log of every channel.
func WithLogLimit(n int) Option {
	return func(s *Store) { s.logLimit = n }
}

// Store owns the channels of one network. All mutations are serialized by
// the owning session; the lock only protects readers on other goroutines.
// Events are emitted after the lock is released, in mutation order.
type Store struct {
	networkID string
	bus       *events.EventBus
	history   History
	now       func() time.Time
	logLimit  int
	log       zerolog.Logger

	mu        sync.RWMutex
	nick      string
	caseName  string
	fold      casemap.Mapping
	prefix    []irc.PrefixMode
	chanTypes string
	chanModes string
	channels  []*Channel
	msgID     int64
	seq       uint64
}

type historyEntry struct {
	channel string
	msg     Message
}

type batch struct {
	events  []events.Event
	history []historyEntry
}

// NewStore creates a store with its lobby channel named after the network.
func NewStore(networkID, lobbyName string, bus *events.EventBus, opts ...Option) *Store {
	s := &Store{
		networkID: networkID,
		bus:       bus,
		now:       time.Now,
		logLimit:  constants.MessageLogLimit,
		log:       logger.With("state").With().Str("network", networkID).Logger(),
		fold:      casemap.RFC1459,
		prefix:    irc.DefaultPrefix,
		chanTypes: "#&",
		chanModes: irc.DefaultChanModes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.channels = []*Channel{{
		ID:    NextChannelID(),
		Name:  lobbyName,
		Kind:  KindSpecial,
		State: StateJoined,
		Users: make(map[string]*User),
	}}
	return s
}

// NetworkID returns the id events are tagged with.
func (s *Store) NetworkID() string {
	return s.networkID
}

func (s *Store) emit(b *batch) {
	if s.history != nil {
		for _, h := range b.history {
			s.history.Append(s.networkID, h.channel, h.msg)
		}
	}
	if s.bus == nil {
		return
	}
	for _, e := range b.events {
		s.bus.Emit(e)
	}
}

// event is called with the lock held; seq numbers the change so a snapshot
// can tell which later events it already contains.
func (s *Store) event(b *batch, eventType string, channelID int64, data interface{}) {
	s.seq++
	b.events = append(b.events, events.Event{
		Type:      eventType,
		Seq:       s.seq,
		NetworkID: s.networkID,
		ChannelID: channelID,
		Data:      data,
		Timestamp: s.now(),
		Source:    events.EventSourceIRC,
	})
}

func (s *Store) usersChanged(b *batch, c *Channel) {
	s.event(b, events.EventUsers, c.ID, c.userList())
}

// SetNick records our current nickname.
func (s *Store) SetNick(nick string) {
	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()
}

// Nick returns our current nickname.
func (s *Store) Nick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

// Fold case-folds a name with the network's casemapping.
func (s *Store) Fold(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fold(name)
}

func (s *Store) isSelf(nick string) bool {
	return s.nick != "" && s.fold(nick) == s.fold(s.nick)
}

// IsChannelName reports whether name starts with an advertised channel type.
func (s *Store) IsChannelName(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return name != "" && strings.IndexByte(s.chanTypes, name[0]) >= 0
}

// SetServerOptions applies ISUPPORT values. A new casemapping re-keys every
// roster.
func (s *Store) SetServerOptions(opts irc.ServerOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(opts.Prefix) > 0 {
		s.prefix = append([]irc.PrefixMode(nil), opts.Prefix...)
	}
	if opts.ChanTypes != "" {
		s.chanTypes = opts.ChanTypes
	}
	if opts.ChanModes != "" {
		s.chanModes = opts.ChanModes
	}
	if opts.CaseMapping != "" && opts.CaseMapping != s.caseName {
		s.caseName = opts.CaseMapping
		s.fold = casemap.ByName(opts.CaseMapping)
		for _, c := range s.channels {
			users := make(map[string]*User, len(c.Users))
			for _, u := range c.Users {
				users[s.fold(u.Nick)] = u
			}
			c.Users = users
		}
	}
}

// Prefix returns the active membership prefixes.
func (s *Store) Prefix() []irc.PrefixMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]irc.PrefixMode(nil), s.prefix...)
}

func (s *Store) find(name string) *Channel {
	key := s.fold(name)
	for _, c := range s.channels {
		if c.Kind != KindSpecial && s.fold(c.Name) == key {
			return c
		}
	}
	return nil
}

func (s *Store) findID(id int64) *Channel {
	for _, c := range s.channels {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) lobby() *Channel {
	return s.channels[0]
}

// Lobby returns the network's status channel.
func (s *Store) Lobby() ChannelView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lobby().view(false)
}

// Channel looks a channel up by name.
func (s *Store) Channel(name string) (ChannelView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.find(name)
	if c == nil {
		return ChannelView{}, false
	}
	return c.view(false), true
}

// ChannelByID looks a channel up by id, including the lobby.
func (s *Store) ChannelByID(id int64) (ChannelView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.findID(id)
	if c == nil {
		return ChannelView{}, false
	}
	return c.view(false), true
}

// Messages returns a copy of the log of the channel with the given id.
func (s *Store) Messages(id int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.findID(id)
	if c == nil {
		return nil
	}
	return append([]Message(nil), c.Messages...)
}

// Channels lists all channels in order, lobby first, without messages.
func (s *Store) Channels() []ChannelView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]ChannelView, 0, len(s.channels))
	for _, c := range s.channels {
		views = append(views, c.view(false))
	}
	return views
}

// Snapshot lists all channels with their logs, for newly attached clients.
func (s *Store) Snapshot() []ChannelView {
	views, _ := s.SnapshotSeq()
	return views
}

// SnapshotSeq is Snapshot plus the sequence number of the last event whose
// change the views already include.
func (s *Store) SnapshotSeq() ([]ChannelView, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]ChannelView, 0, len(s.channels))
	for _, c := range s.channels {
		views = append(views, c.view(true))
	}
	return views, s.seq
}

// CreateChannel adds a channel unless one with the same folded name exists.
// It returns the channel and whether it was created.
func (s *Store) CreateChannel(name string, kind ChannelKind, key string, shouldOpen bool) (ChannelView, bool) {
	state := StateJoined
	if kind == KindChannel {
		state = StateParted
	}

	s.mu.Lock()
	c, created := s.createLocked(name, kind, state, key)
	if !created {
		v := c.view(false)
		s.mu.Unlock()
		return v, false
	}
	s.mu.Unlock()

	s.loadHistory(c)

	s.mu.Lock()
	var b batch
	v := s.announceLocked(&b, c, shouldOpen)
	s.mu.Unlock()
	s.emit(&b)
	return v, true
}

func (s *Store) createLocked(name string, kind ChannelKind, state ChannelState, key string) (*Channel, bool) {
	if c := s.find(name); c != nil {
		return c, false
	}
	c := &Channel{
		ID:    NextChannelID(),
		Name:  name,
		Kind:  kind,
		State: state,
		Key:   key,
		Users: make(map[string]*User),
	}
	s.channels = append(s.channels, c)
	return c, true
}

func (s *Store) announceLocked(b *batch, c *Channel, shouldOpen bool) ChannelView {
	index := 0
	for i, ch := range s.channels {
		if ch == c {
			index = i
		}
	}
	v := c.view(true)
	s.event(b, events.EventChannelCreated, c.ID, ChannelCreated{Channel: v, Index: index, ShouldOpen: shouldOpen})
	return v
}

// loadHistory seeds a new channel's log. Channel is not yet visible to
// clients, so the lock is not held during the read.
func (s *Store) loadHistory(c *Channel) {
	if s.history == nil {
		return
	}
	msgs, err := s.history.Load(s.networkID, c.Name, constants.HistoryLoadLimit)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", c.Name).Msg("Failed to load channel history")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range msgs {
		s.msgID++
		msgs[i].ID = s.msgID
	}
	c.Messages = append(msgs, c.Messages...)
	s.trimLocked(c)
}

// RemoveChannel drops a channel. The lobby cannot be removed.
func (s *Store) RemoveChannel(name string) bool {
	s.mu.Lock()
	c := s.find(name)
	if c == nil {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(c)
	var b batch
	s.event(&b, events.EventChannelRemoved, c.ID, nil)
	s.mu.Unlock()
	s.emit(&b)
	return true
}

func (s *Store) removeLocked(c *Channel) {
	for i, ch := range s.channels {
		if ch == c {
			s.channels = append(s.channels[:i:i], s.channels[i+1:]...)
			return
		}
	}
}

// SetKey stores the join key for a channel.
func (s *Store) SetKey(name, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.find(name); c != nil {
		c.Key = key
	}
}

func (s *Store) setStateLocked(b *batch, c *Channel, state ChannelState) {
	if c.State == state {
		return
	}
	c.State = state
	s.event(b, events.EventChannelState, c.ID, ChannelStateChanged{Name: c.Name, State: state})
}

func (s *Store) nextMessage(m Message) Message {
	s.msgID++
	m.ID = s.msgID
	if m.Time.IsZero() {
		m.Time = s.now()
	}
	return m
}

func (s *Store) trimLocked(c *Channel) {
	if s.logLimit > 0 && len(c.Messages) > s.logLimit {
		c.Messages = append([]Message(nil), c.Messages[len(c.Messages)-s.logLimit:]...)
	}
}

func (s *Store) appendLocked(b *batch, c *Channel, m Message) Message {
	m = s.nextMessage(m)
	switch m.Type {
	case MessageText, MessageNotice, MessageAction:
		if !m.Self && c.Kind != KindSpecial && mentions(m.Text, s.nick, s.fold) {
			m.Highlight = true
		}
	}
	c.Messages = append(c.Messages, m)
	s.trimLocked(c)
	s.event(b, events.EventMessage, c.ID, m)
	if c.Kind != KindSpecial && m.Type != MessageRaw {
		b.history = append(b.history, historyEntry{channel: c.Name, msg: m})
	}
	return m
}

// AppendMessage appends to a channel's bounded log and publishes it. Unknown
// channels fall back to the lobby.
func (s *Store) AppendMessage(channel string, m Message) Message {
	s.mu.Lock()
	c := s.find(channel)
	if c == nil {
		c = s.lobby()
	}
	var b batch
	m = s.appendLocked(&b, c, m)
	s.mu.Unlock()
	s.emit(&b)
	return m
}

// AppendMessageID appends to the channel with the given id, or the lobby.
func (s *Store) AppendMessageID(id int64, m Message) Message {
	s.mu.Lock()
	c := s.findID(id)
	if c == nil {
		c = s.lobby()
	}
	var b batch
	m = s.appendLocked(&b, c, m)
	s.mu.Unlock()
	s.emit(&b)
	return m
}

// AppendLobby appends to the lobby.
func (s *Store) AppendLobby(m Message) Message {
	return s.AppendMessageID(0, m)
}

// ApplyJoin handles a JOIN. Our own join creates the channel if needed and
// marks it joined; joins of others into unknown channels are dropped.
func (s *Store) ApplyJoin(channel, nick, ident, host, account, gecos string, t time.Time) {
	s.mu.Lock()
	self := s.isSelf(nick)
	c := s.find(channel)
	created := false
	if c == nil {
		if !self {
			s.mu.Unlock()
			return
		}
		c, created = s.createLocked(channel, KindChannel, StateJoined, "")
	}
	s.mu.Unlock()

	if created {
		s.loadHistory(c)
	}

	s.mu.Lock()
	var b batch
	if created {
		s.announceLocked(&b, c, false)
	} else if self {
		s.setStateLocked(&b, c, StateJoined)
	}

	u := &User{Nick: nick, Hostmask: hostmask(ident, host), Account: account}
	if prev, ok := c.Users[s.fold(nick)]; ok {
		u = prev
		if hm := hostmask(ident, host); hm != "" {
			u.Hostmask = hm
		}
		if account != "" {
			u.Account = account
		}
	}
	c.Users[s.fold(nick)] = u

	payload := map[string]interface{}{"hostmask": hostmask(ident, host)}
	if account != "" {
		payload["account"] = account
	}
	if gecos != "" {
		payload["gecos"] = gecos
	}
	s.appendLocked(&b, c, Message{Time: t, Type: MessageJoin, From: nick, Self: self, Payload: payload})
	s.usersChanged(&b, c)
	if !self {
		s.event(&b, events.EventUserJoined, c.ID, UserEvent{Channel: c.Name, Nick: nick})
	}
	s.mu.Unlock()
	s.emit(&b)
}

// ApplyPart handles a PART. Our own part removes the channel.
func (s *Store) ApplyPart(channel, nick, reason string, t time.Time) {
	s.mu.Lock()
	c := s.find(channel)
	if c == nil {
		s.mu.Unlock()
		return
	}
	var b batch
	if s.isSelf(nick) {
		s.removeLocked(c)
		s.event(&b, events.EventChannelRemoved, c.ID, nil)
	} else {
		delete(c.Users, s.fold(nick))
		s.appendLocked(&b, c, Message{Time: t, Type: MessagePart, From: nick, Text: reason})
		s.usersChanged(&b, c)
	}
	s.mu.Unlock()
	s.emit(&b)
}

// ApplyKick handles a KICK. Being kicked ourselves parts the channel and
// empties its roster.
func (s *Store) ApplyKick(channel, kicker, target, reason string, t time.Time) {
	s.mu.Lock()
	c := s.find(channel)
	if c == nil {
		s.mu.Unlock()
		return
	}
	var b batch
	self := s.isSelf(target)
	s.appendLocked(&b, c, Message{
		Time:    t,
		Type:    MessageKick,
		From:    kicker,
		Self:    s.isSelf(kicker),
		Text:    reason,
		Payload: map[string]interface{}{"target": target},
	})
	if self {
		c.Users = make(map[string]*User)
		s.setStateLocked(&b, c, StateParted)
	} else {
		delete(c.Users, s.fold(target))
	}
	s.usersChanged(&b, c)
	s.mu.Unlock()
	s.emit(&b)
}

// ApplyQuit removes a nick from every roster.
func (s *Store) ApplyQuit(nick, reason string, t time.Time) {
	s.mu.Lock()
	var b batch
	key := s.fold(nick)
	self := s.isSelf(nick)
	for _, c := range s.channels {
		if _, ok := c.Users[key]; !ok {
			continue
		}
		delete(c.Users, key)
		s.appendLocked(&b, c, Message{Time: t, Type: MessageQuit, From: nick, Self: self, Text: reason})
		s.usersChanged(&b, c)
	}
	if !self {
		s.event(&b, events.EventUserQuit, 0, UserEvent{Nick: nick})
	}
	s.mu.Unlock()
	s.emit(&b)
}

// ApplyNick renames a nick in every roster and query. Renaming ourselves
// emits a "nick" event.
func (s *Store) ApplyNick(oldNick, newNick string, t time.Time) {
	s.mu.Lock()
	var b batch
	self := s.isSelf(oldNick)
	if self {
		s.nick = newNick
		s.event(&b, events.EventNick, 0, NickChanged{Nick: newNick})
	}
	oldKey, newKey := s.fold(oldNick), s.fold(newNick)
	for _, c := range s.channels {
		u, ok := c.Users[oldKey]
		if !ok {
			if c.Kind == KindQuery && s.fold(c.Name) == oldKey && !self {
				c.Name = newNick
			}
			continue
		}
		delete(c.Users, oldKey)
		u.Nick = newNick
		c.Users[newKey] = u
		s.appendLocked(&b, c, Message{
			Time:    t,
			Type:    MessageNick,
			From:    oldNick,
			Self:    self,
			Payload: map[string]interface{}{"new_nick": newNick},
		})
		s.usersChanged(&b, c)
	}
	s.mu.Unlock()
	s.emit(&b)
}

// ApplyRosterSnapshot replaces a channel roster from a NAMES reply and
// reports whether the roster size changed.
func (s *Store) ApplyRosterSnapshot(channel string, entries []RosterEntry) bool {
	s.mu.Lock()
	c := s.find(channel)
	if c == nil {
		s.mu.Unlock()
		return false
	}
	var b batch
	countChanged := len(c.Users) != len(entries)
	c.Users = rebuildRoster(c.Users, entries, s.fold, s.prefix)
	_, selfPresent := c.Users[s.fold(s.nick)]
	s.usersChanged(&b, c)
	s.event(&b, events.EventRosterResynced, c.ID, RosterResync{
		Channel:      c.Name,
		CountChanged: countChanged,
		SelfPresent:  selfPresent && c.State == StateJoined,
	})
	s.mu.Unlock()
	s.emit(&b)
	return countChanged
}

// ApplyWho merges WHO lines into every roster containing each nick. Unknown
// nicks are ignored. It returns the number of users whose data changed.
func (s *Store) ApplyWho(updates []WhoUpdate) int {
	s.mu.Lock()
	var b batch
	changedUsers := 0
	dirty := make(map[*Channel]bool)
	for _, w := range updates {
		if w.Nick == "" {
			s.log.Debug().Msg("Dropping WHO line without nick")
			continue
		}
		key := s.fold(w.Nick)
		hit := false
		for _, c := range s.channels {
			u, ok := c.Users[key]
			if !ok {
				continue
			}
			if mergeWho(u, w) {
				dirty[c] = true
				hit = true
			}
		}
		if hit {
			changedUsers++
		}
	}
	for _, c := range s.channels {
		if dirty[c] {
			s.usersChanged(&b, c)
		}
	}
	s.mu.Unlock()
	s.emit(&b)
	return changedUsers
}

// ApplyWhoFact merges a single WHO line.
func (s *Store) ApplyWhoFact(w WhoUpdate) bool {
	return s.ApplyWho([]WhoUpdate{w}) > 0
}

// ApplyWhoisFact stores WHOIS data for a nick and always notifies every
// channel containing it. It reports whether the nick was found.
func (s *Store) ApplyWhoisFact(w WhoisUpdate) bool {
	s.mu.Lock()
	var b batch
	now := s.now()
	key := s.fold(w.Nick)
	found := false
	for _, c := range s.channels {
		u, ok := c.Users[key]
		if !ok {
			continue
		}
		found = true
		mergeWhois(u, w, now)
		s.usersChanged(&b, c)
	}
	s.mu.Unlock()
	s.emit(&b)
	return found
}

// ApplyMonitorFact updates the monitor status of a nick.
func (s *Store) ApplyMonitorFact(nick string, online bool, account string) {
	s.eachUser(nick, func(u *User) bool { return mergeMonitor(u, online, account) })
}

// ApplyAccountFact updates the account of a nick; "" means logged out.
func (s *Store) ApplyAccountFact(nick, account string) {
	s.eachUser(nick, func(u *User) bool { return mergeAccount(u, account) })
}

// ApplyAway updates the away state of a nick from away-notify.
func (s *Store) ApplyAway(nick, message string) {
	s.eachUser(nick, func(u *User) bool { return mergeAway(u, message) })
}

func (s *Store) eachUser(nick string, merge func(*User) bool) {
	s.mu.Lock()
	var b batch
	key := s.fold(nick)
	for _, c := range s.channels {
		u, ok := c.Users[key]
		if !ok {
			continue
		}
		if merge(u) {
			s.usersChanged(&b, c)
		}
	}
	s.mu.Unlock()
	s.emit(&b)
}

// ApplyMode handles a channel MODE line.
func (s *Store) ApplyMode(channel, setter, modes string, args []string, t time.Time) {
	s.mu.Lock()
	c := s.find(channel)
	if c == nil {
		s.mu.Unlock()
		return
	}
	var b batch
	s.appendLocked(&b, c, Message{
		Time:    t,
		Type:    MessageMode,
		From:    setter,
		Self:    s.isSelf(setter),
		Text:    strings.TrimSpace(modes + " " + strings.Join(args, " ")),
		Payload: map[string]interface{}{"modes": modes, "args": args},
	})
	if applyModeChange(c.Users, s.fold, s.prefix, s.chanModes, modes, args) {
		s.usersChanged(&b, c)
	}
	s.mu.Unlock()
	s.emit(&b)
}

// SetTopic records a topic; setBy is empty for RPL_TOPIC.
func (s *Store) SetTopic(channel, topic, setBy string, t time.Time) {
	s.mu.Lock()
	c := s.find(channel)
	if c == nil {
		s.mu.Unlock()
		return
	}
	var b batch
	c.Topic = topic
	s.appendLocked(&b, c, Message{Time: t, Type: MessageTopic, From: setBy, Self: setBy != "" && s.isSelf(setBy), Text: topic})
	s.event(&b, events.EventChannelTopic, c.ID, TopicChanged{Topic: topic})
	s.mu.Unlock()
	s.emit(&b)
}

// ResetOnDisconnect empties every roster and parts every channel.
func (s *Store) ResetOnDisconnect() {
	s.mu.Lock()
	var b batch
	for _, c := range s.channels {
		if len(c.Users) > 0 {
			c.Users = make(map[string]*User)
			s.usersChanged(&b, c)
		}
		if c.Kind == KindChannel {
			s.setStateLocked(&b, c, StateParted)
		}
	}
	s.mu.Unlock()
	s.emit(&b)
}

// HasUser reports whether nick is in any roster.
func (s *Store) HasUser(nick string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.fold(nick)
	for _, c := range s.channels {
		if _, ok := c.Users[key]; ok {
			return true
		}
	}
	return false
}

// User returns a copy of a roster entry of a channel.
func (s *Store) User(channel, nick string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.find(channel)
	if c == nil {
		return User{}, false
	}
	u, ok := c.Users[s.fold(nick)]
	if !ok {
		return User{}, false
	}
	return *u.clone(), true
}

// JoinList returns the channel-kind entries in order with their keys.
func (s *Store) JoinList() []ChannelView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChannelView
	for _, c := range s.channels {
		if c.Kind == KindChannel {
			out = append(out, ChannelView{ID: c.ID, Name: c.Name, Kind: c.Kind, State: c.State, Key: c.Key})
		}
	}
	return out
}
