// Package relay ties the network sessions of each user to that user's
// attached clients.
package relay

import (
	"errors"
	"strings"
	"sync"

	"github.com/matt0x6f/cascade-relay/internal/config"
	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/fanout"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/matt0x6f/cascade-relay/internal/plugin"
	"github.com/matt0x6f/cascade-relay/internal/session"
	"github.com/matt0x6f/cascade-relay/internal/state"
	"github.com/matt0x6f/cascade-relay/internal/storage"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownNetwork is returned for a network id the user does not have.
	ErrUnknownNetwork = errors.New("unknown network")
	// ErrUnauthorized is returned for a bad user name or password.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrDuplicateNetwork is returned when adding a network id twice.
	ErrDuplicateNetwork = errors.New("network already exists")
)

// CommandInput runs a typed line in a channel.
const CommandInput = "input"

// Persistence is the durable state a user needs. *storage.Storage
// implements it.
type Persistence interface {
	state.History
	SaveChannels(networkID string, channels []storage.Channel) error
	GetChannels(networkID string) ([]storage.Channel, error)
	DeleteNetwork(networkID string) error
	AddMention(m *storage.Mention) error
	GetMentions(userName string) ([]storage.Mention, error)
	PruneMentions(userName, networkID, channel string) (int64, error)
}

// NetworkInit is the per-network payload of the init event sent to a client
// when it attaches.
type NetworkInit struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Nick     string                 `json:"nick"`
	Status   session.Status         `json:"status"`
	Options  map[string]interface{} `json:"serverOptions,omitempty"`
	Channels []state.ChannelView    `json:"channels"`
}

// Init is the payload of the init event.
type Init struct {
	Networks []NetworkInit     `json:"networks"`
	Mentions []storage.Mention `json:"mentions,omitempty"`
}

// User owns the sessions of one relay account and its client hub.
type User struct {
	name         string
	passwordHash []byte
	globalAway   string
	rawLogDir    string
	db           Persistence
	sessionOpts  []session.Option
	hub          *fanout.Hub
	plugins      *plugin.Manager
	log          zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
	order    []string
}

// NewUser builds the sessions of a configured user without connecting them.
// db may be nil, in which case nothing is persisted.
func NewUser(cfg config.User, rawLogDir string, db Persistence, opts ...session.Option) *User {
	u := &User{
		name:         cfg.Name,
		passwordHash: []byte(cfg.PasswordHash),
		globalAway:   cfg.AwayMessage,
		rawLogDir:    rawLogDir,
		db:           db,
		sessionOpts:  opts,
		hub:          fanout.NewHub(cfg.Name),
		log:          logger.With("relay").With().Str("user", cfg.Name).Logger(),
		sessions:     make(map[string]*session.Session),
	}
	u.hub.OnDetach(u.onDetach)
	u.plugins = plugin.NewManager(cfg.Name, u.channelName, u.pluginInput)

	for _, n := range cfg.Networks {
		if _, err := u.AddNetwork(n); err != nil {
			u.log.Error().Err(err).Str("network", n.Name).Msg("Failed to add network")
		}
	}
	for _, p := range cfg.Plugins {
		err := u.plugins.LoadPlugin(plugin.Info{
			Name:   p.Name,
			Path:   p.Path,
			Args:   p.Args,
			Env:    p.Env,
			Config: p.Config,
		})
		if err != nil {
			u.log.Error().Err(err).Str("plugin", p.Name).Msg("Failed to load plugin")
		}
	}
	return u
}

// Name returns the account name.
func (u *User) Name() string { return u.name }

// GlobalAway is the away message applied while no client is attached.
func (u *User) GlobalAway() string { return u.globalAway }

// AttachedClients returns the number of attached devices.
func (u *User) AttachedClients() int { return u.hub.Count() }

// Hub returns the user's client hub.
func (u *User) Hub() *fanout.Hub { return u.hub }

// Plugins returns the user's plugin manager.
func (u *User) Plugins() *plugin.Manager { return u.plugins }

// AddNetwork creates a session for a network and returns it unopened.
// Channels persisted from an earlier run are appended to the configured ones.
func (u *User) AddNetwork(n config.Network) (*session.Session, error) {
	cfg := n.Session(u.rawLogDir)

	u.mu.Lock()
	if _, ok := u.sessions[cfg.ID]; ok {
		u.mu.Unlock()
		return nil, ErrDuplicateNetwork
	}
	u.mu.Unlock()

	if u.db != nil {
		cfg.Channels = u.mergeSavedChannels(cfg.ID, cfg.Channels)
	}

	opts := []session.Option{
		session.WithUser(u.name),
		session.WithSubscriber(events.SubscriberFunc(u.onEvent)),
	}
	if u.db != nil {
		opts = append(opts, session.WithHistory(u.db))
	}
	opts = append(opts, u.sessionOpts...)
	s := session.New(cfg, u, opts...)

	u.mu.Lock()
	u.sessions[cfg.ID] = s
	u.order = append(u.order, cfg.ID)
	u.mu.Unlock()
	return s, nil
}

func (u *User) mergeSavedChannels(networkID string, channels []session.ChannelConfig) []session.ChannelConfig {
	saved, err := u.db.GetChannels(networkID)
	if err != nil {
		u.log.Warn().Err(err).Str("network", networkID).Msg("Failed to load saved channels")
		return channels
	}
	for _, c := range saved {
		known := false
		for i := range channels {
			if strings.EqualFold(channels[i].Name, c.Name) {
				if channels[i].Key == "" {
					channels[i].Key = c.Key
				}
				known = true
				break
			}
		}
		if !known {
			channels = append(channels, session.ChannelConfig{Name: c.Name, Key: c.Key})
		}
	}
	return channels
}

// RemoveNetwork shuts a session down and forgets everything stored for it.
func (u *User) RemoveNetwork(id string) error {
	u.mu.Lock()
	s, ok := u.sessions[id]
	if ok {
		delete(u.sessions, id)
		for i, other := range u.order {
			if other == id {
				u.order = append(u.order[:i:i], u.order[i+1:]...)
				break
			}
		}
	}
	u.mu.Unlock()
	if !ok {
		return ErrUnknownNetwork
	}

	s.Shutdown("Network removed")
	if u.db != nil {
		if err := u.db.DeleteNetwork(id); err != nil {
			return err
		}
	}
	return nil
}

// Session returns the session of a network.
func (u *User) Session(id string) (*session.Session, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s, ok := u.sessions[id]
	if !ok {
		return nil, ErrUnknownNetwork
	}
	return s, nil
}

// Sessions returns the sessions in configuration order.
func (u *User) Sessions() []*session.Session {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*session.Session, 0, len(u.order))
	for _, id := range u.order {
		out = append(out, u.sessions[id])
	}
	return out
}

// Attach registers a device and queues the init snapshot ahead of any live
// event. The first device clears the global away.
func (u *User) Attach(a *fanout.Attachment) int {
	count := u.hub.Attach(a, func() []events.Event { return u.snapshot(a) })
	if count == 1 && u.globalAway != "" {
		u.setAway("")
	}
	return count
}

// snapshot runs under the hub lock, so it only reads state and never waits
// on a session loop. A change can land in the store before its event is
// published; the attachment skips the events its snapshot already holds.
func (u *User) snapshot(a *fanout.Attachment) []events.Event {
	snap := Init{}
	for _, s := range u.Sessions() {
		channels, seq := s.Store().SnapshotSeq()
		a.SkipThrough(s.ID(), seq)
		snap.Networks = append(snap.Networks, NetworkInit{
			ID:       s.ID(),
			Name:     s.Name(),
			Nick:     s.Store().Nick(),
			Status:   s.Status(),
			Options:  optionsMap(s),
			Channels: channels,
		})
	}
	if u.db != nil {
		mentions, err := u.db.GetMentions(u.name)
		if err != nil {
			u.log.Warn().Err(err).Msg("Failed to load mentions")
		}
		snap.Mentions = mentions
	}
	return []events.Event{{Type: events.EventInit, Data: snap, Source: events.EventSourceSystem}}
}

func optionsMap(s *session.Session) map[string]interface{} {
	opts := s.Options()
	if opts.ChanTypes == "" && len(opts.Prefix) == 0 {
		return nil
	}
	return session.OptionsPayload(opts)
}

// onDetach prunes the mentions of the channel the device was looking at
// and applies the global away once the last device is gone.
func (u *User) onDetach(a *fanout.Attachment, remaining int) {
	if network, channel := a.Active(); network != "" && u.db != nil {
		if name, ok := u.channelName(network, channel); ok {
			if _, err := u.db.PruneMentions(u.name, network, name); err != nil {
				u.log.Warn().Err(err).Msg("Failed to prune mentions")
			}
		}
	}
	if remaining == 0 && u.globalAway != "" {
		// a slow client can be dropped from inside a session loop
		go u.setAway(u.globalAway)
	}
}

func (u *User) setAway(message string) {
	for _, s := range u.Sessions() {
		s.SetGlobalAway(message)
	}
}

func (u *User) channelName(networkID string, channelID int64) (string, bool) {
	s, err := u.Session(networkID)
	if err != nil {
		return "", false
	}
	ch, ok := s.Store().ChannelByID(channelID)
	if !ok {
		return "", false
	}
	return ch.Name, true
}

// onEvent runs on a session loop for every event of that session.
func (u *User) onEvent(e events.Event) {
	if u.db != nil {
		switch e.Type {
		case events.EventMessage:
			u.recordMention(e)
		case events.EventChannelCreated:
			if created, ok := e.Data.(state.ChannelCreated); ok && created.Channel.Kind == state.KindChannel {
				u.saveChannels(e.NetworkID)
			}
		case events.EventChannelRemoved:
			u.saveChannels(e.NetworkID)
		}
	}
	u.hub.OnEvent(e)
	u.plugins.OnEvent(e)
}

// pluginInput runs a line sent by a plugin in the named channel, or in the
// lobby when no channel is given.
func (u *User) pluginInput(name string, in plugin.InputParams) error {
	s, err := u.Session(in.Network)
	if err != nil {
		return err
	}
	id := s.Store().Lobby().ID
	if in.Channel != "" {
		ch, ok := s.Store().Channel(in.Channel)
		if !ok {
			return session.ErrUnknownChannel
		}
		id = ch.ID
	}
	u.log.Debug().Str("plugin", name).Str("network", in.Network).Msg("Plugin input")
	return s.Input(id, in.Text)
}

func (u *User) recordMention(e events.Event) {
	msg, ok := e.Data.(state.Message)
	if !ok || !msg.Highlight || msg.Self {
		return
	}
	name, ok := u.channelName(e.NetworkID, e.ChannelID)
	if !ok {
		return
	}
	err := u.db.AddMention(&storage.Mention{
		UserName:  u.name,
		NetworkID: e.NetworkID,
		Channel:   name,
		Sender:    msg.From,
		Text:      msg.Text,
		Timestamp: msg.Time,
	})
	if err != nil {
		u.log.Warn().Err(err).Msg("Failed to record mention")
	}
}

func (u *User) saveChannels(networkID string) {
	s, err := u.Session(networkID)
	if err != nil {
		return
	}
	joins := s.Store().JoinList()
	channels := make([]storage.Channel, 0, len(joins))
	for _, c := range joins {
		channels = append(channels, storage.Channel{Name: c.Name, Key: c.Key})
	}
	if err := u.db.SaveChannels(networkID, channels); err != nil {
		u.log.Warn().Err(err).Str("network", networkID).Msg("Failed to save channel list")
	}
}

// HandleCommand runs a device command.
func (u *User) HandleCommand(a *fanout.Attachment, cmd fanout.Command) {
	switch cmd.Type {
	case CommandInput:
		s, err := u.Session(cmd.Network)
		if err != nil {
			u.log.Debug().Str("network", cmd.Network).Msg("Input for unknown network")
			return
		}
		if err := s.Input(cmd.Channel, cmd.Text); err != nil {
			u.log.Debug().Err(err).Str("network", cmd.Network).Msg("Input failed")
		}
	default:
		u.log.Debug().Str("attachment", a.ID()).Str("type", cmd.Type).Msg("Ignoring unknown command")
	}
}

// Open connects every session.
func (u *User) Open() {
	for _, s := range u.Sessions() {
		s.Open()
	}
}

// Shutdown disconnects every session for good and stops the plugins.
func (u *User) Shutdown(reason string) {
	for _, s := range u.Sessions() {
		s.Shutdown(reason)
	}
	if err := u.plugins.Close(); err != nil {
		u.log.Warn().Err(err).Msg("Failed to stop plugins")
	}
}

