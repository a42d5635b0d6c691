package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matt0x6f/cascade-relay/internal/constants"
	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/irc"
	"github.com/matt0x6f/cascade-relay/internal/rawlog"
	"github.com/matt0x6f/cascade-relay/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	opts    irc.Options
	deliver func(irc.Fact)

	mu     sync.Mutex
	sent   []string
	closed string
}

func (c *fakeConn) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, line)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	c.closed = reason
	c.mu.Unlock()
	go c.deliver(irc.SocketClosed{})
}

func (c *fakeConn) Secure() bool { return c.opts.TLS }

func (c *fakeConn) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeNet struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (n *fakeNet) dial(opts irc.Options, deliver func(irc.Fact)) Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &fakeConn{opts: opts, deliver: deliver}
	n.conns = append(n.conns, c)
	return c
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *fakeNet) last() *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[len(n.conns)-1]
}

type timer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

type timers struct {
	mu   sync.Mutex
	list []*timer
}

func (ts *timers) after(d time.Duration, fn func()) func() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &timer{d: d, fn: fn}
	ts.list = append(ts.list, t)
	return func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		was := !t.stopped && !t.fired
		t.stopped = true
		return was
	}
}

// pending returns live timers in the order they were scheduled.
func (ts *timers) pending() []*timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var out []*timer
	for _, t := range ts.list {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (ts *timers) fire(t *timer) {
	ts.mu.Lock()
	t.fired = true
	ts.mu.Unlock()
	t.fn()
}

type owner struct {
	away     string
	attached int
}

func (o owner) GlobalAway() string   { return o.away }
func (o owner) AttachedClients() int { return o.attached }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) OnEvent(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	s      *Session
	net    *fakeNet
	timers *timers
	events *recorder
}

func newHarness(t *testing.T, cfg Config, o Owner) *harness {
	t.Helper()
	h := &harness{net: &fakeNet{}, timers: &timers{}, events: &recorder{}}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if cfg.ID == "" {
		cfg.ID = "net1"
	}
	if cfg.Name == "" {
		cfg.Name = "Libera"
	}
	if cfg.Nick == "" {
		cfg.Nick = "me"
	}
	if cfg.Host == "" {
		cfg.Host = "irc.example.org"
		cfg.Port = 6697
	}
	h.s = New(cfg, o,
		WithDialer(h.net.dial),
		WithAfter(h.timers.after),
		WithClock(func() time.Time { return now }),
		WithSubscriber(h.events),
		WithUser("alice"),
	)
	t.Cleanup(func() { h.s.Shutdown("") })
	return h
}

// sync waits until the loop has handled everything queued so far.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.True(t, h.s.call(func() {}))
}

func (h *harness) deliver(t *testing.T, facts ...irc.Fact) {
	t.Helper()
	c := h.net.last()
	for _, f := range facts {
		c.deliver(f)
	}
	h.sync(t)
}

func (h *harness) fire(t *testing.T, tm *timer) {
	t.Helper()
	h.timers.fire(tm)
	h.sync(t)
}

func (h *harness) lobbyTexts() []string {
	var out []string
	for _, m := range h.lobbyMessages() {
		out = append(out, m.Text)
	}
	return out
}

func (h *harness) lobbyMessages() []state.Message {
	return h.s.Store().Messages(h.s.Store().Lobby().ID)
}

// messages returns the log of a named channel or query.
func (h *harness) messages(t *testing.T, name string) []state.Message {
	t.Helper()
	ch, ok := h.s.Store().Channel(name)
	require.True(t, ok, "channel %s", name)
	return h.s.Store().Messages(ch.ID)
}

func (h *harness) connect(t *testing.T, caps ...string) *fakeConn {
	t.Helper()
	h.s.Open()
	h.sync(t)
	h.deliver(t, irc.SocketConnected{}, irc.Registered{Nick: "me", Caps: caps})
	return h.net.last()
}

func TestOpenDialsWithConfig(t *testing.T) {
	h := newHarness(t, Config{Username: "me", Realname: "Me", TLS: true}, nil)
	h.s.Open()
	h.sync(t)

	require.Equal(t, 1, h.net.count())
	opts := h.net.last().opts
	assert.Equal(t, "irc.example.org:6697", opts.Address())
	assert.Equal(t, "me", opts.Nick)
	assert.True(t, opts.TLS)
	assert.Equal(t, PhaseConnecting, h.s.Phase())
	assert.Contains(t, h.lobbyTexts(), "Network created, connecting to irc.example.org:6697...")

	h.deliver(t, irc.SocketConnected{})
	assert.Equal(t, Status{Connected: true, Secure: true}, h.s.Status())
	assert.Contains(t, h.lobbyTexts(), "Connected to the network.")
}

func TestReconnectBackoffIsNonDecreasingAndCapped(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.s.Open()
	h.sync(t)

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		h.deliver(t, irc.SocketClosed{Err: irc.ErrConnectionLost})
		pending := h.timers.pending()
		require.Len(t, pending, 1)
		delays = append(delays, pending[0].d)
		assert.Equal(t, PhaseReconnecting, h.s.Phase())

		h.fire(t, pending[0])
		require.Equal(t, i+2, h.net.count())
	}

	assert.True(t, isNonDecreasing(delays), "delays %v", delays)
	assert.Equal(t, constants.ReconnectMinDelay, delays[0])
	assert.Equal(t, 4*time.Second, delays[1])
	assert.Equal(t, constants.ReconnectMaxDelay, delays[len(delays)-1])
	assert.Contains(t, h.lobbyTexts(), "Disconnected from the network. Reconnecting in 2 seconds… (Attempt 1)")
	assert.Contains(t, h.lobbyTexts(), "Connection closed unexpectedly: connection lost")
}

func isNonDecreasing(ds []time.Duration) bool {
	for i := 1; i < len(ds); i++ {
		if ds[i] < ds[i-1] {
			return false
		}
	}
	return true
}

func TestRegistrationResetsBackoff(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.s.Open()
	h.sync(t)

	h.deliver(t, irc.SocketClosed{Err: irc.ErrConnectionLost})
	h.fire(t, h.timers.pending()[0])
	h.deliver(t, irc.SocketClosed{Err: irc.ErrConnectionLost})
	assert.Equal(t, 4*time.Second, h.timers.pending()[0].d)
	h.fire(t, h.timers.pending()[0])

	h.deliver(t, irc.SocketConnected{}, irc.Registered{Nick: "me"}, irc.SocketClosed{Err: irc.ErrConnectionLost})
	var backoff []*timer
	for _, tm := range h.timers.pending() {
		if tm.d == constants.ReconnectMinDelay {
			backoff = append(backoff, tm)
		}
	}
	assert.Len(t, backoff, 1)
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.s.Open()
	h.sync(t)
	h.deliver(t, irc.SocketClosed{Err: irc.ErrConnectionLost})
	scheduled := h.timers.pending()
	require.Len(t, scheduled, 1)

	h.s.Close("bye")
	h.sync(t)

	assert.Empty(t, h.timers.pending())
	assert.Equal(t, PhaseDisconnected, h.s.Phase())
	assert.True(t, h.s.Status().Disconnected)

	// a timer that already fired still must not reconnect
	h.fire(t, scheduled[0])
	assert.Equal(t, 1, h.net.count())
}

func TestCloseWhileConnectedDoesNotReconnect(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t)

	h.s.Close("see you")
	require.Eventually(t, func() bool { return h.s.Phase() == PhaseDisconnected }, time.Second, 5*time.Millisecond)
	h.sync(t)

	c.mu.Lock()
	assert.Equal(t, "see you", c.closed)
	c.mu.Unlock()
	assert.Empty(t, h.timers.pending())
	assert.Contains(t, h.lobbyTexts(), "Disconnected from the network, and will not reconnect. Use /connect to reconnect again.")

	h.s.Open()
	h.sync(t)
	assert.Equal(t, 2, h.net.count())
	assert.False(t, h.s.Status().Disconnected)
}

func TestMonitorInfoEmittedOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "monitor-notify", "away-notify")
	h.deliver(t, irc.CapsChanged{Caps: []string{"away-notify", "monitor-notify", "extended-join"}})

	infos := h.events.ofType(events.EventNetworkInfo)
	require.Len(t, infos, 1)
	assert.Equal(t, map[string]interface{}{"MONITOR": true}, infos[0].Data)
	assert.NotContains(t, c.lines(), "CAP REQ :monitor-notify")
}

func TestMonitorRequestedWhenMissing(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "away-notify")

	assert.Contains(t, c.lines(), "CAP REQ :monitor-notify")
	assert.Empty(t, h.events.ofType(events.EventNetworkInfo))

	h.deliver(t, irc.CapsChanged{Caps: []string{"away-notify", "monitor-notify"}})
	assert.Len(t, h.events.ofType(events.EventNetworkInfo), 1)
}

func TestServerOptionsClearMonitorList(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t)
	h.deliver(t, irc.ServerOptions{Prefix: irc.DefaultPrefix, ChanTypes: "#", Network: "Libera", CaseMapping: "rfc1459", Monitor: 100})

	assert.Contains(t, c.lines(), "MONITOR C")
	opts := h.events.ofType(events.EventNetworkOptions)
	require.Len(t, opts, 1)
	data := opts[0].Data.(map[string]interface{})
	assert.Equal(t, "(qaohv)~&@%+", data["PREFIX"])
	assert.Equal(t, 100, data["MONITOR"])
}

func TestRegistrationReplaysCommandsThenJoins(t *testing.T) {
	h := newHarness(t, Config{
		Commands: []string{"/msg NickServ identify hunter2", "MODE me +i"},
		Channels: []ChannelConfig{{Name: "#a"}, {Name: "#b", Key: "secret"}},
	}, nil)
	c := h.connect(t)

	pending := h.timers.pending()
	require.Len(t, pending, 4)
	var delays []time.Duration
	for _, tm := range pending {
		delays = append(delays, tm.d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}, delays)

	want := []string{
		"CAP REQ :monitor-notify",
		"PRIVMSG NickServ :identify hunter2",
		"MODE me +i",
		"JOIN #a",
		"JOIN #b secret",
	}
	// every step sends exactly one more line
	for i, tm := range pending {
		h.fire(t, tm)
		assert.Equal(t, want[:i+2], c.lines())
	}
}

func TestDisconnectCancelsReplay(t *testing.T) {
	h := newHarness(t, Config{Channels: []ChannelConfig{{Name: "#a"}}}, nil)
	h.connect(t)
	require.Len(t, h.timers.pending(), 1)

	h.deliver(t, irc.SocketClosed{Err: irc.ErrConnectionLost})
	pending := h.timers.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, constants.ReconnectMinDelay, pending[0].d)
}

func TestAwayRestoredOnRegistration(t *testing.T) {
	h := newHarness(t, Config{}, owner{away: "gone", attached: 0})
	c := h.connect(t, "monitor-notify")
	assert.Contains(t, c.lines(), "AWAY :gone")

	h2 := newHarness(t, Config{}, owner{away: "gone", attached: 1})
	c2 := h2.connect(t, "monitor-notify")
	assert.NotContains(t, c2.lines(), "AWAY :gone")

	h3 := newHarness(t, Config{AwayMessage: "mine"}, owner{away: "gone", attached: 1})
	c3 := h3.connect(t, "monitor-notify")
	assert.Contains(t, c3.lines(), "AWAY :mine")
}

func TestSetGlobalAwaySkipsNetworksWithOwnAway(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "monitor-notify")
	h.s.SetGlobalAway("brb")
	h.s.SetGlobalAway("")
	h.sync(t)
	assert.Equal(t, []string{"AWAY :brb", "AWAY"}, c.lines())

	h2 := newHarness(t, Config{AwayMessage: "mine"}, nil)
	c2 := h2.connect(t, "monitor-notify")
	h2.s.SetGlobalAway("brb")
	h2.sync(t)
	assert.NotContains(t, c2.lines(), "AWAY :brb")
}

func TestNewChannelSendsModeAndWhoOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "monitor-notify")

	h.deliver(t,
		irc.Join{Nick: "me", Channel: "#test", Ident: "u", Host: "h"},
		irc.UserList{Channel: "#test", Users: []irc.NamesEntry{{Nick: "me"}, {Nick: "bob", Modes: []byte("@")}}},
	)

	var queries []string
	for _, l := range c.lines() {
		if l == "MODE #test" || l == "WHO #test" {
			queries = append(queries, l)
		}
	}
	assert.Equal(t, []string{"MODE #test", "WHO #test"}, queries)

	u, ok := h.s.Store().User("#test", "bob")
	require.True(t, ok)
	assert.Equal(t, "@", u.Modes)

	h.deliver(t, irc.Who{Target: "#test", Users: []irc.WhoEntry{{Nick: "bob", Ident: "b", Host: "example.com", Flags: "G@", Realname: "Bob"}}})
	u, _ = h.s.Store().User("#test", "bob")
	assert.True(t, u.Away)
	assert.Equal(t, "b@example.com", u.Hostmask)
	for _, m := range h.messages(t, "#test") {
		assert.NotEqual(t, state.MessageWho, m.Type)
	}
}

func TestSocketCloseResetsChannelsAndNick(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.s.Open()
	h.sync(t)
	h.deliver(t,
		irc.SocketConnected{},
		irc.Registered{Nick: "me_"},
		irc.Join{Nick: "me_", Channel: "#test"},
		irc.Join{Nick: "bob", Channel: "#test"},
	)
	assert.Equal(t, "me_", h.s.Store().Nick())

	h.deliver(t, irc.SocketClosed{Err: irc.ErrConnectionLost})

	ch, ok := h.s.Store().Channel("#test")
	require.True(t, ok)
	assert.Equal(t, state.StateParted, ch.State)
	assert.Empty(t, ch.Users)
	assert.Equal(t, "me", h.s.Store().Nick())

	nicks := h.events.ofType(events.EventNick)
	require.NotEmpty(t, nicks)
	assert.Equal(t, state.NickChanged{Nick: "me"}, nicks[len(nicks)-1].Data)
	assert.False(t, h.s.Status().Connected)
}

func TestStaleTransportFactsAreIgnored(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.s.Open()
	h.sync(t)
	old := h.net.last()
	h.deliver(t, irc.SocketClosed{Err: irc.ErrConnectionLost})
	h.fire(t, h.timers.pending()[0])
	require.Equal(t, 2, h.net.count())

	old.deliver(irc.Registered{Nick: "ghost"})
	h.sync(t)
	assert.Equal(t, "me", h.s.Store().Nick())
	assert.Equal(t, PhaseConnecting, h.s.Phase())
}

func TestWhoisCreatesOpenQuery(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.connect(t, "monitor-notify")

	h.deliver(t, irc.Whois{WhoisInfo: irc.WhoisInfo{Nick: "carol", Ident: "c", Host: "host", Realname: "Carol", HasIdle: true, Idle: 30, Logon: 1700000000}})

	ch, ok := h.s.Store().Channel("carol")
	require.True(t, ok)
	assert.Equal(t, state.KindQuery, ch.Kind)
	msgs := h.messages(t, "carol")
	require.Len(t, msgs, 1)
	assert.Equal(t, state.MessageWhois, msgs[0].Type)

	created := h.events.ofType(events.EventChannelCreated)
	require.NotEmpty(t, created)
	assert.True(t, created[len(created)-1].Data.(state.ChannelCreated).ShouldOpen)
}

func TestWhoisErrorGoesToLobby(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.connect(t, "monitor-notify")

	h.deliver(t, irc.Whois{WhoisInfo: irc.WhoisInfo{Nick: "ghost", Err: true}})

	_, ok := h.s.Store().Channel("ghost")
	assert.False(t, ok)
	lobby := h.lobbyMessages()
	require.NotEmpty(t, lobby)
	last := lobby[len(lobby)-1]
	assert.Equal(t, state.MessageError, last.Type)
	assert.Equal(t, "No such nick: ghost", last.Text)
}

func TestWhowasDoesNotOpenQuery(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.connect(t, "monitor-notify")

	h.deliver(t, irc.Whowas{WhoisInfo: irc.WhoisInfo{Nick: "olddave", Ident: "d", Host: "h"}})

	created := h.events.ofType(events.EventChannelCreated)
	require.NotEmpty(t, created)
	assert.False(t, created[len(created)-1].Data.(state.ChannelCreated).ShouldOpen)
}

func TestPrivateMessageOpensQuery(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.connect(t, "monitor-notify")

	h.deliver(t,
		irc.Message{From: "bob", Ident: "b", Host: "h", Target: "me", Text: "hi me"},
		irc.Message{From: "irc.example.org", Target: "*", Text: "*** Looking up your hostname", Notice: true},
	)

	msgs := h.messages(t, "bob")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Highlight)
	assert.Contains(t, h.lobbyTexts(), "*** Looking up your hostname")
}

func TestIdleUpdatesRosterOnly(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.connect(t, "monitor-notify")
	h.deliver(t,
		irc.Join{Nick: "me", Channel: "#test"},
		irc.Join{Nick: "bob", Channel: "#test"},
		irc.Idle{Nick: "bob", IdleSeconds: 60, Signon: 1700000000},
	)

	u, ok := h.s.Store().User("#test", "bob")
	require.True(t, ok)
	require.NotNil(t, u.Idle)
	assert.Equal(t, int64(60), u.Idle.Seconds)
	_, ok = h.s.Store().Channel("bob")
	assert.False(t, ok)
}

func TestHandlerPanicDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.s.enqueue(func() { panic("boom") })
	h.sync(t)

	h.s.Open()
	h.sync(t)
	assert.Equal(t, 1, h.net.count())
}

func TestInputCommands(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "monitor-notify")
	lobby := h.s.Store().Lobby().ID

	require.NoError(t, h.s.Input(lobby, "/join #go secret"))
	ch, ok := h.s.Store().Channel("#go")
	require.True(t, ok)
	assert.Equal(t, "secret", ch.Key)

	require.NoError(t, h.s.Input(lobby, "/whois carol"))
	require.NoError(t, h.s.Input(lobby, "/away lunch"))
	require.NoError(t, h.s.Input(lobby, "/back"))
	require.NoError(t, h.s.Input(lobby, "/quote PING :x"))
	require.NoError(t, h.s.Input(lobby, "/topic #go hello"))

	lines := c.lines()
	for _, want := range []string{"JOIN #go secret", "WHOIS carol carol", "AWAY :lunch", "AWAY", "PING :x", "TOPIC #go hello"} {
		assert.Contains(t, lines, want)
	}

	assert.ErrorIs(t, h.s.Input(lobby, "/whowas"), ErrMissingArgument)
	assert.Error(t, h.s.Input(lobby, "hello"))
	assert.ErrorIs(t, h.s.Input(999, "/back"), ErrUnknownChannel)
}

func TestRawLinesGoToDebugChannels(t *testing.T) {
	h := newHarness(t, Config{RawChannels: true}, nil)
	h.s.Open()
	h.sync(t)
	before := len(h.lobbyMessages())

	sink := h.net.last().opts.Sink
	sink.Record(rawlog.Incoming, "PING :x")
	sink.Record(rawlog.Outgoing, "PONG :x")
	sink.Record(rawlog.Incoming, ":irc.example.org 372 me :- hello")
	h.sync(t)

	ping := h.messages(t, "Debug: Ping")
	require.Len(t, ping, 2)
	assert.Equal(t, "<< PING :x", ping[0].Text)
	assert.Equal(t, state.MessageRaw, ping[0].Type)
	assert.Equal(t, ">> PONG :x", ping[1].Text)
	assert.Len(t, h.messages(t, "Debug: MOTD"), 1)
	assert.Len(t, h.lobbyMessages(), before)

	debug, ok := h.s.Store().Channel("Debug: Ping")
	require.True(t, ok)
	require.NoError(t, h.s.Input(debug.ID, "/close"))
	sink.Record(rawlog.Incoming, "PING :z")
	h.sync(t)
	_, ok = h.s.Store().Channel("Debug: Ping")
	assert.False(t, ok)
	assert.Len(t, h.lobbyMessages(), before)
}

func TestUserWhoOfUnknownNickCreatesQuery(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "monitor-notify")

	require.NoError(t, h.s.Input(h.s.Store().Lobby().ID, "/who bob"))
	assert.Contains(t, c.lines(), "WHO bob")

	h.deliver(t, irc.Who{Target: "bob", Users: []irc.WhoEntry{{Nick: "bob", Ident: "b", Host: "h", Flags: "H", Realname: "Bob"}}})

	ch, ok := h.s.Store().Channel("bob")
	require.True(t, ok)
	assert.Equal(t, state.KindQuery, ch.Kind)
	msgs := h.messages(t, "bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, state.MessageWho, msgs[0].Type)
	created := h.events.ofType(events.EventChannelCreated)
	require.NotEmpty(t, created)
	assert.False(t, created[len(created)-1].Data.(state.ChannelCreated).ShouldOpen)

	// replies to WHOs we sent ourselves only merge
	h.deliver(t, irc.Who{Target: "carol", Users: []irc.WhoEntry{{Nick: "carol", Flags: "H"}}})
	_, ok = h.s.Store().Channel("carol")
	assert.False(t, ok)
}

func TestWhoDedupFollowsCaseMapping(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "monitor-notify")
	lobby := h.s.Store().Lobby().ID

	// rfc1459 until the server says otherwise: [ and { fold together
	require.NoError(t, h.s.Input(lobby, "/who [x]"))
	require.NoError(t, h.s.Input(lobby, "/who {x}"))

	h.deliver(t, irc.ServerOptions{CaseMapping: "ascii"})
	require.NoError(t, h.s.Input(lobby, "/who [y]"))
	require.NoError(t, h.s.Input(lobby, "/who {y}"))

	var whos []string
	for _, l := range c.lines() {
		if strings.HasPrefix(l, "WHO ") {
			whos = append(whos, l)
		}
	}
	assert.Equal(t, []string{"WHO [x]", "WHO [y]", "WHO {y}"}, whos)
}
