package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matt0x6f/cascade-relay/internal/config"
	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/fanout"
	"github.com/matt0x6f/cascade-relay/internal/irc"
	"github.com/matt0x6f/cascade-relay/internal/session"
	"github.com/matt0x6f/cascade-relay/internal/state"
	"github.com/matt0x6f/cascade-relay/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memoryDB struct {
	mu       sync.Mutex
	saved    map[string][]storage.Channel
	mentions []storage.Mention
	pruned   []string
	deleted  []string

	// onAppend runs after a message is handed to history, before its
	// event reaches the bus.
	onAppend func(state.Message)
}

func newMemoryDB() *memoryDB {
	return &memoryDB{saved: make(map[string][]storage.Channel)}
}

func (m *memoryDB) Append(_ string, _ string, msg state.Message) {
	if m.onAppend != nil {
		m.onAppend(msg)
	}
}

func (m *memoryDB) Load(string, string, int) ([]state.Message, error) { return nil, nil }

func (m *memoryDB) SaveChannels(networkID string, channels []storage.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[networkID] = append([]storage.Channel(nil), channels...)
	return nil
}

func (m *memoryDB) GetChannels(networkID string) ([]storage.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Channel(nil), m.saved[networkID]...), nil
}

func (m *memoryDB) DeleteNetwork(networkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, networkID)
	delete(m.saved, networkID)
	return nil
}

func (m *memoryDB) AddMention(mention *storage.Mention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mention.ID = int64(len(m.mentions) + 1)
	m.mentions = append(m.mentions, *mention)
	return nil
}

func (m *memoryDB) GetMentions(userName string) ([]storage.Mention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Mention
	for _, mention := range m.mentions {
		if mention.UserName == userName {
			out = append(out, mention)
		}
	}
	return out, nil
}

func (m *memoryDB) PruneMentions(userName, networkID, channel string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, networkID+" "+channel)
	return 0, nil
}

func (m *memoryDB) savedNames(networkID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, c := range m.saved[networkID] {
		names = append(names, c.Name)
	}
	return names
}

type conn struct {
	deliver func(irc.Fact)

	mu   sync.Mutex
	sent []string
}

func (c *conn) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, line)
	return nil
}

func (c *conn) Close(string) { go c.deliver(irc.SocketClosed{}) }

func (c *conn) Secure() bool { return false }

func (c *conn) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type network struct {
	mu    sync.Mutex
	conns []*conn
}

func (n *network) dial(_ irc.Options, deliver func(irc.Fact)) session.Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &conn{deliver: deliver}
	n.conns = append(n.conns, c)
	return c
}

func (n *network) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *network) last() *conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[len(n.conns)-1]
}

func noTimers(time.Duration, func()) func() bool {
	return func() bool { return true }
}

func testUser(t *testing.T, away string) config.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	return config.User{
		Name:         "alice",
		PasswordHash: string(hash),
		AwayMessage:  away,
		Networks: []config.Network{{
			ID:       "net1",
			Name:     "Libera",
			Host:     "irc.example.org",
			Port:     6697,
			Nick:     "me",
			Channels: []config.Channel{{Name: "#a"}},
		}},
	}
}

func newTestUser(t *testing.T, cfg config.User, db *memoryDB) (*User, *network) {
	t.Helper()
	n := &network{}
	u := NewUser(cfg, "", db, session.WithDialer(n.dial), session.WithAfter(noTimers))
	t.Cleanup(func() { u.Shutdown("") })
	return u, n
}

// drain waits for the session loop to handle everything queued so far.
func drain(t *testing.T, s *session.Session) {
	t.Helper()
	require.NoError(t, s.Input(s.Store().Lobby().ID, ""))
}

func TestAuthenticate(t *testing.T) {
	r := New(&config.Config{Users: []config.User{testUser(t, "")}}, nil)
	t.Cleanup(func() { r.Shutdown("") })

	u, err := r.Authenticate("alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name())

	_, err = r.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = r.Authenticate("mallory", "hunter2")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStartConnectsEveryNetwork(t *testing.T) {
	cfg := testUser(t, "")
	cfg.Networks = append(cfg.Networks, config.Network{ID: "net2", Name: "OFTC", Host: "irc.oftc.net", Port: 6697, Nick: "me"})
	n := &network{}
	r := New(&config.Config{Users: []config.User{cfg}}, nil, session.WithDialer(n.dial), session.WithAfter(noTimers))
	t.Cleanup(func() { r.Shutdown("") })

	u, ok := r.User("alice")
	require.True(t, ok)
	require.Len(t, u.Sessions(), 2)
	assert.Equal(t, "Libera", u.Sessions()[0].Name())

	r.Start(context.Background())
	assert.Eventually(t, func() bool { return n.count() == 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestStartStopsWhenCancelled(t *testing.T) {
	n := &network{}
	r := New(&config.Config{Users: []config.User{testUser(t, "")}}, nil, session.WithDialer(n.dial), session.WithAfter(noTimers))
	t.Cleanup(func() { r.Shutdown("") })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Start(ctx)
	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, n.count())
}

func TestSavedChannelsAreMerged(t *testing.T) {
	db := newMemoryDB()
	db.saved["net1"] = []storage.Channel{{Name: "#A", Key: "k"}, {Name: "#saved"}}
	u, _ := newTestUser(t, testUser(t, ""), db)

	s, err := u.Session("net1")
	require.NoError(t, err)
	a, ok := s.Store().Channel("#a")
	require.True(t, ok)
	assert.Equal(t, "k", a.Key)
	_, ok = s.Store().Channel("#saved")
	assert.True(t, ok)
	assert.Len(t, s.Store().JoinList(), 2)
}

func TestJoinAndPartPersistChannelList(t *testing.T) {
	db := newMemoryDB()
	u, _ := newTestUser(t, testUser(t, ""), db)
	s, err := u.Session("net1")
	require.NoError(t, err)
	lobby := s.Store().Lobby().ID

	// not connected, so the JOIN itself fails but the channel is recorded
	_ = s.Input(lobby, "/join #new")
	assert.Equal(t, []string{"#a", "#new"}, db.savedNames("net1"))

	require.NoError(t, s.Input(lobby, "/part #new"))
	assert.Equal(t, []string{"#a"}, db.savedNames("net1"))
}

func TestAttachQueuesInitSnapshot(t *testing.T) {
	db := newMemoryDB()
	db.mentions = []storage.Mention{{ID: 1, UserName: "alice", NetworkID: "net1", Channel: "#a", Text: "me?"}}
	u, _ := newTestUser(t, testUser(t, ""), db)

	a := fanout.NewAttachment(16)
	assert.Equal(t, 1, u.Attach(a))
	assert.Equal(t, 1, u.AttachedClients())

	e := <-a.Events()
	require.Equal(t, events.EventInit, e.Type)
	snap, ok := e.Data.(Init)
	require.True(t, ok)
	require.Len(t, snap.Networks, 1)
	assert.Equal(t, "Libera", snap.Networks[0].Name)
	assert.Equal(t, "me", snap.Networks[0].Nick)
	assert.Nil(t, snap.Networks[0].Options)
	require.Len(t, snap.Networks[0].Channels, 2)
	assert.Equal(t, "#a", snap.Networks[0].Channels[1].Name)
	assert.Len(t, snap.Mentions, 1)
}

func TestAttachDuringPublishSeesMessageOnce(t *testing.T) {
	db := newMemoryDB()
	u, n := newTestUser(t, testUser(t, ""), db)
	s, err := u.Session("net1")
	require.NoError(t, err)

	a := fanout.NewAttachment(64)
	db.onAppend = func(msg state.Message) {
		if msg.Text == "hello" {
			u.Attach(a)
		}
	}

	s.Open()
	drain(t, s)
	c := n.last()
	c.deliver(irc.SocketConnected{})
	c.deliver(irc.Message{From: "bob", Ident: "b", Host: "h", Target: "#a", Text: "hello"})
	c.deliver(irc.Message{From: "bob", Ident: "b", Host: "h", Target: "#a", Text: "after"})
	drain(t, s)
	require.Equal(t, 1, u.AttachedClients())

	seen := map[string]int{}
	for len(a.Events()) > 0 {
		e := <-a.Events()
		switch e.Type {
		case events.EventInit:
			for _, ch := range e.Data.(Init).Networks[0].Channels {
				for _, m := range ch.Messages {
					seen[m.Text]++
				}
			}
		case events.EventMessage:
			seen[e.Data.(state.Message).Text]++
		}
	}
	assert.Equal(t, 1, seen["hello"])
	assert.Equal(t, 1, seen["after"])
}

func TestHighlightIsRecordedAndPrunedOnDetach(t *testing.T) {
	db := newMemoryDB()
	u, n := newTestUser(t, testUser(t, ""), db)
	s, err := u.Session("net1")
	require.NoError(t, err)

	s.Open()
	drain(t, s)
	c := n.last()
	c.deliver(irc.SocketConnected{})
	c.deliver(irc.Message{From: "bob", Ident: "b", Host: "h", Target: "#a", Text: "me: ping"})
	c.deliver(irc.Message{From: "bob", Ident: "b", Host: "h", Target: "#a", Text: "nothing here"})
	drain(t, s)

	mentions, err := db.GetMentions("alice")
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, "#a", mentions[0].Channel)
	assert.Equal(t, "bob", mentions[0].Sender)
	assert.Equal(t, "me: ping", mentions[0].Text)

	ch, ok := s.Store().Channel("#a")
	require.True(t, ok)
	a := fanout.NewAttachment(16)
	u.Attach(a)
	a.SetActive("net1", ch.ID)
	u.Hub().Detach(a)
	assert.Equal(t, []string{"net1 #a"}, db.pruned)
}

func TestGlobalAwayFollowsAttachments(t *testing.T) {
	u, n := newTestUser(t, testUser(t, "gone"), newMemoryDB())
	s, err := u.Session("net1")
	require.NoError(t, err)

	s.Open()
	drain(t, s)
	c := n.last()
	c.deliver(irc.SocketConnected{})
	c.deliver(irc.Registered{Nick: "me", Caps: []string{"monitor-notify"}})
	drain(t, s)
	assert.Contains(t, c.lines(), "AWAY :gone")

	a := fanout.NewAttachment(16)
	u.Attach(a)
	drain(t, s)
	assert.Equal(t, "AWAY", c.lines()[len(c.lines())-1])

	u.Hub().Detach(a)
	assert.Eventually(t, func() bool {
		lines := c.lines()
		return strings.Join(lines[len(lines)-1:], "") == "AWAY :gone"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInputCommandReachesSession(t *testing.T) {
	u, n := newTestUser(t, testUser(t, ""), newMemoryDB())
	s, err := u.Session("net1")
	require.NoError(t, err)
	s.Open()
	drain(t, s)
	c := n.last()
	c.deliver(irc.SocketConnected{})
	drain(t, s)

	ch, ok := s.Store().Channel("#a")
	require.True(t, ok)
	a := fanout.NewAttachment(16)
	u.HandleCommand(a, fanout.Command{Type: CommandInput, Network: "net1", Channel: ch.ID, Text: "hello"})
	assert.Contains(t, c.lines(), "PRIVMSG #a :hello")

	// unknown networks are ignored
	u.HandleCommand(a, fanout.Command{Type: CommandInput, Network: "nope", Text: "hello"})
}

func TestRemoveNetwork(t *testing.T) {
	db := newMemoryDB()
	u, _ := newTestUser(t, testUser(t, ""), db)

	require.NoError(t, u.RemoveNetwork("net1"))
	assert.Equal(t, []string{"net1"}, db.deleted)
	assert.Empty(t, u.Sessions())
	_, err := u.Session("net1")
	assert.ErrorIs(t, err, ErrUnknownNetwork)
	assert.ErrorIs(t, u.RemoveNetwork("net1"), ErrUnknownNetwork)

	_, err = u.AddNetwork(testUser(t, "").Networks[0])
	require.NoError(t, err)
	_, err = u.AddNetwork(testUser(t, "").Networks[0])
	assert.ErrorIs(t, err, ErrDuplicateNetwork)
}
