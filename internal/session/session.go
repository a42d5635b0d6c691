// Package session runs one persistent IRC connection per configured network
// and keeps its channel state current.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matt0x6f/cascade-relay/internal/constants"
	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/irc"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/matt0x6f/cascade-relay/internal/metrics"
	"github.com/matt0x6f/cascade-relay/internal/rawlog"
	"github.com/matt0x6f/cascade-relay/internal/state"
	"github.com/matt0x6f/cascade-relay/internal/throttle"
	"github.com/rs/zerolog"
)

// ErrClosed is returned once a session has been shut down.
var ErrClosed = errors.New("session closed")

// Phase is the connection lifecycle position.
type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseRegistered   Phase = "registered"
	PhaseDisconnected Phase = "disconnected"
	PhaseReconnecting Phase = "reconnecting"
)

// Status is broadcast as network:status.
type Status struct {
	Connected    bool `json:"connected"`
	Disconnected bool `json:"disconnected"`
	Secure       bool `json:"secure"`
}

// ChannelConfig is an auto-join entry.
type ChannelConfig struct {
	Name string
	Key  string
}

// Config describes one network of a user.
type Config struct {
	ID       string
	Name     string
	Host     string
	Port     int
	TLS      bool
	Insecure bool

	Nick     string
	Username string
	Realname string
	Password string

	SASLMechanism string
	SASLLogin     string
	SASLPassword  string

	AwayMessage string
	Commands    []string
	Channels    []ChannelConfig

	RawLogDir   string
	RawChannels bool
}

// Transport is a live connection.
type Transport interface {
	Send(line string) error
	Close(reason string)
	Secure() bool
}

// Dialer opens a transport. deliver must be called from a single goroutine
// per transport, in arrival order, and SocketClosed must be the last fact.
type Dialer func(opts irc.Options, deliver func(irc.Fact)) Transport

// AfterFunc schedules fn and returns a function that cancels it.
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

// Owner is the user a session belongs to.
type Owner interface {
	GlobalAway() string
	AttachedClients() int
}

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the ircevent transport.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithAfter replaces time.AfterFunc.
func WithAfter(after AfterFunc) Option {
	return func(s *Session) { s.after = after }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithHistory backs channel logs with a durable store.
func WithHistory(h state.History) Option {
	return func(s *Session) { s.history = h }
}

// WithSubscriber forwards every session event, typically to the user's hub.
func WithSubscriber(sub events.Subscriber) Option {
	return func(s *Session) { s.subscribers = append(s.subscribers, sub) }
}

// WithUser tags logs and metrics with the owning user's name.
func WithUser(name string) Option {
	return func(s *Session) { s.user = name }
}

// Session owns the connection lifecycle of one network. Every fact, timer
// and command runs on a single loop goroutine, in order.
type Session struct {
	cfg         Config
	owner       Owner
	user        string
	dial        Dialer
	after       AfterFunc
	now         func() time.Time
	history     state.History
	subscribers []events.Subscriber
	log         zerolog.Logger

	bus      *events.EventBus
	store    *state.Store
	throttle *throttle.Throttler
	sink     rawlog.Sink
	fileSink *rawlog.FileSink

	queue chan func()
	done  chan struct{}
	stop  sync.Once

	// closing is set by Close before the loop sees the request, so a backoff
	// timer already in flight cannot reconnect.
	closing atomic.Bool

	statusMu sync.RWMutex
	status   Status
	phase    Phase
	options  irc.ServerOptions

	// loop-owned
	transport        Transport
	gen              int
	caps             map[string]bool
	keepNick         string
	requested        bool
	attempt          int
	backoffStop      func() bool
	replay           []func() bool
	monitorAnnounced bool
	userWho          map[string]bool
	rawChannels      map[string]string
	createdText      bool
}

// New creates a session. It does not connect until Open is called.
func New(cfg Config, owner Owner, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg,
		owner:   owner,
		now:     time.Now,
		queue:   make(chan func(), constants.SessionQueueSize),
		done:    make(chan struct{}),
		caps:    make(map[string]bool),
		userWho: make(map[string]bool),
		phase:   PhaseDisconnected,
	}
	s.dial = func(opts irc.Options, deliver func(irc.Fact)) Transport {
		return irc.Dial(opts, deliver)
	}
	s.after = func(d time.Duration, fn func()) func() bool {
		return time.AfterFunc(d, fn).Stop
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Network(s.user, cfg.Name)

	s.bus = events.NewEventBus()
	storeOpts := []state.Option{state.WithClock(s.now)}
	if s.history != nil {
		storeOpts = append(storeOpts, state.WithHistory(s.history))
	}
	s.store = state.NewStore(cfg.ID, cfg.Name, s.bus, storeOpts...)
	s.store.SetNick(cfg.Nick)
	for _, ch := range cfg.Channels {
		if _, created := s.store.CreateChannel(ch.Name, state.KindChannel, ch.Key, false); !created {
			s.store.SetKey(ch.Name, ch.Key)
		}
	}

	s.throttle = throttle.New(s.send,
		throttle.WithClock(s.now),
		throttle.WithScheduler(func(d time.Duration, fn func()) { s.schedule(d, fn) }),
		throttle.WithFold(s.store.Fold),
		throttle.WithLogger(s.log),
	)
	s.throttle.OnSent(func(line string) {
		command, _, _ := strings.Cut(line, " ")
		metrics.QueriesSent.WithLabelValues(command).Inc()
	})

	s.bus.Subscribe("*", s.throttle)
	for _, sub := range s.subscribers {
		s.bus.Subscribe("*", sub)
	}

	s.sink = rawlog.Discard
	if cfg.RawLogDir != "" {
		fs, err := rawlog.NewFileSink(cfg.RawLogDir, cfg.Name)
		if err != nil {
			s.log.Warn().Err(err).Msg("Raw line logging disabled")
		} else {
			s.fileSink = fs
			s.sink = fs
		}
	}

	go s.run()
	return s
}

// ID returns the network id.
func (s *Session) ID() string { return s.cfg.ID }

// Name returns the network display name.
func (s *Session) Name() string { return s.cfg.Name }

// Store exposes the channel state for snapshots.
func (s *Session) Store() *state.Store { return s.store }

// Status returns the derived connection status.
func (s *Session) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Phase returns the lifecycle phase.
func (s *Session) Phase() Phase {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.phase
}

// Options returns the last ISUPPORT values seen, for init payloads.
func (s *Session) Options() irc.ServerOptions {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.options
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.queue:
			s.safely(fn)
		case <-s.done:
			return
		}
	}
}

// safely runs one unit of loop work; a panic is logged and the loop goes on.
func (s *Session) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailures.Inc()
			s.log.Error().Interface("panic", r).Msg("Recovered from panic in session handler")
		}
	}()
	fn()
}

// enqueue hands fn to the loop. It must not be called from the loop itself.
func (s *Session) enqueue(fn func()) bool {
	select {
	case s.queue <- fn:
		return true
	case <-s.done:
		return false
	}
}

// tryEnqueue drops fn when the loop is saturated.
func (s *Session) tryEnqueue(fn func()) {
	select {
	case s.queue <- fn:
	default:
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) bool {
	finished := make(chan struct{})
	if !s.enqueue(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-s.done:
		return false
	}
}

// schedule runs fn on the loop after d and returns a cancel function.
func (s *Session) schedule(d time.Duration, fn func()) func() bool {
	return s.after(d, func() { s.enqueue(fn) })
}

func (s *Session) isClosing() bool {
	return s.closing.Load()
}

// Open starts connecting. It clears an earlier Close.
func (s *Session) Open() {
	s.setClosing(false)
	s.enqueue(s.open)
}

// Close disconnects without reconnecting; Open may be called again later.
func (s *Session) Close(reason string) {
	s.setClosing(true)
	s.enqueue(func() { s.close(reason) })
}

func (s *Session) setClosing(closing bool) {
	s.closing.Store(closing)
}

func (s *Session) open() {
	s.requested = false
	if s.transport != nil {
		return
	}
	s.cancelBackoff()
	s.attempt = 0
	s.connect()
}

func (s *Session) close(reason string) {
	s.requested = true
	s.cancelBackoff()
	s.cancelReplay()
	if s.transport == nil {
		s.setPhase(PhaseDisconnected)
		return
	}
	s.transport.Close(reason)
}

// Shutdown closes the connection and stops the loop for good.
func (s *Session) Shutdown(reason string) {
	s.Close(reason)
	s.call(func() {
		if s.transport != nil {
			// stale facts are ignored once the generation moves on
			s.gen++
			s.transport = nil
		}
		metrics.SessionsConnected.DeleteLabelValues(s.user, s.cfg.Name)
	})
	s.stop.Do(func() { close(s.done) })
	if s.fileSink != nil {
		if err := s.fileSink.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close raw logs")
		}
	}
}

func (s *Session) cancelBackoff() {
	if s.backoffStop != nil {
		s.backoffStop()
		s.backoffStop = nil
	}
}

func (s *Session) cancelReplay() {
	for _, stop := range s.replay {
		stop()
	}
	s.replay = nil
}

func (s *Session) connect() {
	if !s.createdText {
		s.createdText = true
		s.lobby(state.MessageStatus, fmt.Sprintf("Network created, connecting to %s:%d...", s.cfg.Host, s.cfg.Port))
		s.sink.Record(rawlog.Notice, fmt.Sprintf("Network created, connecting to %s:%d...", s.cfg.Host, s.cfg.Port))
	}
	if s.cfg.RawChannels {
		s.ensureRawChannels()
	}

	s.gen++
	gen := s.gen
	s.setPhase(PhaseConnecting)

	opts := irc.Options{
		Host:          s.cfg.Host,
		Port:          s.cfg.Port,
		TLS:           s.cfg.TLS,
		Insecure:      s.cfg.Insecure,
		Nick:          s.store.Nick(),
		Username:      s.cfg.Username,
		Realname:      s.cfg.Realname,
		Password:      s.cfg.Password,
		SASLMechanism: s.cfg.SASLMechanism,
		SASLLogin:     s.cfg.SASLLogin,
		SASLPassword:  s.cfg.SASLPassword,
		Sink:          rawlog.Tee{s.sink, rawlog.SinkFunc(s.mirrorRaw)},
	}
	s.log.Info().Str("server", opts.Address()).Int("attempt", s.attempt).Msg("Connecting")
	s.transport = s.dial(opts, func(f irc.Fact) {
		s.enqueue(func() { s.handleFact(gen, f) })
	})
}

// backoff is exponential from ReconnectMinDelay, capped at ReconnectMaxDelay.
func backoff(attempt int) time.Duration {
	d := constants.ReconnectMinDelay
	for i := 1; i < attempt && d < constants.ReconnectMaxDelay; i++ {
		d *= 2
	}
	if d > constants.ReconnectMaxDelay {
		d = constants.ReconnectMaxDelay
	}
	return d
}

func (s *Session) scheduleReconnect() {
	s.attempt++
	delay := backoff(s.attempt)
	metrics.ReconnectAttempts.WithLabelValues(s.user, s.cfg.Name).Inc()

	text := fmt.Sprintf("Disconnected from the network. Reconnecting in %d seconds… (Attempt %d)", int(delay.Seconds()), s.attempt)
	s.lobby(state.MessageStatus, text)
	s.sink.Record(rawlog.Notice, text)
	s.log.Info().Dur("delay", delay).Int("attempt", s.attempt).Msg("Scheduling reconnect")

	s.setPhase(PhaseReconnecting)
	s.backoffStop = s.schedule(delay, func() {
		s.backoffStop = nil
		if s.requested || s.isClosing() || s.transport != nil {
			return
		}
		s.connect()
	})
}

func (s *Session) setPhase(p Phase) {
	connected := p == PhaseConnected || p == PhaseRegistered
	st := Status{
		Connected:    connected,
		Disconnected: s.requested,
		Secure:       connected && s.transport != nil && s.transport.Secure(),
	}

	s.statusMu.Lock()
	changed := s.status != st
	s.phase = p
	s.status = st
	s.statusMu.Unlock()

	if changed {
		s.emit(events.EventNetworkStatus, 0, st)
	}
}

func (s *Session) emit(eventType string, channelID int64, data interface{}) {
	s.bus.Emit(events.Event{
		Type:      eventType,
		NetworkID: s.cfg.ID,
		ChannelID: channelID,
		Data:      data,
		Timestamp: s.now(),
		Source:    events.EventSourceSystem,
	})
}

func (s *Session) lobby(t state.MessageType, text string) {
	s.store.AppendLobby(state.Message{Type: t, Text: text})
}

// send writes a line on the live transport.
func (s *Session) send(line string) error {
	if s.transport == nil {
		return irc.ErrNotConnected
	}
	return s.transport.Send(line)
}

// sendNow is send with failures logged.
func (s *Session) sendNow(line string) {
	if err := s.send(line); err != nil {
		s.log.Debug().Err(err).Str("line", line).Msg("Failed to send")
	}
}

// replaySteps schedules the connect commands one step apart, run as if typed
// into the lobby, then one JOIN per channel entry, each a further step later.
func (s *Session) replaySteps() {
	s.cancelReplay()
	delay := constants.ReplayStepDelay
	gen := s.gen

	lobby := s.store.Lobby().ID
	for _, command := range s.cfg.Commands {
		line := strings.TrimSpace(command)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			line = "/" + line
		}
		s.replay = append(s.replay, s.schedule(delay, func() {
			if s.gen != gen {
				return
			}
			if err := s.input(lobby, line); err != nil {
				s.log.Warn().Err(err).Str("command", line).Msg("Failed to run connect command")
			}
		}))
		delay += constants.ReplayStepDelay
	}

	for _, line := range joinLines(s.store.JoinList()) {
		s.replay = append(s.replay, s.schedule(delay, func() {
			if s.gen != gen {
				return
			}
			s.sendNow(line)
		}))
		delay += constants.ReplayStepDelay
	}
}

// joinLines builds one JOIN per channel, keyed channels carrying their key.
func joinLines(channels []state.ChannelView) []string {
	lines := make([]string, 0, len(channels))
	for _, c := range channels {
		if c.Key != "" {
			lines = append(lines, "JOIN "+c.Name+" "+c.Key)
		} else {
			lines = append(lines, "JOIN "+c.Name)
		}
	}
	return lines
}

// restoreAway reapplies the network's own away message, or the user's
// global one when no client is attached.
func (s *Session) restoreAway() {
	if s.cfg.AwayMessage != "" {
		s.sendNow("AWAY :" + s.cfg.AwayMessage)
		return
	}
	if s.owner == nil {
		return
	}
	if away := s.owner.GlobalAway(); away != "" && s.owner.AttachedClients() == 0 {
		s.sendNow("AWAY :" + away)
	}
}

// SetGlobalAway applies or clears the user's global away on networks that
// have no away message of their own.
func (s *Session) SetGlobalAway(message string) {
	s.enqueue(func() {
		if s.cfg.AwayMessage != "" || s.Phase() != PhaseRegistered {
			return
		}
		if message == "" {
			s.sendNow("AWAY")
		} else {
			s.sendNow("AWAY :" + message)
		}
	})
}

func (s *Session) capList() []string {
	caps := make([]string, 0, len(s.caps))
	for c := range s.caps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

func (s *Session) setCaps(caps []string) {
	s.caps = make(map[string]bool, len(caps))
	for _, c := range caps {
		s.caps[c] = true
	}
	if s.caps["monitor-notify"] && !s.monitorAnnounced {
		s.monitorAnnounced = true
		s.emit(events.EventNetworkInfo, 0, map[string]interface{}{"MONITOR": true})
	}
}
