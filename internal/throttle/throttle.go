// Package throttle paces and deduplicates the queries a session sends on
// its own behalf.
package throttle

import (
	"strings"
	"sync"
	"time"

	"github.com/matt0x6f/cascade-relay/internal/constants"
	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/irc"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/matt0x6f/cascade-relay/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Option configures a Throttler.
type Option func(*Throttler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Throttler) { t.now = now }
}

// WithScheduler replaces time.AfterFunc. Sessions pass a function that runs
// fn on their own loop.
func WithScheduler(after func(time.Duration, func())) Option {
	return func(t *Throttler) { t.after = after }
}

// WithLimit overrides the pacing.
func WithLimit(limit rate.Limit, burst int) Option {
	return func(t *Throttler) { t.limiter = rate.NewLimiter(limit, burst) }
}

// WithFold sets the casemapping used to deduplicate targets.
func WithFold(fold func(string) string) Option {
	return func(t *Throttler) { t.fold = fold }
}

// WithLogger attaches a network-scoped logger.
func WithLogger(log zerolog.Logger) Option {
	return func(t *Throttler) { t.log = log }
}

// Throttler turns store notifications into MODE, WHO and MONITOR requests
// and paces every outbound query through a token bucket, in order.
type Throttler struct {
	send    func(string) error
	now     func() time.Time
	after   func(time.Duration, func())
	limiter *rate.Limiter
	fold    func(string) string
	log     zerolog.Logger

	mu         sync.Mutex
	queue      []string
	scheduled  bool
	pendingWho map[string]bool
	monitor    bool
	whox       bool
	sent       func(line string)
}

// New creates a throttler writing through send.
func New(send func(string) error, opts ...Option) *Throttler {
	t := &Throttler{
		send:       send,
		now:        time.Now,
		after:      func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		limiter:    rate.NewLimiter(rate.Limit(constants.QueryRate), constants.QueryBurst),
		fold:       strings.ToLower,
		log:        logger.With("throttle"),
		pendingWho: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnSent registers a hook called for every line actually written.
func (t *Throttler) OnSent(fn func(line string)) {
	t.mu.Lock()
	t.sent = fn
	t.mu.Unlock()
}

// SetServer applies what the server advertised.
func (t *Throttler) SetServer(opts irc.ServerOptions, fold func(string) string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.monitor = opts.Monitor != 0
	t.whox = opts.WHOX
	if fold != nil {
		t.fold = fold
	}
}

// OnEvent reacts to store notifications.
func (t *Throttler) OnEvent(e events.Event) {
	switch e.Type {
	case events.EventChannelCreated:
		created, ok := e.Data.(state.ChannelCreated)
		if !ok || created.Channel.Kind != state.KindChannel {
			return
		}
		t.Mode(created.Channel.Name)
		t.Who(created.Channel.Name)
	case events.EventChannelState:
		changed, ok := e.Data.(state.ChannelStateChanged)
		if ok && changed.State == state.StateJoined {
			t.Who(changed.Name)
		}
	case events.EventRosterResynced:
		// refresh after our own join completes, and only when the roster grew
		// or shrank; a NAMES for a channel we are not in never triggers one
		resync, ok := e.Data.(state.RosterResync)
		if ok && resync.CountChanged && resync.SelfPresent {
			t.Who(resync.Channel)
		}
	case events.EventUserJoined:
		if joined, ok := e.Data.(state.UserEvent); ok {
			t.Monitor("+", joined.Nick)
		}
	case events.EventUserQuit:
		if quit, ok := e.Data.(state.UserEvent); ok {
			t.Monitor("-", quit.Nick)
		}
	}
}

// Who queues a WHO unless one for the same target is queued or in flight.
// It reports whether a request was queued.
func (t *Throttler) Who(target string) bool {
	if target == "" {
		return false
	}
	t.mu.Lock()
	key := t.fold(target)
	if t.pendingWho[key] {
		t.mu.Unlock()
		t.log.Debug().Str("target", target).Msg("WHO already pending")
		return false
	}
	t.pendingWho[key] = true
	line := "WHO " + target
	if t.whox {
		line += " " + irc.WHOXFields + "," + irc.WHOXToken
	}
	t.queue = append(t.queue, line)
	t.mu.Unlock()

	t.drain()
	return true
}

// WhoDone clears the pending WHO for target once its reply ended.
func (t *Throttler) WhoDone(target string) {
	t.mu.Lock()
	delete(t.pendingWho, t.fold(target))
	t.mu.Unlock()
}

// WhoPending reports whether a WHO for target is queued or in flight.
func (t *Throttler) WhoPending(target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingWho[t.fold(target)]
}

// Whois queues WHOIS nick nick, which asks the user's own server and so
// includes idle time.
func (t *Throttler) Whois(nick string) {
	t.enqueue("WHOIS " + nick + " " + nick)
}

// Whowas queues a WHOWAS.
func (t *Throttler) Whowas(nick string) {
	t.enqueue("WHOWAS " + nick)
}

// Mode queues a MODE query for a channel.
func (t *Throttler) Mode(channel string) {
	t.enqueue("MODE " + channel)
}

// Monitor queues MONITOR +/- for a nick when the server supports MONITOR.
func (t *Throttler) Monitor(op, nick string) {
	t.mu.Lock()
	enabled := t.monitor
	t.mu.Unlock()
	if !enabled || nick == "" {
		return
	}
	t.enqueue("MONITOR " + op + " " + nick)
}

// Enqueue paces an arbitrary line with the queries.
func (t *Throttler) Enqueue(line string) {
	t.enqueue(line)
}

func (t *Throttler) enqueue(line string) {
	t.mu.Lock()
	t.queue = append(t.queue, line)
	t.mu.Unlock()
	t.drain()
}

// Reset drops everything queued and forgets pending WHOs.
func (t *Throttler) Reset() {
	t.mu.Lock()
	t.queue = nil
	t.pendingWho = make(map[string]bool)
	t.mu.Unlock()
}

// Pending returns the number of lines waiting for a token.
func (t *Throttler) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Throttler) drain() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 || t.scheduled {
			t.mu.Unlock()
			return
		}
		now := t.now()
		r := t.limiter.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			t.scheduled = true
			t.mu.Unlock()
			t.after(delay, func() {
				t.mu.Lock()
				t.scheduled = false
				t.mu.Unlock()
				t.drain()
			})
			return
		}
		line := t.queue[0]
		t.queue = t.queue[1:]
		sent := t.sent
		t.mu.Unlock()

		if err := t.send(line); err != nil {
			t.log.Debug().Err(err).Str("line", line).Msg("Failed to send query")
			if target, ok := strings.CutPrefix(line, "WHO "); ok {
				target, _, _ = strings.Cut(target, " ")
				t.WhoDone(target)
			}
			continue
		}
		if sent != nil {
			sent(line)
		}
	}
}
