package irc

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/matt0x6f/cascade-relay/internal/constants"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/matt0x6f/cascade-relay/internal/rawlog"
	"github.com/rs/zerolog"
)

var (
	// ErrConnectionLost is reported when the server side went away.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotConnected is returned by Send before the socket is up or after it closed.
	ErrNotConnected = errors.New("not connected")
)

// Options describe one connection attempt.
type Options struct {
	Host     string
	Port     int
	TLS      bool
	Insecure bool
	Nick     string
	Username string
	Realname string
	Password string

	SASLMechanism string // PLAIN, EXTERNAL, SCRAM-SHA-256 or SCRAM-SHA-512
	SASLLogin     string
	SASLPassword  string

	// Caps are requested during registration in addition to the SASL cap.
	Caps []string

	Sink      rawlog.Sink
	KeepAlive time.Duration
	Timeout   time.Duration
}

// Address returns host:port.
func (o Options) Address() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// DefaultCaps are requested on every connection.
var DefaultCaps = []string{
	"account-notify", "away-notify", "extended-join", "multi-prefix",
	"server-time", "userhost-in-names", "cap-notify", "monitor-notify",
}

// Conn is one transport connection. Facts are delivered in arrival order from
// the connection's read goroutine; SocketClosed is always the last fact.
type Conn struct {
	opts    Options
	conn    *ircevent.Connection
	sink    rawlog.Sink
	deliver func(Fact)
	log     zerolog.Logger

	mu       sync.Mutex
	dec      *Decoder
	up       bool
	closing  bool
	lastRead time.Time
	once     sync.Once

	saslOnce sync.Once
	scram    *scram
}

// commands are the non-numeric commands handed to the decoder. ircevent
// dispatches by command name only, so each one is registered, along with
// every numeric.
var commands = []string{
	"PING", "PONG", "ERROR", "CAP", "AUTHENTICATE",
	"JOIN", "PART", "KICK", "QUIT", "NICK", "TOPIC", "MODE", "INVITE",
	"PRIVMSG", "NOTICE", "ACCOUNT", "AWAY", "CHGHOST", "SETNAME",
	"WALLOPS", "FAIL", "WARN", "NOTE",
}

// Dial starts connecting in the background and returns immediately.
func Dial(opts Options, deliver func(Fact)) *Conn {
	if opts.Sink == nil {
		opts.Sink = rawlog.Discard
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 2 * time.Minute
	}
	if opts.Timeout == 0 {
		opts.Timeout = constants.ConnectTimeout
	}

	c := &Conn{
		opts:    opts,
		sink:    opts.Sink,
		deliver: deliver,
		dec:     NewDecoder(),
		log:     logger.With("irc").With().Str("server", opts.Address()).Logger(),
	}

	caps := append([]string(nil), DefaultCaps...)
	caps = append(caps, opts.Caps...)

	c.conn = &ircevent.Connection{
		Server:        opts.Address(),
		Nick:          opts.Nick,
		User:          opts.Username,
		RealName:      opts.Realname,
		UseTLS:        opts.TLS,
		Password:      opts.Password,
		RequestCaps:   caps,
		KeepAlive:     opts.KeepAlive,
		Timeout:       opts.Timeout,
		ReconnectFreq: 0, // reconnects are driven by the session
	}
	if opts.TLS && opts.Insecure {
		c.conn.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	mech := strings.ToUpper(opts.SASLMechanism)
	if mech != "" {
		c.conn.UseSASL = true
		// ircevent refuses anything but PLAIN before connecting; other
		// mechanisms are switched in when capability negotiation starts.
		c.conn.SASLMech = MechPlain
		c.conn.SASLLogin = opts.SASLLogin
		c.conn.SASLPassword = opts.SASLPassword
	}

	for _, cmd := range commands {
		c.conn.AddCallback(cmd, c.handle)
	}
	for i := 1; i < 1000; i++ {
		c.conn.AddCallback(fmt.Sprintf("%03d", i), c.handle)
	}
	if mech != "" && mech != MechPlain {
		c.conn.AddCallback("CAP", func(ircmsg.Message) {
			c.saslOnce.Do(func() { c.takeOverSASL(mech) })
		})
	}
	c.conn.AddDisconnectCallback(func(ircmsg.Message) {
		c.finish(nil)
	})

	c.sink.Record(rawlog.Notice, "Connecting to "+opts.Address()+"...")
	go c.run()
	return c
}

func (c *Conn) run() {
	if err := c.conn.Connect(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to connect")
		c.finish(fmt.Errorf("failed to connect: %w", err))
		return
	}
	c.conn.Loop()
}

// takeOverSASL runs on the read goroutine at the first CAP reply, before
// ircevent sends AUTHENTICATE; it replaces ircevent's PLAIN responder.
func (c *Conn) takeOverSASL(mech string) {
	c.conn.SASLMech = mech
	c.conn.ClearCallback("AUTHENTICATE")
	c.conn.AddCallback("AUTHENTICATE", c.handle)
	c.conn.AddCallback("AUTHENTICATE", c.authenticate)
}

// authenticate answers AUTHENTICATE challenges for EXTERNAL and SCRAM.
// The outcome arrives as 903 or 904, which ircevent handles.
func (c *Conn) authenticate(msg ircmsg.Message) {
	if len(msg.Params) == 0 {
		return
	}
	mech := c.conn.SASLMech
	challenge := msg.Params[0]

	if mech == MechExternal {
		if challenge == "+" {
			c.sendAuth("+")
		}
		return
	}

	if challenge == "+" && c.scram == nil {
		s, err := newSCRAM(mech, c.opts.SASLLogin, c.opts.SASLPassword, "")
		if err != nil {
			c.abortSASL(err)
			return
		}
		c.scram = s
		c.sendAuth(base64.StdEncoding.EncodeToString([]byte(s.clientFirst())))
		return
	}
	if c.scram == nil {
		c.abortSASL(errors.New("unexpected challenge"))
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(challenge)
	if err != nil {
		c.abortSASL(fmt.Errorf("failed to decode challenge: %w", err))
		return
	}
	if c.scram.serverKey == nil {
		final, err := c.scram.serverFirst(string(decoded))
		if err != nil {
			c.abortSASL(err)
			return
		}
		c.sendAuth(base64.StdEncoding.EncodeToString([]byte(final)))
		return
	}
	if err := c.scram.serverFinal(string(decoded)); err != nil {
		c.abortSASL(err)
		return
	}
	c.sendAuth("+")
}

func (c *Conn) sendAuth(payload string) {
	c.sink.Record(rawlog.Outgoing, "AUTHENTICATE "+payload)
	if err := c.conn.Send("AUTHENTICATE", payload); err != nil {
		c.log.Warn().Err(err).Msg("Failed to send AUTHENTICATE")
	}
}

// abortSASL gives up on the exchange and drops the connection, the same
// way a 904 from the server does.
func (c *Conn) abortSASL(err error) {
	c.log.Warn().Err(err).Str("mechanism", c.conn.SASLMech).Msg("SASL authentication aborted")
	c.sink.Record(rawlog.Failure, "SASL authentication aborted: "+err.Error())
	c.sendAuth("*")
	c.conn.Quit()
}

func (c *Conn) handle(msg ircmsg.Message) {
	line, err := msg.Line()
	if err == nil {
		c.sink.Record(rawlog.Incoming, strings.TrimRight(line, "\r\n"))
	}

	c.mu.Lock()
	c.up = true
	c.lastRead = time.Now()
	facts := c.dec.Decode(msg)
	c.mu.Unlock()

	for _, f := range facts {
		c.deliver(f)
	}
}

// finish delivers the closing facts exactly once.
func (c *Conn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		requested := c.closing
		silent := !c.lastRead.IsZero() && time.Since(c.lastRead) >= c.opts.KeepAlive
		c.up = false
		c.mu.Unlock()

		if !requested && err == nil {
			err = ErrConnectionLost
		}
		if requested {
			err = nil
		}
		if err != nil {
			c.sink.Record(rawlog.Failure, "Socket error: "+err.Error())
		}
		if !requested && silent {
			c.deliver(PingTimeout{})
		}
		c.deliver(SocketClosed{Err: err})
	})
}

// Send writes one raw line.
func (c *Conn) Send(line string) error {
	c.mu.Lock()
	if !c.up || c.closing {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.dec.Sent(line)
	c.mu.Unlock()

	c.sink.Record(rawlog.Outgoing, line)
	if err := c.conn.SendRaw(line); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	return nil
}

// Secure reports whether the connection uses TLS.
func (c *Conn) Secure() bool {
	return c.opts.TLS
}

// Close quits with the given message. SocketClosed follows with a nil error.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	up := c.up
	c.mu.Unlock()

	if reason != "" {
		c.conn.QuitMessage = reason
	}
	c.conn.Quit()
	if !up {
		// nothing registered yet, so no disconnect callback is guaranteed.
		// Delivered off the caller's goroutine since callers may be the consumer.
		go c.finish(nil)
	}
}
