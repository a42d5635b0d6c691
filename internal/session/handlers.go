package session

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/irc"
	"github.com/matt0x6f/cascade-relay/internal/metrics"
	"github.com/matt0x6f/cascade-relay/internal/rawlog"
	"github.com/matt0x6f/cascade-relay/internal/state"
)

// handleFact applies one fact of transport generation gen. Facts from a
// transport that has since been replaced are dropped.
func (s *Session) handleFact(gen int, f irc.Fact) {
	if gen != s.gen {
		return
	}
	metrics.FactsHandled.WithLabelValues(factName(f)).Inc()

	switch f := f.(type) {
	case irc.SocketConnected:
		s.setPhase(PhaseConnected)
		s.lobby(state.MessageStatus, "Connected to the network.")
	case irc.SocketClosed:
		s.onSocketClosed(f)
	case irc.PingTimeout:
		s.lobby(state.MessageError, "Ping timeout, disconnecting…")
	case irc.Registered:
		s.onRegistered(f)
	case irc.CapsChanged:
		s.setCaps(f.Caps)
	case irc.ServerOptions:
		s.onServerOptions(f)

	case irc.Join:
		s.store.ApplyJoin(f.Channel, f.Nick, f.Ident, f.Host, f.Account, f.Gecos, f.Time)
	case irc.Part:
		s.store.ApplyPart(f.Channel, f.Nick, f.Reason, f.Time)
	case irc.Kick:
		s.store.ApplyKick(f.Channel, f.Kicker, f.Target, f.Reason, f.Time)
	case irc.Quit:
		s.store.ApplyQuit(f.Nick, f.Reason, f.Time)
	case irc.NickChange:
		s.store.ApplyNick(f.Old, f.New, f.Time)
	case irc.Topic:
		s.store.SetTopic(f.Channel, f.Topic, f.SetBy, f.Time)
	case irc.Mode:
		s.onMode(f)
	case irc.Message:
		s.onMessage(f)

	case irc.UserList:
		s.onUserList(f)
	case irc.Who:
		s.onWho(f)
	case irc.Whois:
		s.onWhois(f.WhoisInfo, state.MessageWhois, true)
	case irc.Whowas:
		s.onWhois(f.WhoisInfo, state.MessageWhowas, false)
	case irc.Idle:
		s.store.ApplyWhoisFact(state.WhoisUpdate{Nick: f.Nick, HasIdle: true, Idle: f.IdleSeconds, Logon: f.Signon})

	case irc.MonitorOnline:
		for _, t := range f.Targets {
			s.store.ApplyMonitorFact(t.Nick, true, t.Account)
		}
	case irc.MonitorOffline:
		for _, nick := range f.Nicks {
			s.store.ApplyMonitorFact(nick, false, "")
		}
	case irc.Account:
		s.store.ApplyAccountFact(f.Nick, f.Account)
	case irc.Away:
		s.store.ApplyAway(f.Nick, f.Message)

	case irc.ErrorReply:
		s.onErrorReply(f)
	case irc.Raw:
		s.onRaw(f)
	}
}

func factName(f irc.Fact) string {
	return strings.ToLower(reflect.TypeOf(f).Name())
}

func (s *Session) onSocketClosed(f irc.SocketClosed) {
	s.transport = nil
	s.cancelReplay()
	s.throttle.Reset()
	s.store.ResetOnDisconnect()
	metrics.SessionsConnected.WithLabelValues(s.user, s.cfg.Name).Set(0)

	// a nick taken by a fallback during registration reverts to the
	// configured one for the next attempt
	if s.keepNick != "" {
		s.store.SetNick(s.keepNick)
		s.emit(events.EventNick, 0, state.NickChanged{Nick: s.keepNick})
		s.keepNick = ""
	}

	switch {
	case errors.Is(f.Err, irc.ErrConnectionLost):
		s.log.Warn().Err(f.Err).Msg("Connection closed")
		s.lobby(state.MessageError, "Connection closed unexpectedly: "+f.Err.Error())
	case f.Err != nil:
		s.log.Warn().Err(f.Err).Msg("Connection failed")
		s.lobby(state.MessageError, "Socket error: "+f.Err.Error())
	default:
		s.log.Info().Msg("Connection closed")
	}

	if s.requested || s.isClosing() {
		s.requested = true
		s.lobby(state.MessageStatus, "Disconnected from the network, and will not reconnect. Use /connect to reconnect again.")
		s.setPhase(PhaseDisconnected)
		return
	}
	s.scheduleReconnect()
}

func (s *Session) onRegistered(f irc.Registered) {
	s.attempt = 0
	s.cancelBackoff()

	if !strings.EqualFold(f.Nick, s.store.Nick()) && s.keepNick == "" {
		s.keepNick = s.store.Nick()
	}
	s.store.SetNick(f.Nick)
	s.emit(events.EventNick, 0, state.NickChanged{Nick: f.Nick})

	s.setCaps(f.Caps)
	s.setPhase(PhaseRegistered)
	if len(f.Caps) > 0 {
		s.lobby(state.MessageStatus, "Enabled capabilities: "+strings.Join(f.Caps, ", "))
	}
	metrics.SessionsConnected.WithLabelValues(s.user, s.cfg.Name).Set(1)
	s.log.Info().Str("nick", f.Nick).Strs("caps", f.Caps).Msg("Registered")

	if !s.caps["monitor-notify"] {
		s.sendNow("CAP REQ :monitor-notify")
	}
	s.restoreAway()
	s.replaySteps()
}

func (s *Session) onServerOptions(f irc.ServerOptions) {
	s.statusMu.Lock()
	s.options = f
	s.statusMu.Unlock()
	s.store.SetServerOptions(f)
	s.throttle.SetServer(f, s.store.Fold)

	s.emit(events.EventNetworkOptions, 0, OptionsPayload(f))

	if f.Monitor != 0 {
		// re-sync the server side list with the nicks we currently track
		s.sendNow("MONITOR C")
		for _, nick := range s.trackedNicks() {
			s.throttle.Monitor("+", nick)
		}
	}
}

// OptionsPayload is the client view of ISUPPORT, as sent in network:options.
func OptionsPayload(f irc.ServerOptions) map[string]interface{} {
	payload := map[string]interface{}{
		"PREFIX":      prefixString(f.Prefix),
		"CHANTYPES":   f.ChanTypes,
		"CHANMODES":   f.ChanModes,
		"NETWORK":     f.Network,
		"CASEMAPPING": f.CaseMapping,
		"WHOX":        f.WHOX,
	}
	if f.Monitor != 0 {
		payload["MONITOR"] = f.Monitor
	}
	return payload
}

// trackedNicks lists every nick in any roster except our own.
func (s *Session) trackedNicks() []string {
	seen := make(map[string]bool)
	var nicks []string
	self := s.store.Fold(s.store.Nick())
	for _, c := range s.store.Channels() {
		for _, u := range c.Users {
			key := s.store.Fold(u.Nick)
			if key == self || seen[key] {
				continue
			}
			seen[key] = true
			nicks = append(nicks, u.Nick)
		}
	}
	return nicks
}

// prefixString renders PREFIX back in its ISUPPORT form, e.g. (ov)@+.
func prefixString(prefix []irc.PrefixMode) string {
	modes := make([]byte, 0, len(prefix))
	symbols := make([]byte, 0, len(prefix))
	for _, p := range prefix {
		modes = append(modes, p.Mode)
		symbols = append(symbols, p.Symbol)
	}
	return "(" + string(modes) + ")" + string(symbols)
}

func (s *Session) onMode(f irc.Mode) {
	if s.store.IsChannelName(f.Target) {
		s.store.ApplyMode(f.Target, f.Setter, f.Modes, f.Args, f.Time)
		return
	}
	text := strings.TrimSpace(f.Modes + " " + strings.Join(f.Args, " "))
	s.store.AppendLobby(state.Message{Time: f.Time, Type: state.MessageMode, From: f.Setter, Text: text})
}

func (s *Session) isSelf(nick string) bool {
	return s.store.Fold(nick) == s.store.Fold(s.store.Nick())
}

func (s *Session) onMessage(f irc.Message) {
	typ := state.MessageText
	switch {
	case f.Action:
		typ = state.MessageAction
	case f.Notice:
		typ = state.MessageNotice
	}
	self := f.From != "" && s.isSelf(f.From)
	msg := state.Message{Time: f.Time, Type: typ, From: f.From, Self: self, Text: f.Text}
	if hm := f.Ident + "@" + f.Host; f.Ident != "" && f.Host != "" {
		msg.Payload = map[string]interface{}{"hostmask": hm}
	}

	target := f.Target
	if !s.store.IsChannelName(target) {
		// STATUSMSG targets such as @#chan
		target = strings.TrimLeft(target, "~@%+")
	}
	switch {
	case s.store.IsChannelName(target):
		s.store.AppendMessage(target, msg)
	case f.Ident == "" && (f.From == "" || strings.Contains(f.From, ".")):
		// server notices
		s.store.AppendLobby(msg)
	default:
		peer := f.From
		if self {
			peer = f.Target
		}
		if _, ok := s.store.Channel(peer); !ok {
			if f.Notice {
				s.store.AppendLobby(msg)
				return
			}
			s.store.CreateChannel(peer, state.KindQuery, "", false)
		}
		s.store.AppendMessage(peer, msg)
	}
}

func (s *Session) onUserList(f irc.UserList) {
	entries := make([]state.RosterEntry, 0, len(f.Users))
	for _, u := range f.Users {
		entries = append(entries, state.RosterEntry{Nick: u.Nick, Modes: string(u.Modes), Ident: u.Ident, Host: u.Host})
	}
	s.store.ApplyRosterSnapshot(f.Channel, entries)
}

func (s *Session) onWho(f irc.Who) {
	s.throttle.WhoDone(f.Target)
	key := s.store.Fold(f.Target)
	requested := s.userWho[key]
	delete(s.userWho, key)

	if f.Err {
		if requested {
			s.lobby(state.MessageError, "No such nick or channel: "+f.Target)
		} else {
			s.log.Debug().Str("target", f.Target).Msg("WHO rejected")
		}
		return
	}

	updates := make([]state.WhoUpdate, 0, len(f.Users))
	for _, u := range f.Users {
		updates = append(updates, state.WhoUpdate{
			Nick:       u.Nick,
			Ident:      u.Ident,
			Host:       u.Host,
			Flags:      u.Flags,
			Account:    u.Account,
			HasAccount: u.HasAccount,
			Realname:   u.Realname,
		})
	}
	s.store.ApplyWho(updates)

	if !requested {
		return
	}
	lines := make([]string, 0, len(f.Users))
	for _, u := range f.Users {
		lines = append(lines, fmt.Sprintf("%s (%s@%s) %s: %s", u.Nick, u.Ident, u.Host, u.Flags, u.Realname))
	}
	msg := state.Message{Type: state.MessageWho, Text: strings.Join(lines, "\n"), Payload: map[string]interface{}{"target": f.Target, "users": f.Users}}
	if _, ok := s.store.Channel(f.Target); !ok {
		if s.store.IsChannelName(f.Target) {
			// a query named like a channel would shadow a later JOIN
			s.store.AppendLobby(msg)
			return
		}
		s.store.CreateChannel(f.Target, state.KindQuery, "", false)
	}
	s.store.AppendMessage(f.Target, msg)
}

// onWhois shows a WHOIS/WHOWAS reply in a query with the nick, creating it
// when needed, and merges the live fields into rosters.
func (s *Session) onWhois(w irc.WhoisInfo, typ state.MessageType, open bool) {
	if w.Err {
		s.lobby(state.MessageError, "No such nick: "+w.Nick)
		return
	}
	if typ == state.MessageWhois {
		s.store.ApplyWhoisFact(state.WhoisUpdate{
			Nick:     w.Nick,
			Ident:    w.Ident,
			Host:     w.Host,
			Realname: w.Realname,
			Account:  w.Account,
			HasIdle:  w.HasIdle,
			Idle:     w.Idle,
			Logon:    w.Logon,
		})
	}
	if _, ok := s.store.Channel(w.Nick); !ok {
		s.store.CreateChannel(w.Nick, state.KindQuery, "", open)
	}
	s.store.AppendMessage(w.Nick, state.Message{Type: typ, From: w.Nick, Text: whoisText(w), Payload: map[string]interface{}{string(typ): w}})
}

func whoisText(w irc.WhoisInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s@%s): %s", w.Nick, w.Ident, w.Host, w.Realname)
	if w.Account != "" {
		fmt.Fprintf(&b, "\nlogged in as %s", w.Account)
	}
	if len(w.Channels) > 0 {
		fmt.Fprintf(&b, "\nchannels: %s", strings.Join(w.Channels, " "))
	}
	if w.Server != "" {
		fmt.Fprintf(&b, "\nserver: %s (%s)", w.Server, w.ServerInfo)
	}
	if w.Operator {
		b.WriteString("\nis an IRC operator")
	}
	if w.Secure {
		b.WriteString("\nis using a secure connection")
	}
	if w.HasIdle {
		fmt.Fprintf(&b, "\nidle %ds", w.Idle)
	}
	return b.String()
}

func (s *Session) onErrorReply(f irc.ErrorReply) {
	text := f.Text
	if f.Target != "" {
		text = f.Target + ": " + f.Text
	}
	if f.Target != "" && s.store.IsChannelName(f.Target) {
		if _, ok := s.store.Channel(f.Target); ok {
			s.store.AppendMessage(f.Target, state.Message{Type: state.MessageError, Text: text})
			return
		}
	}
	s.lobby(state.MessageError, text)
}

var silentCommands = map[string]bool{
	"PING": true, "PONG": true, "CAP": true, "AUTHENTICATE": true,
	"900": true, "903": true, "904": true, "905": true, "906": true, "907": true,
	"004": true, "005": true, "324": true, "329": true, "333": true, "366": true,
}

func (s *Session) onRaw(f irc.Raw) {
	if silentCommands[f.Command] {
		return
	}
	if isNumeric(f.Command) && len(f.Params) > 0 {
		s.lobby(state.MessageStatus, f.Params[len(f.Params)-1])
		return
	}
	s.lobby(state.MessageRaw, f.Line)
}

func isNumeric(command string) bool {
	if len(command) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if command[i] < '0' || command[i] > '9' {
			return false
		}
	}
	return true
}

// debug query names per raw line category
var rawChannelNames = map[string]string{
	rawlog.General: "Raw IRC",
	rawlog.Ping:    "Debug: Ping",
	rawlog.MOTD:    "Debug: MOTD",
	rawlog.Lists:   "Debug: Lists",
	rawlog.CTCP:    "Debug: CTCP",
}

func (s *Session) ensureRawChannels() {
	if s.rawChannels != nil {
		return
	}
	s.rawChannels = make(map[string]string, len(rawlog.Categories))
	for _, category := range rawlog.Categories {
		name := rawChannelNames[category]
		s.store.CreateChannel(name, state.KindQuery, "", false)
		s.rawChannels[category] = name
	}
}

// mirrorRaw copies a protocol line into its debug channel. It runs on the
// transport or the loop goroutine, so it only hands the line over.
func (s *Session) mirrorRaw(dir rawlog.Direction, line string) {
	if !s.cfg.RawChannels {
		return
	}
	category := rawlog.General
	if dir == rawlog.Incoming || dir == rawlog.Outgoing {
		category = rawlog.Category(line)
	}
	s.tryEnqueue(func() {
		name, ok := s.rawChannels[category]
		if !ok {
			return
		}
		// a closed debug query stays closed
		if _, ok := s.store.Channel(name); !ok {
			return
		}
		s.store.AppendMessage(name, state.Message{Type: state.MessageRaw, Text: string(dir) + " " + line})
	})
}
