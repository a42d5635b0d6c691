package irc

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/matt0x6f/cascade-relay/internal/casemap"
)

// WHOXToken tags our WHOX requests so 354 replies can be matched.
const WHOXToken = "152"

// WHOXFields is the field selector sent with WHOX requests; decodeWhox
// expects replies in exactly this order.
const WHOXFields = "%tcuhnfar"

// Decoder turns raw messages from one connection into facts. Multi-line
// replies (NAMES, WHO, WHOIS, WHOWAS, ISUPPORT) are accumulated and emitted
// once complete. A Decoder is not safe for concurrent use and must be
// discarded with its connection.
type Decoder struct {
	now func() time.Time

	connected bool
	caps      map[string]bool
	options   ServerOptions
	isupport  bool

	names   map[string]*UserList
	who     []WhoEntry
	whoErr  map[string]bool
	whoReq  map[string]bool
	whois   map[string]*WhoisInfo
	whoisQ  map[string]bool
	whowas  map[string]*WhoisInfo
	whowasQ map[string]bool
}

// NewDecoder creates a decoder with rfc1459 casemapping and default prefixes.
func NewDecoder() *Decoder {
	return &Decoder{
		now:     time.Now,
		caps:    make(map[string]bool),
		options: ServerOptions{Prefix: DefaultPrefix, ChanTypes: "#&", ChanModes: DefaultChanModes},
		names:   make(map[string]*UserList),
		whoErr:  make(map[string]bool),
		whoReq:  make(map[string]bool),
		whois:   make(map[string]*WhoisInfo),
		whoisQ:  make(map[string]bool),
		whowas:  make(map[string]*WhoisInfo),
		whowasQ: make(map[string]bool),
	}
}

func (d *Decoder) fold(name string) string {
	return casemap.ByName(d.options.CaseMapping)(name)
}

// Caps returns the currently enabled capabilities, sorted.
func (d *Decoder) Caps() []string {
	caps := make([]string, 0, len(d.caps))
	for c := range d.caps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// Sent records an outbound line so error numerics can be attributed to the
// WHO/WHOIS/WHOWAS request that caused them.
func (d *Decoder) Sent(line string) {
	msg, err := ircmsg.ParseLine(line)
	if err != nil || len(msg.Params) == 0 {
		return
	}
	switch strings.ToUpper(msg.Command) {
	case "WHO":
		d.whoReq[d.fold(msg.Params[0])] = true
	case "WHOIS":
		d.whoisQ[d.fold(msg.Params[len(msg.Params)-1])] = true
	case "WHOWAS":
		d.whowasQ[d.fold(msg.Params[0])] = true
	}
}

// Decode consumes one incoming message.
func (d *Decoder) Decode(msg ircmsg.Message) []Fact {
	var facts []Fact
	if !d.connected {
		d.connected = true
		facts = append(facts, SocketConnected{})
	}
	if d.isupport && msg.Command != "005" {
		d.isupport = false
		facts = append(facts, d.serverOptions())
	}
	return append(facts, d.decode(msg)...)
}

func (d *Decoder) serverOptions() ServerOptions {
	opts := d.options
	opts.Prefix = append([]PrefixMode(nil), d.options.Prefix...)
	return opts
}

func (d *Decoder) decode(msg ircmsg.Message) []Fact {
	nick, ident, host := splitSource(msg.Source)
	ts := d.timeOf(msg)

	switch msg.Command {
	case "001":
		return []Fact{Registered{Nick: param(msg, 0), Caps: d.Caps()}}
	case "CAP":
		if d.handleCap(msg) {
			return []Fact{CapsChanged{Caps: d.Caps()}}
		}
		return nil
	case "005":
		d.handleISupport(msg)
		return nil
	case "JOIN":
		j := Join{Nick: nick, Channel: param(msg, 0), Ident: ident, Host: host, Time: ts}
		if len(msg.Params) >= 3 {
			j.Account = normalizeAccount(msg.Params[1])
			j.Gecos = msg.Params[2]
		} else if ok, acct := msg.GetTag("account"); ok {
			j.Account = acct
		}
		return []Fact{j}
	case "PART":
		return []Fact{Part{Nick: nick, Channel: param(msg, 0), Reason: param(msg, 1), Time: ts}}
	case "KICK":
		return []Fact{Kick{Channel: param(msg, 0), Target: param(msg, 1), Kicker: nick, Reason: param(msg, 2), Time: ts}}
	case "QUIT":
		return []Fact{Quit{Nick: nick, Reason: param(msg, 0), Time: ts}}
	case "NICK":
		return []Fact{NickChange{Old: nick, New: param(msg, 0), Time: ts}}
	case "TOPIC":
		return []Fact{Topic{Channel: param(msg, 0), Topic: param(msg, 1), SetBy: nick, Time: ts}}
	case "332":
		return []Fact{Topic{Channel: param(msg, 1), Topic: param(msg, 2), Time: ts}}
	case "MODE":
		var args []string
		if len(msg.Params) > 2 {
			args = append(args, msg.Params[2:]...)
		}
		return []Fact{Mode{Setter: nick, Target: param(msg, 0), Modes: param(msg, 1), Args: args, Time: ts}}
	case "PRIVMSG", "NOTICE":
		return d.decodeMessage(msg, nick, ident, host, ts)
	case "ACCOUNT":
		return []Fact{Account{Nick: nick, Account: normalizeAccount(param(msg, 0))}}
	case "AWAY":
		return []Fact{Away{Nick: nick, Message: param(msg, 0)}}
	case "353":
		d.handleNames(msg)
		return nil
	case "366":
		key := d.fold(param(msg, 1))
		list, ok := d.names[key]
		if !ok {
			list = &UserList{Channel: param(msg, 1)}
		}
		delete(d.names, key)
		return []Fact{*list}
	case "352":
		// <me> <channel> <user> <host> <server> <nick> <flags> :<hops> <realname>
		realname := param(msg, 7)
		if i := strings.IndexByte(realname, ' '); i >= 0 {
			realname = realname[i+1:]
		}
		d.who = append(d.who, WhoEntry{
			Nick:     param(msg, 5),
			Ident:    param(msg, 2),
			Host:     param(msg, 3),
			Flags:    param(msg, 6),
			Realname: realname,
		})
		return nil
	case "354":
		if param(msg, 1) != WHOXToken {
			return []Fact{raw(msg)}
		}
		d.who = append(d.who, WhoEntry{
			Ident:    param(msg, 3),
			Host:     param(msg, 4),
			Nick:     param(msg, 5),
			Flags:    param(msg, 6),
			Account:  normalizeAccount(param(msg, 7)),
			Realname: param(msg, 8),

			HasAccount: true,
		})
		return nil
	case "315":
		target := param(msg, 1)
		key := d.fold(target)
		w := Who{Target: target, Users: d.who, Err: d.whoErr[key]}
		d.who = nil
		delete(d.whoErr, key)
		delete(d.whoReq, key)
		return []Fact{w}
	case "311":
		w := d.pendingWhois(param(msg, 1))
		w.Ident, w.Host, w.Realname = param(msg, 2), param(msg, 3), param(msg, 5)
		return nil
	case "314":
		w := d.pendingWhowas(param(msg, 1))
		w.Ident, w.Host, w.Realname = param(msg, 2), param(msg, 3), param(msg, 5)
		return nil
	case "312":
		nick := param(msg, 1)
		var w *WhoisInfo
		if p, ok := d.whowas[d.fold(nick)]; ok {
			w = p
		} else {
			w = d.pendingWhois(nick)
		}
		w.Server, w.ServerInfo = param(msg, 2), param(msg, 3)
		return nil
	case "313":
		d.pendingWhois(param(msg, 1)).Operator = true
		return nil
	case "671":
		d.pendingWhois(param(msg, 1)).Secure = true
		return nil
	case "319":
		w := d.pendingWhois(param(msg, 1))
		w.Channels = append(w.Channels, strings.Fields(param(msg, 2))...)
		return nil
	case "330":
		d.pendingWhois(param(msg, 1)).Account = param(msg, 2)
		return nil
	case "317":
		nick := param(msg, 1)
		idle, err1 := strconv.ParseInt(param(msg, 2), 10, 64)
		logon, err2 := strconv.ParseInt(param(msg, 3), 10, 64)
		if err1 != nil || err2 != nil {
			return []Fact{raw(msg)}
		}
		key := d.fold(nick)
		if _, ok := d.whois[key]; !ok && !d.whoisQ[key] {
			return []Fact{Idle{Nick: nick, IdleSeconds: idle, Signon: logon}}
		}
		// part of a WHOIS reply: delivered with the Whois fact on 318
		w := d.pendingWhois(nick)
		w.Idle, w.Logon, w.HasIdle = idle, logon, true
		return nil
	case "318":
		key := d.fold(param(msg, 1))
		w, ok := d.whois[key]
		delete(d.whois, key)
		delete(d.whoisQ, key)
		if !ok {
			return nil
		}
		return []Fact{Whois{WhoisInfo: *w}}
	case "369":
		key := d.fold(param(msg, 1))
		w, ok := d.whowas[key]
		delete(d.whowas, key)
		delete(d.whowasQ, key)
		if !ok {
			return nil
		}
		return []Fact{Whowas{WhoisInfo: *w}}
	case "401":
		target := param(msg, 1)
		key := d.fold(target)
		if d.whoisQ[key] {
			d.pendingWhois(target).Err = true
			return nil
		}
		if d.whoReq[key] {
			d.whoErr[key] = true
			return nil
		}
		return []Fact{errorReply(msg)}
	case "402", "403":
		key := d.fold(param(msg, 1))
		if d.whoReq[key] {
			d.whoErr[key] = true
			return nil
		}
		return []Fact{errorReply(msg)}
	case "406":
		target := param(msg, 1)
		if d.whowasQ[d.fold(target)] {
			d.pendingWhowas(target).Err = true
			return nil
		}
		return []Fact{errorReply(msg)}
	case "730":
		var targets []MonitorTarget
		for _, t := range strings.Split(param(msg, 1), ",") {
			n, _, _ := splitSource(t)
			if n != "" {
				targets = append(targets, MonitorTarget{Nick: n})
			}
		}
		return []Fact{MonitorOnline{Targets: targets}}
	case "731":
		var nicks []string
		for _, t := range strings.Split(param(msg, 1), ",") {
			n, _, _ := splitSource(t)
			if n != "" {
				nicks = append(nicks, n)
			}
		}
		return []Fact{MonitorOffline{Nicks: nicks}}
	}

	if isErrorNumeric(msg.Command) {
		return []Fact{errorReply(msg)}
	}
	return []Fact{raw(msg)}
}

func (d *Decoder) decodeMessage(msg ircmsg.Message, nick, ident, host string, ts time.Time) []Fact {
	text := param(msg, 1)
	m := Message{
		From:   nick,
		Ident:  ident,
		Host:   host,
		Target: param(msg, 0),
		Text:   text,
		Notice: msg.Command == "NOTICE",
		Time:   ts,
	}
	if len(text) >= 2 && text[0] == '\x01' {
		body := strings.TrimSuffix(text[1:], "\x01")
		if rest, ok := strings.CutPrefix(body, "ACTION"); ok && !m.Notice {
			m.Action = true
			m.Text = strings.TrimPrefix(rest, " ")
			return []Fact{m}
		}
		// Other CTCP traffic is left to the transport.
		return []Fact{raw(msg)}
	}
	return []Fact{m}
}

// handleCap tracks the enabled capability set and reports whether it was
// an ACK or DEL.
func (d *Decoder) handleCap(msg ircmsg.Message) bool {
	if len(msg.Params) < 3 {
		return false
	}
	sub := strings.ToUpper(msg.Params[1])
	list := msg.Params[len(msg.Params)-1]
	switch sub {
	case "ACK":
		for _, c := range strings.Fields(list) {
			if name, ok := strings.CutPrefix(c, "-"); ok {
				delete(d.caps, capName(name))
			} else {
				d.caps[capName(c)] = true
			}
		}
	case "DEL":
		for _, c := range strings.Fields(list) {
			delete(d.caps, capName(c))
		}
	default:
		return false
	}
	return true
}

func (d *Decoder) handleISupport(msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	d.isupport = true
	// the first param is our nick, the last one the "are supported" text
	for _, tok := range msg.Params[1 : len(msg.Params)-1] {
		key, value, _ := strings.Cut(tok, "=")
		switch strings.ToUpper(key) {
		case "PREFIX":
			if p := parsePrefix(value); p != nil {
				d.options.Prefix = p
			}
		case "CHANTYPES":
			d.options.ChanTypes = value
		case "CHANMODES":
			d.options.ChanModes = value
		case "NETWORK":
			d.options.Network = value
		case "CASEMAPPING":
			d.options.CaseMapping = value
		case "MONITOR":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				n = -1 // unlimited
			}
			d.options.Monitor = n
		case "WHOX":
			d.options.WHOX = true
		}
	}
}

func (d *Decoder) handleNames(msg ircmsg.Message) {
	// <me> <symbol> <channel> :<names>
	channel := param(msg, 2)
	key := d.fold(channel)
	list, ok := d.names[key]
	if !ok {
		list = &UserList{Channel: channel}
		d.names[key] = list
	}
	for _, name := range strings.Fields(param(msg, 3)) {
		var modes []byte
		for len(name) > 0 && d.isPrefixSymbol(name[0]) {
			modes = append(modes, name[0])
			name = name[1:]
		}
		if name == "" {
			continue
		}
		n, ident, host := splitSource(name)
		list.Users = append(list.Users, NamesEntry{Nick: n, Modes: modes, Ident: ident, Host: host})
	}
}

func (d *Decoder) isPrefixSymbol(b byte) bool {
	for _, p := range d.options.Prefix {
		if p.Symbol == b {
			return true
		}
	}
	return false
}

func (d *Decoder) pendingWhois(nick string) *WhoisInfo {
	key := d.fold(nick)
	w, ok := d.whois[key]
	if !ok {
		w = &WhoisInfo{Nick: nick}
		d.whois[key] = w
	}
	return w
}

func (d *Decoder) pendingWhowas(nick string) *WhoisInfo {
	key := d.fold(nick)
	w, ok := d.whowas[key]
	if !ok {
		w = &WhoisInfo{Nick: nick}
		d.whowas[key] = w
	}
	return w
}

func (d *Decoder) timeOf(msg ircmsg.Message) time.Time {
	if ok, v := msg.GetTag("time"); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return d.now()
}

// parsePrefix parses "(ov)@+" into mode/symbol pairs.
func parsePrefix(value string) []PrefixMode {
	if !strings.HasPrefix(value, "(") {
		return nil
	}
	closeParen := strings.IndexByte(value, ')')
	if closeParen < 0 {
		return nil
	}
	modes, symbols := value[1:closeParen], value[closeParen+1:]
	if len(modes) != len(symbols) {
		return nil
	}
	prefix := make([]PrefixMode, len(modes))
	for i := range modes {
		prefix[i] = PrefixMode{Mode: modes[i], Symbol: symbols[i]}
	}
	return prefix
}

// splitSource splits "nick!ident@host"; missing parts are empty.
func splitSource(source string) (nick, ident, host string) {
	nick = source
	if i := strings.IndexByte(nick, '@'); i >= 0 {
		nick, host = nick[:i], nick[i+1:]
	}
	if i := strings.IndexByte(nick, '!'); i >= 0 {
		nick, ident = nick[:i], nick[i+1:]
	}
	return nick, ident, host
}

func capName(c string) string {
	name, _, _ := strings.Cut(c, "=")
	return name
}

func normalizeAccount(account string) string {
	if account == "*" || account == "0" {
		return ""
	}
	return account
}

func param(msg ircmsg.Message, i int) string {
	if i < len(msg.Params) {
		return msg.Params[i]
	}
	return ""
}

func isErrorNumeric(cmd string) bool {
	return len(cmd) == 3 && (cmd[0] == '4' || cmd[0] == '5') &&
		cmd[1] >= '0' && cmd[1] <= '9' && cmd[2] >= '0' && cmd[2] <= '9'
}

func errorReply(msg ircmsg.Message) ErrorReply {
	e := ErrorReply{Code: msg.Command, Text: param(msg, len(msg.Params)-1)}
	if len(msg.Params) > 2 {
		e.Target = msg.Params[1]
	}
	return e
}

func raw(msg ircmsg.Message) Raw {
	line, _ := msg.Line()
	return Raw{
		Command:    msg.Command,
		Params:     append([]string(nil), msg.Params...),
		Line:       strings.TrimRight(line, "\r\n"),
		FromServer: true,
	}
}
