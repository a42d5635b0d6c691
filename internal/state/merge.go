package state

import (
	"sort"
	"strings"
	"time"

	"github.com/matt0x6f/cascade-relay/internal/casemap"
	"github.com/matt0x6f/cascade-relay/internal/irc"
)

// RosterEntry is one NAMES entry. Modes holds membership symbols.
type RosterEntry struct {
	Nick  string
	Modes string
	Ident string
	Host  string
}

// WhoUpdate is one user line of a WHO reply.
type WhoUpdate struct {
	Nick       string
	Ident      string
	Host       string
	Flags      string
	Account    string
	HasAccount bool
	Realname   string
}

// WhoisUpdate is the subset of a WHOIS reply merged into rosters.
type WhoisUpdate struct {
	Nick     string
	Ident    string
	Host     string
	Realname string
	Account  string
	HasIdle  bool
	Idle     int64
	Logon    int64
}

func hostmask(ident, host string) string {
	if ident == "" || host == "" {
		return ""
	}
	return ident + "@" + host
}

// mergeWho applies a WHO line and reports whether a tracked field changed.
// The first WHO seen for a user always counts as a change.
func mergeWho(u *User, w WhoUpdate) bool {
	away := strings.ContainsRune(w.Flags, 'G')

	changed := !u.WhoSeen || u.Away != away || u.Realname != w.Realname
	if w.HasAccount && u.Account != w.Account {
		changed = true
	}
	if hm := hostmask(w.Ident, w.Host); hm != "" && hm != u.Hostmask {
		u.Hostmask = hm
		changed = true
	}

	u.WhoSeen = true
	u.Away = away
	u.Realname = w.Realname
	u.LastFlags = w.Flags
	if w.HasAccount {
		u.Account = w.Account
	}
	return changed
}

// idleSnapshot derives absolute times from WHOIS relative seconds.
func idleSnapshot(idle, logon int64, now time.Time) *IdleSnapshot {
	return &IdleSnapshot{
		Seconds:    idle,
		IdleSince:  now.Add(-time.Duration(idle) * time.Second),
		Logon:      time.Unix(logon, 0),
		CapturedAt: now,
	}
}

func mergeWhois(u *User, w WhoisUpdate, now time.Time) {
	if hm := hostmask(w.Ident, w.Host); hm != "" {
		u.Hostmask = hm
	}
	if w.Realname != "" {
		u.Realname = w.Realname
	}
	if w.Account != "" {
		u.Account = w.Account
	}
	if w.HasIdle {
		u.Idle = idleSnapshot(w.Idle, w.Logon, now)
	}
}

// mergeMonitor records a MONITOR report. Going offline keeps the last away
// state; coming online resets it.
func mergeMonitor(u *User, online bool, account string) bool {
	prev := u.Monitor
	next := &MonitorStatus{Online: online}
	if !online && prev != nil {
		next.Away = prev.Away
	}
	changed := prev == nil || *prev != *next
	u.Monitor = next
	if online && account != "" && u.Account != account {
		u.Account = account
		changed = true
	}
	return changed
}

func mergeAccount(u *User, account string) bool {
	if u.Account == account {
		return false
	}
	u.Account = account
	return true
}

func mergeAway(u *User, message string) bool {
	away := message != ""
	changed := u.Away != away
	u.Away = away
	if u.Monitor != nil && u.Monitor.Away != away {
		u.Monitor.Away = away
		changed = true
	}
	return changed
}

// rebuildRoster replaces a roster with a NAMES snapshot, carrying cached
// metadata over for nicks already present. Membership modes come from the
// snapshot only.
func rebuildRoster(old map[string]*User, entries []RosterEntry, fold casemap.Mapping, prefix []irc.PrefixMode) map[string]*User {
	users := make(map[string]*User, len(entries))
	for _, e := range entries {
		key := fold(e.Nick)
		nu := &User{Nick: e.Nick}
		if prev, ok := old[key]; ok {
			nu.Hostmask = prev.Hostmask
			nu.Account = prev.Account
			nu.Away = prev.Away
			nu.Realname = prev.Realname
			nu.WhoSeen = prev.WhoSeen
			nu.LastFlags = prev.LastFlags
			nu.Idle = prev.Idle
			nu.Monitor = prev.Monitor
		}
		if hm := hostmask(e.Ident, e.Host); hm != "" {
			nu.Hostmask = hm
		}
		nu.Modes = normalizeModes(e.Modes, prefix)
		users[key] = nu
	}
	return users
}

// normalizeModes orders membership symbols by rank, dropping unknown ones
// and duplicates.
func normalizeModes(symbols string, prefix []irc.PrefixMode) string {
	var b strings.Builder
	for _, p := range prefix {
		if strings.IndexByte(symbols, p.Symbol) >= 0 {
			b.WriteByte(p.Symbol)
		}
	}
	return b.String()
}

func prefixSymbol(prefix []irc.PrefixMode, mode byte) (byte, bool) {
	for _, p := range prefix {
		if p.Mode == mode {
			return p.Symbol, true
		}
	}
	return 0, false
}

// applyModeChange updates membership modes from a channel MODE line and
// returns whether any roster entry changed. chanModes is the CHANMODES
// value, used to skip the arguments of non-membership modes.
func applyModeChange(users map[string]*User, fold casemap.Mapping, prefix []irc.PrefixMode, chanModes, modes string, args []string) bool {
	groups := strings.SplitN(chanModes, ",", 4)
	for len(groups) < 4 {
		groups = append(groups, "")
	}

	adding := true
	next := 0
	changed := false
	for i := 0; i < len(modes); i++ {
		m := modes[i]
		switch m {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}

		if sym, ok := prefixSymbol(prefix, m); ok {
			if next >= len(args) {
				continue
			}
			nick := args[next]
			next++
			u, ok := users[fold(nick)]
			if !ok {
				continue
			}
			updated := u.Modes
			if adding {
				updated = normalizeModes(u.Modes+string(sym), prefix)
			} else {
				updated = strings.ReplaceAll(u.Modes, string(sym), "")
			}
			if updated != u.Modes {
				u.Modes = updated
				changed = true
			}
			continue
		}

		switch {
		case strings.IndexByte(groups[0], m) >= 0, strings.IndexByte(groups[1], m) >= 0:
			next++
		case strings.IndexByte(groups[2], m) >= 0 && adding:
			next++
		}
	}
	return changed
}

func sortUsers(users []User) {
	sort.Slice(users, func(i, j int) bool {
		return strings.ToLower(users[i].Nick) < strings.ToLower(users[j].Nick)
	})
}

// mentions reports whether text contains nick as a whole word.
func mentions(text, nick string, fold casemap.Mapping) bool {
	if nick == "" {
		return false
	}
	ft, fn := fold(text), fold(nick)
	for start := 0; ; {
		i := strings.Index(ft[start:], fn)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(fn)
		if (i == 0 || !isNickChar(ft[i-1])) && (end == len(ft) || !isNickChar(ft[end])) {
			return true
		}
		start = i + 1
	}
}

func isNickChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' ||
		strings.IndexByte("-_[]{}\\|^`", b) >= 0
}
