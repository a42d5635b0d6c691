package irc

import "time"

// Fact is a protocol event decoded from the transport. The set of concrete
// types is closed; anything the decoder does not recognize becomes Raw.
type Fact interface {
	isFact()
}

// SocketConnected fires when the first line arrives from a new connection.
type SocketConnected struct{}

// SocketClosed fires once when a connection ends. Err is nil for closes we
// asked for.
type SocketClosed struct {
	Err error
}

// PingTimeout precedes SocketClosed when the server stopped answering.
type PingTimeout struct{}

// Registered is RPL_WELCOME, carrying the capabilities acknowledged so far.
type Registered struct {
	Nick string
	Caps []string
}

// CapsChanged follows every CAP ACK or DEL with the resulting enabled set.
type CapsChanged struct {
	Caps []string
}

// PrefixMode pairs a membership mode letter with its NAMES symbol.
type PrefixMode struct {
	Mode   byte
	Symbol byte
}

// ServerOptions is the merged content of a RPL_ISUPPORT burst.
type ServerOptions struct {
	Prefix      []PrefixMode
	ChanTypes   string
	ChanModes   string // A,B,C,D groups as advertised
	Network     string
	CaseMapping string
	Monitor     int
	WHOX        bool
}

type Join struct {
	Nick    string
	Channel string
	Ident   string
	Host    string
	Account string
	Gecos   string
	Time    time.Time
}

type Part struct {
	Nick    string
	Channel string
	Reason  string
	Time    time.Time
}

type Kick struct {
	Channel string
	Kicker  string
	Target  string
	Reason  string
	Time    time.Time
}

type Quit struct {
	Nick   string
	Reason string
	Time   time.Time
}

type NickChange struct {
	Old  string
	New  string
	Time time.Time
}

type Topic struct {
	Channel string
	Topic   string
	SetBy   string
	Time    time.Time
}

// Mode is a MODE change on a channel or a user.
type Mode struct {
	Setter string
	Target string
	Modes  string
	Args   []string
	Time   time.Time
}

// Message is a PRIVMSG or NOTICE; Action marks a CTCP ACTION.
type Message struct {
	From   string
	Ident  string
	Host   string
	Target string
	Text   string
	Notice bool
	Action bool
	Time   time.Time
}

type NamesEntry struct {
	Nick  string
	Modes []byte // membership symbols, highest first
	Ident string
	Host  string
}

// UserList is a complete NAMES reply for one channel.
type UserList struct {
	Channel string
	Users   []NamesEntry
}

type WhoEntry struct {
	Nick     string
	Ident    string
	Host     string
	Flags    string
	Account  string
	Realname string
	// HasAccount is false for plain WHO replies, which carry no account.
	HasAccount bool
}

// Who is a complete WHO reply. Err is set when the server rejected the target.
type Who struct {
	Target string
	Users  []WhoEntry
	Err    bool
}

type WhoisInfo struct {
	Nick       string
	Ident      string
	Host       string
	Realname   string
	Server     string
	ServerInfo string
	Account    string
	Channels   []string
	Operator   bool
	Secure     bool
	Idle       int64 // seconds
	Logon      int64 // unix seconds
	HasIdle    bool
	Err        bool
}

type Whois struct {
	WhoisInfo
}

type Whowas struct {
	WhoisInfo
}

// Idle is RPL_WHOISIDLE on its own, delivered as soon as it is read.
type Idle struct {
	Nick        string
	IdleSeconds int64
	Signon      int64
}

type MonitorTarget struct {
	Nick    string
	Account string
}

type MonitorOnline struct {
	Targets []MonitorTarget
}

type MonitorOffline struct {
	Nicks []string
}

// Account is account-notify; an empty Account means logged out.
type Account struct {
	Nick    string
	Account string
}

// Away is away-notify; an empty Message means back.
type Away struct {
	Nick    string
	Message string
}

// ErrorReply is a numeric error the decoder has no dedicated fact for.
type ErrorReply struct {
	Code   string
	Target string
	Text   string
}

// Raw is the unrecognized variant.
type Raw struct {
	Command    string
	Params     []string
	Line       string
	FromServer bool
}

func (SocketConnected) isFact() {}
func (SocketClosed) isFact()    {}
func (PingTimeout) isFact()     {}
func (Registered) isFact()      {}
func (CapsChanged) isFact()     {}
func (ServerOptions) isFact()   {}
func (Join) isFact()            {}
func (Part) isFact()            {}
func (Kick) isFact()            {}
func (Quit) isFact()            {}
func (NickChange) isFact()      {}
func (Topic) isFact()           {}
func (Mode) isFact()            {}
func (Message) isFact()         {}
func (UserList) isFact()        {}
func (Who) isFact()             {}
func (Whois) isFact()           {}
func (Whowas) isFact()          {}
func (Idle) isFact()            {}
func (MonitorOnline) isFact()   {}
func (MonitorOffline) isFact()  {}
func (Account) isFact()         {}
func (Away) isFact()            {}
func (ErrorReply) isFact()      {}
func (Raw) isFact()             {}

// DefaultPrefix is used until the server advertises PREFIX.
var DefaultPrefix = []PrefixMode{
	{Mode: 'q', Symbol: '~'},
	{Mode: 'a', Symbol: '&'},
	{Mode: 'o', Symbol: '@'},
	{Mode: 'h', Symbol: '%'},
	{Mode: 'v', Symbol: '+'},
}

// DefaultChanModes is used until the server advertises CHANMODES.
const DefaultChanModes = "beI,k,l,imnpst"
