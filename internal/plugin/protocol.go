package plugin

// JSON-RPC 2.0 messages exchanged with plugin processes, one per line.

// Request is a JSON-RPC request, or a notification when ID is nil.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Methods used on the wire.
const (
	MethodInitialize = "initialize"
	MethodEvent      = "event"
	MethodInput      = "input"
)

// InitializeParams is sent once after the process starts.
type InitializeParams struct {
	Version string                 `json:"version"`
	User    string                 `json:"user"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// InitializeResult is the plugin's answer to initialize. Events lists the
// event types it wants; "*" means every client-visible event.
type InitializeResult struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// EventParams is the payload of an event notification.
type EventParams struct {
	Type      string      `json:"type"`
	Network   string      `json:"network,omitempty"`
	ChannelID int64       `json:"chan,omitempty"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// InputParams is a line a plugin asks the relay to run, as if typed into
// the named channel of a network. An empty channel means the lobby.
type InputParams struct {
	Network string `json:"network"`
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}
