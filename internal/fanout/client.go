package fanout

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/matt0x6f/cascade-relay/internal/state"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Command is a message sent by a device.
type Command struct {
	Type    string `json:"type"`
	Network string `json:"network,omitempty"`
	Channel int64  `json:"chan,omitempty"`
	Text    string `json:"text,omitempty"`
	Muted   bool   `json:"muted,omitempty"`
}

// Command types handled by the client itself; everything else goes to the
// CommandHandler.
const (
	CommandOpen = "open"
	CommandMute = "mute"
)

// CommandHandler executes device commands such as input lines.
type CommandHandler interface {
	HandleCommand(a *Attachment, cmd Command)
}

// outbound is the wire form of an event, with a notification hint derived
// from the device's own view filter.
type outbound struct {
	events.Event
	Notify bool `json:"notify,omitempty"`
}

// Client pumps an attachment over a websocket connection.
type Client struct {
	conn    *websocket.Conn
	hub     *Hub
	att     *Attachment
	handler CommandHandler
	log     zerolog.Logger
}

// NewClient binds a websocket connection to an attachment of hub.
func NewClient(conn *websocket.Conn, hub *Hub, att *Attachment, handler CommandHandler) *Client {
	return &Client{
		conn:    conn,
		hub:     hub,
		att:     att,
		handler: handler,
		log:     logger.With("ws").With().Str("attachment", att.ID()).Logger(),
	}
}

// Run runs the read and write pumps. Call after Attach. Blocks until the
// connection closes, then detaches.
func (c *Client) Run() {
	defer func() {
		c.hub.Detach(c.att)
		_ = c.conn.Close()
	}()
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("ws read error")
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.log.Debug().Err(err).Msg("Ignoring malformed command")
		return
	}
	switch cmd.Type {
	case CommandOpen:
		c.att.SetActive(cmd.Network, cmd.Channel)
	case CommandMute:
		c.att.SetMuted(cmd.Channel, cmd.Muted)
	default:
		if c.handler != nil {
			c.handler.HandleCommand(c.att, cmd)
		}
	}
}

// encode adds the notification hint and marshals an event.
func encode(a *Attachment, e events.Event) ([]byte, error) {
	return json.Marshal(outbound{Event: e, Notify: shouldNotify(a, e)})
}

// shouldNotify is true for highlights and private messages from others in a
// channel the device is not looking at and has not muted.
func shouldNotify(a *Attachment, e events.Event) bool {
	if e.Type != events.EventMessage {
		return false
	}
	msg, ok := e.Data.(state.Message)
	if !ok || msg.Self || !msg.Highlight {
		return false
	}
	network, channel := a.Active()
	if network == e.NetworkID && channel == e.ChannelID {
		return false
	}
	return !a.Muted(e.ChannelID)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-c.att.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := encode(c.att, e)
			if err != nil {
				c.log.Warn().Err(err).Str("event", e.Type).Msg("Failed to encode event")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
