package fanout

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu   sync.Mutex
	cmds []Command
}

func (h *recordingHandler) HandleCommand(_ *Attachment, cmd Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, cmd)
}

func (h *recordingHandler) commands() []Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Command(nil), h.cmds...)
}

func TestShouldNotify(t *testing.T) {
	a := NewAttachment(1)
	highlight := events.Event{
		Type:      events.EventMessage,
		NetworkID: "n1",
		ChannelID: 5,
		Data:      state.Message{Type: state.MessageText, Highlight: true},
	}

	assert.True(t, shouldNotify(a, highlight))

	a.SetActive("n1", 5)
	assert.False(t, shouldNotify(a, highlight), "active channel")

	a.SetActive("n1", 6)
	a.SetMuted(5, true)
	assert.False(t, shouldNotify(a, highlight), "muted channel")

	a.SetMuted(5, false)
	self := highlight
	self.Data = state.Message{Type: state.MessageText, Highlight: true, Self: true}
	assert.False(t, shouldNotify(a, self))
	assert.False(t, shouldNotify(a, events.Event{Type: events.EventUsers}))
}

func TestClient_RoundTrip(t *testing.T) {
	hub := NewHub("alice")
	handler := &recordingHandler{}
	attached := make(chan *Attachment, 1)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		a := NewAttachment(16)
		hub.Attach(a, nil)
		attached <- a
		NewClient(conn, hub, a, handler).Run()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var a *Attachment
	select {
	case a = <-attached:
	case <-time.After(time.Second):
		t.Fatal("client never attached")
	}

	require.NoError(t, conn.WriteJSON(Command{Type: CommandOpen, Network: "n1", Channel: 9}))
	require.NoError(t, conn.WriteJSON(Command{Type: "input", Network: "n1", Channel: 9, Text: "/join #go"}))

	require.Eventually(t, func() bool { return len(handler.commands()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "/join #go", handler.commands()[0].Text)
	network, channel := a.Active()
	assert.Equal(t, "n1", network)
	assert.Equal(t, int64(9), channel)

	hub.Publish(events.Event{
		Type:      events.EventMessage,
		NetworkID: "n1",
		ChannelID: 4,
		Data:      state.Message{Type: state.MessageText, Text: "hi alice", Highlight: true},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type    string `json:"type"`
		Network string `json:"network"`
		Chan    int64  `json:"chan"`
		Notify  bool   `json:"notify"`
		Data    struct {
			Text string `json:"text"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, events.EventMessage, got.Type)
	assert.Equal(t, "n1", got.Network)
	assert.Equal(t, int64(4), got.Chan)
	assert.True(t, got.Notify)
	assert.Equal(t, "hi alice", got.Data.Text)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 10*time.Millisecond)
}
