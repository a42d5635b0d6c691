package fanout

import (
	"sync"

	"github.com/google/uuid"
	"github.com/matt0x6f/cascade-relay/internal/constants"
	"github.com/matt0x6f/cascade-relay/internal/events"
)

// Attachment is one attached device. It owns no IRC state, only a view
// filter: the active network/channel and a set of muted channels.
type Attachment struct {
	id   string
	send chan events.Event

	mu            sync.Mutex
	activeNetwork string
	activeChannel int64
	muted         map[int64]bool
	seen          map[string]uint64
	closed        bool
}

// NewAttachment creates an attachment with a queue of the given size.
func NewAttachment(buffer int) *Attachment {
	if buffer <= 0 {
		buffer = constants.AttachmentBufferSize
	}
	return &Attachment{
		id:    uuid.New().String(),
		send:  make(chan events.Event, buffer),
		muted: make(map[int64]bool),
		seen:  make(map[string]uint64),
	}
}

// ID returns the attachment id.
func (a *Attachment) ID() string {
	return a.id
}

// Events is closed once the attachment is detached.
func (a *Attachment) Events() <-chan events.Event {
	return a.send
}

// SetActive records the channel the device currently shows.
func (a *Attachment) SetActive(network string, channel int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeNetwork, a.activeChannel = network, channel
}

// Active returns the channel the device currently shows.
func (a *Attachment) Active() (network string, channel int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeNetwork, a.activeChannel
}

// SetMuted mutes or unmutes a channel for this device.
func (a *Attachment) SetMuted(channel int64, muted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if muted {
		a.muted[channel] = true
	} else {
		delete(a.muted, channel)
	}
}

// Muted reports whether a channel is muted for this device.
func (a *Attachment) Muted(channel int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.muted[channel]
}

// SkipThrough marks every event of the network numbered up to seq as
// already delivered, because the init snapshot included its change.
func (a *Attachment) SkipThrough(network string, seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq > a.seen[network] {
		a.seen[network] = seq
	}
}

// offer queues an event without blocking. It reports false when the queue
// is full or the attachment is closed.
func (a *Attachment) offer(e events.Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	if e.Seq != 0 && e.Seq <= a.seen[e.NetworkID] {
		return true
	}
	select {
	case a.send <- e:
		return true
	default:
		return false
	}
}

func (a *Attachment) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.send)
	}
}
