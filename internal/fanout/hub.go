// Package fanout delivers network events to every device attached to a user.
package fanout

import (
	"sync"

	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/matt0x6f/cascade-relay/internal/metrics"
	"github.com/rs/zerolog"
)

// DetachFunc runs after an attachment left the hub; remaining is the number
// of attachments still present.
type DetachFunc func(a *Attachment, remaining int)

// Hub holds the attachments of one user. Publish, Attach and Detach are
// serialized by one lock, so every attachment sees events in publish order
// and an attach never interleaves with a publish.
type Hub struct {
	log zerolog.Logger

	mu          sync.Mutex
	attachments map[string]*Attachment
	onDetach    []DetachFunc
}

// NewHub creates an empty hub.
func NewHub(user string) *Hub {
	return &Hub{
		log:         logger.With("fanout").With().Str("user", user).Logger(),
		attachments: make(map[string]*Attachment),
	}
}

// OnDetach registers a hook run after every detach.
func (h *Hub) OnDetach(fn DetachFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDetach = append(h.onDetach, fn)
}

// Attach registers a device. snapshot, if set, is called under the hub lock
// and its events are queued before any event published after the attach.
// It returns the number of attachments including this one.
func (h *Hub) Attach(a *Attachment, snapshot func() []events.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if snapshot != nil {
		for _, e := range snapshot() {
			if !a.offer(e) {
				h.log.Warn().Str("attachment", a.id).Msg("Snapshot larger than attachment buffer")
				break
			}
		}
	}
	h.attachments[a.id] = a
	metrics.Attachments.Inc()
	h.log.Debug().Str("attachment", a.id).Int("count", len(h.attachments)).Msg("Client attached")
	return len(h.attachments)
}

// Detach removes a device and closes its queue.
func (h *Hub) Detach(a *Attachment) {
	h.mu.Lock()
	remaining, ok := h.removeLocked(a)
	hooks := append([]DetachFunc(nil), h.onDetach...)
	h.mu.Unlock()

	if ok {
		h.detached(a, remaining, hooks)
	}
}

// removeLocked drops and closes an attachment while the hub lock is held,
// so no later publish can reach it.
func (h *Hub) removeLocked(a *Attachment) (int, bool) {
	if _, ok := h.attachments[a.id]; !ok {
		return len(h.attachments), false
	}
	delete(h.attachments, a.id)
	a.close()
	return len(h.attachments), true
}

func (h *Hub) detached(a *Attachment, remaining int, hooks []DetachFunc) {
	metrics.Attachments.Dec()
	h.log.Debug().Str("attachment", a.id).Int("count", remaining).Msg("Client detached")
	for _, fn := range hooks {
		fn(a, remaining)
	}
}

// Publish delivers an event to every attachment. An attachment whose queue
// is full is detached instead of blocking everyone else.
func (h *Hub) Publish(e events.Event) {
	type drop struct {
		a         *Attachment
		remaining int
	}

	h.mu.Lock()
	var dropped []drop
	for _, a := range h.attachments {
		if !a.offer(e) {
			remaining, _ := h.removeLocked(a)
			dropped = append(dropped, drop{a, remaining})
		}
	}
	hooks := append([]DetachFunc(nil), h.onDetach...)
	h.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(e.Type).Inc()
	for _, d := range dropped {
		h.log.Warn().Str("attachment", d.a.id).Str("event", e.Type).Msg("Dropping slow client")
		metrics.AttachmentsDropped.Inc()
		h.detached(d.a, d.remaining, hooks)
	}
}

// OnEvent forwards client-visible bus events.
func (h *Hub) OnEvent(e events.Event) {
	if events.ClientVisible(e.Type) {
		h.Publish(e)
	}
}

// Count returns the number of attachments.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.attachments)
}

// Has reports whether an attachment is present.
func (h *Hub) Has(a *Attachment) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.attachments[a.id]
	return ok
}
