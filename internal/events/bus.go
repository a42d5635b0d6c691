package events

import (
	"sync"
	"time"
)

// EventSource represents the source of an event
type EventSource string

const (
	EventSourceIRC    EventSource = "irc"
	EventSourceClient EventSource = "client"
	EventSourceSystem EventSource = "system"
)

// Client-visible event types. These are forwarded to attached clients.
const (
	EventNetworkStatus  = "network:status"
	EventNetworkOptions = "network:options"
	EventNetworkInfo    = "network:info"
	EventChannelCreated = "join"
	EventChannelRemoved = "part"
	EventChannelState   = "channel:state"
	EventChannelTopic   = "topic"
	EventUsers          = "users"
	EventMessage        = "msg"
	EventNick           = "nick"
	EventInit           = "init"
)

// Internal event types, observed by the query throttler only.
const (
	EventUserJoined     = "user.joined"
	EventUserQuit       = "user.quit"
	EventRosterResynced = "roster.resynced"
)

var clientVisible = map[string]bool{
	EventNetworkStatus:  true,
	EventNetworkOptions: true,
	EventNetworkInfo:    true,
	EventChannelCreated: true,
	EventChannelRemoved: true,
	EventChannelState:   true,
	EventChannelTopic:   true,
	EventUsers:          true,
	EventMessage:        true,
	EventNick:           true,
	EventInit:           true,
}

// ClientVisible reports whether events of this type reach attached clients.
func ClientVisible(eventType string) bool {
	return clientVisible[eventType]
}

// Event represents a generic event. Seq orders the state changes of one
// network; it is zero for events that carry no channel state.
type Event struct {
	Type      string      `json:"type"`
	Seq       uint64      `json:"seq,omitempty"`
	NetworkID string      `json:"network,omitempty"`
	ChannelID int64       `json:"chan,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"time"`
	Source    EventSource `json:"-"`
}

// Subscriber is an interface for event subscribers
type Subscriber interface {
	OnEvent(event Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Event)

// OnEvent calls f(event).
func (f SubscriberFunc) OnEvent(event Event) { f(event) }

type subscription struct {
	id  uint64
	sub Subscriber
}

// EventBus manages event routing. Emit is synchronous: subscribers run on
// the emitting goroutine in subscription order, so events from a single
// emitter are observed in the order they were emitted.
type EventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	mu          sync.RWMutex
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]subscription),
	}
}

// Subscribe subscribes a subscriber to a specific event type ("*" for all).
// The returned function removes the subscription.
func (eb *EventBus) Subscribe(eventType string, subscriber Subscriber) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscription{id: id, sub: subscriber})

	return func() { eb.unsubscribe(eventType, id) }
}

func (eb *EventBus) unsubscribe(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Emit delivers an event to the subscribers of its type, then to wildcard
// subscribers.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	subs := make([]subscription, 0, len(eb.subscribers[event.Type])+len(eb.subscribers["*"]))
	subs = append(subs, eb.subscribers[event.Type]...)
	subs = append(subs, eb.subscribers["*"]...)
	eb.mu.RUnlock()

	for _, s := range subs {
		s.sub.OnEvent(event)
	}
}
