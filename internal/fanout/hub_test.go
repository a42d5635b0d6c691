package fanout

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainAll reads everything queued for an attachment within the timeout.
func drainAll(a *Attachment, timeout time.Duration) []events.Event {
	var out []events.Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-a.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
}

func TestHub_PublishReachesEveryAttachment(t *testing.T) {
	hub := NewHub("alice")
	a1, a2 := NewAttachment(8), NewAttachment(8)
	hub.Attach(a1, nil)
	hub.Attach(a2, nil)

	hub.Publish(events.Event{Type: events.EventUsers, NetworkID: "n1", ChannelID: 3})

	for _, a := range []*Attachment{a1, a2} {
		got := drainAll(a, 50*time.Millisecond)
		require.Len(t, got, 1)
		assert.Equal(t, int64(3), got[0].ChannelID)
	}
}

func TestHub_SnapshotSkipsEventsItAlreadyHolds(t *testing.T) {
	hub := NewHub("alice")
	a := NewAttachment(8)

	hub.Attach(a, func() []events.Event {
		a.SkipThrough("n1", 5)
		return []events.Event{{Type: events.EventInit}}
	})
	hub.Publish(events.Event{Type: events.EventMessage, NetworkID: "n1", Seq: 5})
	hub.Publish(events.Event{Type: events.EventMessage, NetworkID: "n2", Seq: 5})
	hub.Publish(events.Event{Type: events.EventNetworkStatus, NetworkID: "n1"})
	hub.Publish(events.Event{Type: events.EventMessage, NetworkID: "n1", Seq: 6})

	got := drainAll(a, 50*time.Millisecond)
	require.Len(t, got, 4)
	assert.Equal(t, events.EventInit, got[0].Type)
	assert.Equal(t, "n2", got[1].NetworkID)
	assert.Equal(t, events.EventNetworkStatus, got[2].Type)
	assert.Equal(t, uint64(6), got[3].Seq)
	assert.True(t, hub.Has(a))
}

func TestHub_AttachQueuesSnapshotFirst(t *testing.T) {
	hub := NewHub("alice")
	a := NewAttachment(8)

	n := hub.Attach(a, func() []events.Event {
		return []events.Event{{Type: events.EventInit}}
	})
	assert.Equal(t, 1, n)
	hub.Publish(events.Event{Type: events.EventMessage})

	got := drainAll(a, 50*time.Millisecond)
	require.Len(t, got, 2)
	assert.Equal(t, events.EventInit, got[0].Type)
	assert.Equal(t, events.EventMessage, got[1].Type)
}

func TestHub_DetachClosesAndRunsHooks(t *testing.T) {
	hub := NewHub("alice")
	a1, a2 := NewAttachment(8), NewAttachment(8)
	hub.Attach(a1, nil)
	hub.Attach(a2, nil)

	var calls []int
	hub.OnDetach(func(a *Attachment, remaining int) {
		assert.Equal(t, a1.ID(), a.ID())
		calls = append(calls, remaining)
	})

	hub.Detach(a1)
	hub.Detach(a1)

	assert.Equal(t, []int{1}, calls)
	assert.Equal(t, 1, hub.Count())
	assert.False(t, hub.Has(a1))
	_, ok := <-a1.Events()
	assert.False(t, ok, "queue is closed")

	hub.Publish(events.Event{Type: events.EventUsers})
	assert.Len(t, drainAll(a2, 50*time.Millisecond), 1)
}

func TestHub_SlowAttachmentIsDropped(t *testing.T) {
	hub := NewHub("alice")
	slow, fast := NewAttachment(2), NewAttachment(16)
	hub.Attach(slow, nil)
	hub.Attach(fast, nil)

	dropped := make(chan string, 1)
	hub.OnDetach(func(a *Attachment, _ int) { dropped <- a.ID() })

	for i := 0; i < 5; i++ {
		hub.Publish(events.Event{Type: events.EventMessage, ChannelID: int64(i)})
	}

	select {
	case id := <-dropped:
		assert.Equal(t, slow.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("slow attachment was not dropped")
	}
	assert.Len(t, drainAll(slow, 50*time.Millisecond), 2)
	assert.Len(t, drainAll(fast, 50*time.Millisecond), 5)
	assert.Equal(t, 1, hub.Count())
}

func TestHub_OnEventForwardsClientVisibleOnly(t *testing.T) {
	hub := NewHub("alice")
	a := NewAttachment(8)
	hub.Attach(a, nil)

	hub.OnEvent(events.Event{Type: events.EventUserJoined})
	hub.OnEvent(events.Event{Type: events.EventChannelState})

	got := drainAll(a, 50*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, events.EventChannelState, got[0].Type)
}

func TestHub_ConcurrentPublishersKeepPerNetworkOrder(t *testing.T) {
	hub := NewHub("alice")
	attachments := []*Attachment{NewAttachment(4096), NewAttachment(4096), NewAttachment(4096)}
	for _, a := range attachments {
		hub.Attach(a, nil)
	}

	const perNetwork = 500
	networks := []string{"n1", "n2", "n3", "n4"}
	var wg sync.WaitGroup
	for _, n := range networks {
		wg.Add(1)
		go func(network string) {
			defer wg.Done()
			for i := 0; i < perNetwork; i++ {
				hub.Publish(events.Event{Type: events.EventMessage, NetworkID: network, Data: i})
			}
		}(n)
	}
	wg.Wait()

	for _, a := range attachments {
		last := map[string]int{}
		for _, n := range networks {
			last[n] = -1
		}
		got := drainAll(a, 100*time.Millisecond)
		require.Len(t, got, perNetwork*len(networks))
		for _, e := range got {
			seq := e.Data.(int)
			require.Equal(t, last[e.NetworkID]+1, seq, fmt.Sprintf("network %s out of order", e.NetworkID))
			last[e.NetworkID] = seq
		}
	}
}

func TestAttachment_ViewFilter(t *testing.T) {
	a := NewAttachment(1)
	a.SetActive("n1", 7)
	network, channel := a.Active()
	assert.Equal(t, "n1", network)
	assert.Equal(t, int64(7), channel)

	a.SetMuted(7, true)
	assert.True(t, a.Muted(7))
	a.SetMuted(7, false)
	assert.False(t, a.Muted(7))
	assert.NotEmpty(t, a.ID())
}
