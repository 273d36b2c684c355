package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(&Event{Type: EventSlaveJoined, SlaveID: 7})

	for _, sub := range []Subscriber{a, c} {
		ev := recv(t, sub)
		assert.Equal(t, EventSlaveJoined, ev.Type)
		assert.Equal(t, int64(7), ev.SlaveID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestSlowSubscriberIsSkippedNotBlocked(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	// Over twice the subscriber buffer; delivery must not wedge the
	// broker even though nobody is reading.
	for i := 0; i < 150; i++ {
		b.Publish(&Event{Type: EventStatsUpdated})
	}

	fresh := b.Subscribe()
	defer b.Unsubscribe(fresh)
	b.Publish(&Event{Type: EventMasterPaused, Message: "still alive"})

	for {
		ev := recv(t, fresh)
		if ev.Type == EventMasterPaused {
			assert.Equal(t, "still alive", ev.Message)
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	require.False(t, open)
}
