package events

import (
	"sync"
	"time"
)

// EventType represents the type of status event
type EventType string

const (
	EventStatsUpdated   EventType = "stats.updated"
	EventSlaveJoined    EventType = "slave.joined"
	EventSlaveBuilding  EventType = "slave.building"
	EventSlaveIdle      EventType = "slave.idle"
	EventSlaveLeft      EventType = "slave.left"
	EventSlaveExpired   EventType = "slave.expired"
	EventBuildRecorded  EventType = "build.recorded"
	EventFileVerified   EventType = "file.verified"
	EventFileRejected   EventType = "file.rejected"
	EventRenderComplete EventType = "render.complete"
	EventMasterPaused   EventType = "master.paused"
	EventMasterResumed  EventType = "master.resumed"
	EventMasterQuitting EventType = "master.quitting"
)

// Event is one status change broadcast to monitors
type Event struct {
	Type      EventType
	Timestamp time.Time
	Message   string
	SlaveID   int64
	Package   string
	Version   string
	Data      any
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker distributes status events to monitor subscriptions
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new status broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
