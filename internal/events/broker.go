// Package events fans chat events out to connected clients.
//
// A Broker keeps a registry of subscriptions per identity. Publishing never
// blocks: each subscription has a bounded queue and events that do not fit
// are dropped and counted. Transports (SSE, WebSocket) drive a subscription
// with Stream.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-messenger-bridge/internal/observability"
)

// Event is a JSON-serializable payload carrying at least a "type" key.
type Event map[string]any

// Event types emitted by the bridge.
const (
	TypeConnected    = "connected"
	TypeKeepalive    = "keepalive"
	TypeMessage      = "new_message"
	TypeNotification = "notification"
)

// DefaultQueueSize is used when a Broker is created with a non-positive size.
const DefaultQueueSize = 100

// Subscription is one client connection. Receive from C until the
// subscription is removed; C is never closed.
type Subscription struct {
	UserID string
	C      <-chan Event

	ch chan Event
}

// Broker is a registry of live subscriptions keyed by identity.
// The zero value is not usable; create it with NewBroker.
type Broker struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscription]struct{}
	queueSize int
}

// NewBroker returns an empty broker whose subscriptions buffer queueSize events.
func NewBroker(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broker{subs: map[string]map[*Subscription]struct{}{}, queueSize: queueSize}
}

// Subscribe registers a new subscription for userID.
func (b *Broker) Subscribe(userID string) *Subscription {
	ch := make(chan Event, b.queueSize)
	sub := &Subscription{UserID: userID, C: ch, ch: ch}

	b.mu.Lock()
	set, ok := b.subs[userID]
	if !ok {
		set = map[*Subscription]struct{}{}
		b.subs[userID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	observability.StreamSubscribers.Inc()
	log.Debug().Str("user", userID).Msg("stream subscribed")
	return sub
}

// Unsubscribe removes sub. Removing twice is a no-op.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	set, ok := b.subs[sub.UserID]
	_, present := set[sub]
	if ok && present {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.UserID)
		}
	}
	b.mu.Unlock()

	if present {
		observability.StreamSubscribers.Dec()
		log.Debug().Str("user", sub.UserID).Msg("stream unsubscribed")
	}
}

// Publish enqueues ev for every subscription of userID and returns how many
// accepted it.
func (b *Broker) Publish(userID string, ev Event) int {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[userID]))
	for sub := range b.subs[userID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()
	return deliver(targets, ev)
}

// Broadcast enqueues ev for every subscription.
func (b *Broker) Broadcast(ev Event) int {
	b.mu.Lock()
	var targets []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()
	return deliver(targets, ev)
}

// Subscribers returns the number of live subscriptions for userID.
func (b *Broker) Subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

// Total returns the number of live subscriptions.
func (b *Broker) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

func deliver(targets []*Subscription, ev Event) int {
	n := 0
	for _, sub := range targets {
		select {
		case sub.ch <- ev:
			n++
			observability.StreamEvents.WithLabelValues("delivered").Inc()
		default:
			observability.StreamEvents.WithLabelValues("dropped").Inc()
			log.Warn().Str("user", sub.UserID).Interface("type", ev["type"]).Msg("stream queue full, event dropped")
		}
	}
	return n
}
