// Package notify fans out change events emitted when a new prediction row is
// inserted. Delivery is at-least-once while subscribed: events may arrive
// duplicated or out of order, and consumers must be able to fall back to
// polling the record store.
package notify

import (
	"sync"
	"time"
)

// Event announces a newly inserted prediction, filterable by owner.
type Event struct {
	Table     string    `json:"table"`
	OwnerHash string    `json:"owner_hash"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// PredictionEvent builds the event payload for a prediction insert.
func PredictionEvent(ownerHash, id string, createdAt time.Time) Event {
	return Event{Table: "predictions", OwnerHash: ownerHash, ID: id, CreatedAt: createdAt}
}

type subscriber struct {
	ownerHash string
	ch        chan Event
	done      chan struct{}
	once      sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Broker is an in-process pub/sub hub keyed by owner hash.
type Broker struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in events for one owner; an empty ownerHash
// receives every event. The returned cancel function must be called to release
// the subscription.
func (b *Broker) Subscribe(ownerHash string) (<-chan Event, func()) {
	s := &subscriber{
		ownerHash: ownerHash,
		ch:        make(chan Event, 16),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}
	return s.ch, cancel
}

// Publish delivers the event to every matching subscriber. Delivery never
// blocks the publisher: when a subscriber's buffer is full the send is retried
// on a separate goroutine, which may reorder events for that subscriber.
func (b *Broker) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if s.ownerHash != "" && s.ownerHash != e.OwnerHash {
			continue
		}
		select {
		case s.ch <- e:
		case <-s.done:
		default:
			go func(s *subscriber) {
				select {
				case s.ch <- e:
				case <-s.done:
				}
			}(s)
		}
	}
}
