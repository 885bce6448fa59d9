package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const subscriptionBuffer = 64

// Subscription is a handle on a set of topics. Events arrive on Events()
// until Close is called or the context passed to Subscribe ends, after which
// the channel is closed. A subscriber that falls a full buffer behind is
// closed as well; it must re-fetch and subscribe again.
type Subscription struct {
	topics     []string
	ch         chan Event
	hub        *Hub
	once       sync.Once
	done       chan struct{}
	overflowed atomic.Bool
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Topics() []string {
	return s.topics
}

// Overflowed reports whether the hub closed the subscription because its
// buffer was full.
func (s *Subscription) Overflowed() bool {
	return s.overflowed.Load()
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

// Hub fans events out to in-process subscriptions keyed by topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	all    map[*Subscription]struct{}
	log    zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		all:    make(map[*Subscription]struct{}),
		log:    log,
	}
}

// Subscribe registers a subscription for topics. It is dropped when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, topics ...string) *Subscription {
	sub := &Subscription{
		topics: append([]string(nil), topics...),
		ch:     make(chan Event, subscriptionBuffer),
		hub:    h,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.all[sub] = struct{}{}
	for _, topic := range sub.topics {
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[*Subscription]struct{})
		}
		h.topics[topic][sub] = struct{}{}
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[sub]; !ok {
		return
	}
	for _, topic := range sub.topics {
		if subscribers, ok := h.topics[topic]; ok {
			delete(subscribers, sub)
			if len(subscribers) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	delete(h.all, sub)
	close(sub.ch)
}

// Dispatch delivers an event to the subscribers of its topic. A resync
// event with no topic goes to every subscriber. A subscriber whose buffer is
// full is closed instead of silently missing the event.
func (h *Hub) Dispatch(event Event) {
	h.mu.RLock()
	targets := h.topics[event.Topic]
	if event.Type == EventResync && event.Topic == "" {
		targets = h.all
	}

	var overflowed []*Subscription
	for sub := range targets {
		select {
		case sub.ch <- event:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		h.log.Warn().
			Str("topic", event.Topic).
			Str("type", event.Type).
			Msg("subscriber buffer full, closing subscription")
		sub.overflowed.Store(true)
		sub.Close()
	}
}

func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
