package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Topic names a Hub channel.
type Topic string

const (
	// TopicTarget carries full target snapshots after every mutation.
	TopicTarget Topic = "target"
	// TopicLogs carries every appended log entry.
	TopicLogs Topic = "logs"
)

// DefaultSubscriberBuffer is the per-subscriber queue length used when
// Subscribe is given a non-positive size.
const DefaultSubscriberBuffer = 64

var droppedDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "netlock",
	Name:      "bus_dropped_total",
	Help:      "Hub deliveries dropped because a subscriber queue was full.",
}, []string{"topic"})

// Message is a single Hub publication.
type Message struct {
	Topic   Topic
	Payload any
}

// Hub is an in-process publish/subscribe relay. It keeps no history: a
// subscriber only receives messages published while it is subscribed, and a
// subscriber whose queue is full misses the message instead of blocking the
// publisher.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Subscription receives the messages of the topics it was created for.
type Subscription struct {
	hub    *Hub
	id     uint64
	topics map[Topic]struct{}
	ch     chan Message

	once sync.Once
}

// Subscribe registers a subscriber for topics (all topics when none are
// given) with a queue of buffer messages.
func (h *Hub) Subscribe(buffer int, topics ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	sub := &Subscription{
		hub: h,
		ch:  make(chan Message, buffer),
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.mu.Unlock()

	return sub
}

// Publish delivers payload to every current subscriber of topic without
// waiting for any of them.
func (h *Hub) Publish(topic Topic, payload any) {
	if h == nil {
		return
	}

	msg := Message{Topic: topic, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			droppedDeliveries.WithLabelValues(string(topic)).Inc()
		}
	}
}

// Subscribers returns the number of registered subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// C returns the channel messages are delivered on. It is closed by Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (s *Subscription) wants(topic Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}
