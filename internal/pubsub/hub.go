// Package pubsub implements named publish/subscribe topics used to relay the
// deploy daemon's output, running status and control commands.
//
// Delivery is ordered per topic. Subscribe gives lossless delivery: a
// publisher waits for the subscriber's buffer to drain. SubscribeObserver is
// for remote watchers: an observer whose buffer is full is disconnected so
// it never holds up a publisher. Publishers on different topics do not wait
// on each other.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// DefaultBuffer is the per-subscriber buffer used when NewHub gets n <= 0.
const DefaultBuffer = 256

// ErrClosed is returned when publishing on a closed hub.
var ErrClosed = errors.New("pubsub: hub closed")

// Message is one published payload together with the topic it arrived on.
type Message struct {
	Topic string
	Data  string
}

// Subscription receives messages for one or more topics in publish order.
type Subscription struct {
	hub    *Hub
	topics []string
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	// observer subscriptions are dropped instead of waited on
	observer bool
}

// C returns the receive channel. It is never closed; select on Done as well.
func (s *Subscription) C() <-chan Message { return s.ch }

// Done is closed once the subscription is cancelled or the hub is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

// Next blocks for the next message. ok is false when the subscription or ctx
// ended first.
func (s *Subscription) Next(ctx context.Context) (Message, bool) {
	select {
	case m := <-s.ch:
		return m, true
	case <-s.done:
		return Message{}, false
	case <-ctx.Done():
		return Message{}, false
	}
}

// Hub fans messages out to subscribers of named topics.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	buffer int
	closed bool
	// one-slot semaphores serializing publishers per topic
	locks map[string]chan struct{}
}

// NewHub creates a hub whose subscriptions buffer n messages each.
func NewHub(n int) *Hub {
	if n <= 0 {
		n = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string][]*Subscription),
		locks:  make(map[string]chan struct{}),
		buffer: n,
	}
}

// Subscribe registers interest in topics. Messages published after Subscribe
// returns are delivered; earlier ones are not.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	return h.subscribe(false, topics)
}

// SubscribeObserver is like Subscribe, except that a publish finding the
// buffer full closes the subscription instead of waiting.
func (h *Hub) SubscribeObserver(topics ...string) *Subscription {
	return h.subscribe(true, topics)
}

func (h *Hub) subscribe(observer bool, topics []string) *Subscription {
	s := &Subscription{
		hub:      h,
		topics:   append([]string(nil), topics...),
		ch:       make(chan Message, h.buffer),
		done:     make(chan struct{}),
		observer: observer,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	for _, t := range topics {
		h.subs[t] = append(h.subs[t], s)
	}
	return s
}

// Publish delivers data to every current subscriber of topic. It blocks
// while a lossless subscriber's buffer is full; subscribers that close
// meanwhile are skipped and full observers are disconnected. It returns
// ctx.Err() if ctx ends before delivery completes.
func (h *Hub) Publish(ctx context.Context, topic, data string) error {
	lock, err := h.lockTopic(ctx, topic)
	if err != nil {
		return err
	}
	defer func() { <-lock }()

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	targets := append([]*Subscription(nil), h.subs[topic]...)
	h.mu.RUnlock()

	msg := Message{Topic: topic, Data: data}
	for _, s := range targets {
		if s.observer {
			select {
			case s.ch <- msg:
			case <-s.done:
			default:
				s.Close()
			}
			continue
		}
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Hub) lockTopic(ctx context.Context, topic string) (chan struct{}, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	lock, ok := h.locks[topic]
	if !ok {
		lock = make(chan struct{}, 1)
		h.locks[topic] = lock
	}
	h.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return lock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribers reports how many subscriptions listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Close ends every subscription. Further publishes return ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for t, subs := range h.subs {
		all = append(all, subs...)
		delete(h.subs, t)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.once.Do(func() { close(s.done) })
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range s.topics {
		subs := h.subs[t]
		for i, sub := range subs {
			if sub == s {
				h.subs[t] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(h.subs[t]) == 0 {
			delete(h.subs, t)
		}
	}
}
