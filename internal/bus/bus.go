// Package bus wires the Ingress Normalizer, channel adapters, and the RPC
// Hub together without a direct import cycle: adapters publish
// InboundMessage/OutboundMessage onto channel-backed queues, and the hub
// publishes broadcast Events to per-client subscriber callbacks.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// MessageBus is the concrete EventPublisher/MessageRouter backing the
// gateway process. Each subscriber owns a dedicated delivery goroutine fed
// by a bounded queue, so events reach a given subscriber in publish order
// while a slow subscriber never blocks the publisher or its peers. On
// overflow the oldest queued event for that subscriber is dropped.
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber

	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

type subscriber struct {
	handler EventHandler

	mu     sync.Mutex
	queue  []Event
	kick   chan struct{}
	done   chan struct{}
	closed bool
}

const subscriberQueueDepth = 512

// New creates a MessageBus with bounded inbound/outbound queues.
func New(queueDepth int) *MessageBus {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &MessageBus{
		subscribers: make(map[string]*subscriber),
		inbound:     make(chan InboundMessage, queueDepth),
		outbound:    make(chan OutboundMessage, queueDepth),
	}
}

func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	sub := &subscriber{
		handler: handler,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.subscribers[id]; ok {
		old.close()
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	go sub.run()
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Broadcast delivers event to every current subscriber in publish order per
// subscriber.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.enqueue(event)
	}
}

func (s *subscriber) enqueue(event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= subscriberQueueDepth {
		s.queue = s.queue[1:]
		slog.Debug("bus subscriber overflow, dropped oldest event")
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		}

		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.handler(event)
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}
