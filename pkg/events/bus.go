package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// SubscribeAll is the wildcard topic: handlers registered under it receive
// every event published on the bus.
const SubscribeAll = "*"

// subscriberQueueSize bounds the per-subscriber buffer. When a slow
// subscriber falls this far behind, the oldest buffered event is dropped so
// publishers never block.
const subscriberQueueSize = 256

// Handler processes one event. Handlers run on the subscriber's own
// goroutine; a panic is recovered and logged without affecting other
// subscribers.
type Handler func(ctx context.Context, evt Event)

// Publisher is the narrow publish-side interface consumed by most
// components.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// subscriber owns a serial dispatch queue so one subscription observes
// events in publish order.
type subscriber struct {
	topic string
	ch    chan Event
	done  chan struct{}
}

// Bus is the process-local event bus with optional redis fan-out.
// A nil redis client disables cross-process delivery (single-node mode).
type Bus struct {
	origin string
	rdb    redis.UniversalClient

	mu     sync.RWMutex
	subs   map[string][]*subscriber
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a bus. origin identifies this process (pod id) on the
// wire; rdb may be nil to run local-only.
func NewBus(origin string, rdb redis.UniversalClient) *Bus {
	return &Bus{
		origin: origin,
		rdb:    rdb,
		subs:   make(map[string][]*subscriber),
	}
}

// Subscribe registers a handler for one event type (or SubscribeAll).
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	sub := &subscriber{
		topic: eventType,
		ch:    make(chan Event, subscriberQueueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatchLoop(sub, h)

	return func() { b.removeSubscriber(eventType, sub) }
}

// dispatchLoop delivers queued events to one handler serially.
func (b *Bus) dispatchLoop(sub *subscriber, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case evt := <-sub.ch:
			b.invoke(h, evt)
		}
	}
}

// invoke runs a handler with panic isolation.
func (b *Bus) invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked",
				"event_type", evt.EventType, "entity_id", evt.EntityID, "panic", r)
		}
	}()
	h(context.Background(), evt)
}

// Publish delivers evt to local subscribers (never blocking the caller) and
// broadcasts it to the redis channel for the event type. The returned error
// reports redis failures only; local delivery always proceeds. Events are
// advisory: callers log publish errors and continue.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt.Origin == "" {
		evt.Origin = b.origin
	}
	b.dispatchLocal(evt)

	if b.rdb == nil {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", evt.EventType, err)
	}
	if err := b.rdb.Publish(ctx, Channel(evt.EventType), body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", evt.EventType, err)
	}
	return nil
}

// dispatchLocal enqueues evt for every matching local subscriber. The
// enqueue is non-blocking: on overflow the oldest buffered event is dropped
// (at-least-once does not survive subscriber lag).
func (b *Bus) dispatchLocal(evt Event) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs[evt.EventType])+len(b.subs[SubscribeAll]))
	targets = append(targets, b.subs[evt.EventType]...)
	targets = append(targets, b.subs[SubscribeAll]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		default:
			// Drop oldest, then retry once. If the subscriber drained the
			// queue in between, the second send succeeds immediately.
			select {
			case dropped := <-sub.ch:
				slog.Warn("Subscriber queue overflow, dropping oldest event",
					"topic", sub.topic, "dropped_type", dropped.EventType)
			default:
			}
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

func (b *Bus) removeSubscriber(eventType string, target *subscriber) {
	b.mu.Lock()
	subs := b.subs[eventType]
	for i, s := range subs {
		if s == target {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	close(target.done)
}

// Close stops all subscriber queues and waits for in-flight handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.done)
		}
	}
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()
	b.wg.Wait()
}

// Origin returns the bus's process identity.
func (b *Bus) Origin() string {
	return b.origin
}
