package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Listener consumes the redis "events.*" pattern and re-dispatches messages
// from other processes to the local bus. Messages originated by this process
// are skipped — the bus already delivered them locally at publish time.
type Listener struct {
	rdb      redis.UniversalClient
	bus      *Bus
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewListener creates a listener bound to the given bus.
func NewListener(rdb redis.UniversalClient, bus *Bus) *Listener {
	return &Listener{rdb: rdb, bus: bus}
}

// Start begins consuming in a background goroutine. The redis client
// reconnects automatically; missed events during an outage are lost
// (at-least-once holds only while the subscription is live).
func (l *Listener) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	pubsub := l.rdb.PSubscribe(runCtx, ChannelPrefix+"*")
	// Force the subscription to be established before returning.
	if _, err := pubsub.Receive(runCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				l.handleMessage(msg)
			}
		}
	}()

	slog.Info("Event listener started", "pattern", ChannelPrefix+"*")
	return nil
}

// handleMessage decodes one pub/sub message and dispatches remote-origin
// events locally.
func (l *Listener) handleMessage(msg *redis.Message) {
	var evt Event
	if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
		slog.Warn("Dropping undecodable pub/sub message",
			"channel", msg.Channel, "error", err)
		return
	}
	if evt.Origin == l.bus.Origin() {
		return
	}
	l.bus.dispatchLocal(evt)
}

// Stop terminates the listener and waits for the consume loop to exit.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		l.wg.Wait()
	})
}
