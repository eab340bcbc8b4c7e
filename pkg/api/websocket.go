package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/codelane/maestro/pkg/events"
)

// pingInterval is how often the server sends {type:"ping"} keepalives.
const pingInterval = 30 * time.Second

// wsWriteTimeout bounds one websocket write so a stalled client cannot block
// the sender goroutine.
const wsWriteTimeout = 10 * time.Second

// wsFilters narrows which bus events a socket receives. Empty sets match
// everything.
type wsFilters struct {
	EventTypes  map[string]bool
	EntityTypes map[string]bool
	EntityIDs   map[string]bool
}

func (f wsFilters) match(evt events.Event) bool {
	if len(f.EventTypes) > 0 && !f.EventTypes[evt.EventType] {
		return false
	}
	if len(f.EntityTypes) > 0 && !f.EntityTypes[evt.EntityType] {
		return false
	}
	if len(f.EntityIDs) > 0 && !f.EntityIDs[evt.EntityID] {
		return false
	}
	return true
}

func (f wsFilters) payload() map[string]any {
	return map[string]any{
		"event_types":  setToSlice(f.EventTypes),
		"entity_types": setToSlice(f.EntityTypes),
		"entity_ids":   setToSlice(f.EntityIDs),
	}
}

func parseFilterSet(raw string) map[string]bool {
	out := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[part] = true
		}
	}
	return out
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// subscribeMessage is the client → server filter update.
type subscribeMessage struct {
	Type        string   `json:"type"`
	EventTypes  []string `json:"event_types"`
	EntityTypes []string `json:"entity_types"`
	EntityIDs   []string `json:"entity_ids"`
}

// wsConn is one connected event-stream client.
type wsConn struct {
	conn *websocket.Conn

	mu      sync.Mutex
	filters wsFilters
}

func (w *wsConn) matchLocked(evt events.Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filters.match(evt)
}

func (w *wsConn) setFilters(f wsFilters) {
	w.mu.Lock()
	w.filters = f
	w.mu.Unlock()
}

// EventStream handles GET /api/v1/ws/events: upgrades to WebSocket and
// streams bus events matching the query-parameter filters. The client may
// send {type:"subscribe"} messages to replace the filters.
func (s *Server) EventStream(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	wc := &wsConn{
		conn: conn,
		filters: wsFilters{
			EventTypes:  parseFilterSet(c.Query("event_types")),
			EntityTypes: parseFilterSet(c.Query("entity_types")),
			EntityIDs:   parseFilterSet(c.Query("entity_ids")),
		},
	}

	// outbound serializes all writes: bus events, pings and replies.
	outbound := make(chan []byte, 64)

	unsubscribe := s.bus.Subscribe(events.SubscribeAll, func(_ context.Context, evt events.Event) {
		if !wc.matchLocked(evt) {
			return
		}
		body, err := json.Marshal(map[string]any{
			"event_type":  evt.EventType,
			"entity_type": evt.EntityType,
			"entity_id":   evt.EntityID,
			"payload":     evt.Payload,
		})
		if err != nil {
			return
		}
		select {
		case outbound <- body:
		default:
			// Slow client; drop rather than stall the bus subscriber.
		}
	})
	defer unsubscribe()

	go s.wsWriteLoop(ctx, cancel, conn, outbound)
	s.wsReadLoop(ctx, wc, outbound)
}

// wsWriteLoop drains outbound and emits keepalive pings. Exits on write
// failure or context cancellation.
func (s *Server) wsWriteLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan []byte) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case body := <-outbound:
			if err := writeWS(ctx, conn, body); err != nil {
				return
			}
		case <-ticker.C:
			ping, _ := json.Marshal(map[string]string{"type": "ping"})
			if err := writeWS(ctx, conn, ping); err != nil {
				return
			}
		}
	}
}

// wsReadLoop processes client messages until the socket closes. Only
// subscribe messages are meaningful; invalid JSON gets an error reply.
func (s *Server) wsReadLoop(ctx context.Context, wc *wsConn, outbound chan<- []byte) {
	for {
		_, data, err := wc.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			reply, _ := json.Marshal(map[string]string{"error": "Invalid JSON message"})
			select {
			case outbound <- reply:
			default:
			}
			continue
		}
		if msg.Type != "subscribe" {
			continue
		}

		f := wsFilters{
			EventTypes:  sliceToSet(msg.EventTypes),
			EntityTypes: sliceToSet(msg.EntityTypes),
			EntityIDs:   sliceToSet(msg.EntityIDs),
		}
		wc.setFilters(f)

		reply, _ := json.Marshal(map[string]any{
			"status":  "subscribed",
			"filters": f.payload(),
		})
		select {
		case outbound <- reply:
		default:
		}
	}
}

func sliceToSet(items []string) map[string]bool {
	out := map[string]bool{}
	for _, item := range items {
		if item != "" {
			out[item] = true
		}
	}
	return out
}

func writeWS(ctx context.Context, conn *websocket.Conn, body []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, body)
}
