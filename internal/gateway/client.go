package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/gateway/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 8 << 20 // base64 attachments ride inside chat.send
	sendBuffer     = 256
)

// Client is one WebSocket subscriber: a read pump dispatching requests and a
// write pump draining the outbound queue. A
// full outbound buffer drops older non-final chat deltas first; if even that
// can't make room the subscription is closed rather than blocking the
// broadcaster.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	mu     sync.Mutex
	queue  []outFrame
	kick   chan struct{}
	closed bool
}

type outFrame struct {
	data     []byte
	droppable bool // non-final chat delta: may be shed under backpressure
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		kick:   make(chan struct{}, 1),
	}
}

// ID returns the connection's identity (used for rate limiting and
// subscriber bookkeeping).
func (c *Client) ID() string { return c.id }

// Run drives the connection until the peer disconnects or ctx ends.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "client", c.id, "error", err)
			}
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil || frameType != protocol.FrameTypeRequest {
			c.enqueue(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "expected request frame"), false)
			continue
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			c.enqueue(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "bad request frame"), false)
			continue
		}

		// Dispatch concurrently: a blocked handler (approval await, long
		// history read) must not stall subsequent requests on the socket.
		go func(req protocol.RequestFrame) {
			if resp := c.server.Router().Dispatch(ctx, c, &req); resp != nil {
				c.enqueue(resp, false)
			}
		}(req)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.kick:
			for {
				c.mu.Lock()
				if len(c.queue) == 0 {
					c.mu.Unlock()
					break
				}
				frame := c.queue[0]
				c.queue = c.queue[1:]
				c.mu.Unlock()

				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
					return
				}
			}
		}
	}
}

// SendEvent queues a broadcast event for this subscriber.
func (c *Client) SendEvent(event protocol.EventFrame) {
	droppable := event.Event == protocol.EventChat && !isFinalDelta(event.Payload)
	c.enqueue(&event, droppable)
}

// isFinalDelta sniffs whether a chat event payload carries a terminal state;
// final deltas are always delivered or the subscription is closed.
func isFinalDelta(payload interface{}) bool {
	type stated interface{ TerminalState() bool }
	if s, ok := payload.(stated); ok {
		return s.TerminalState()
	}
	m, ok := payload.(map[string]interface{})
	if !ok {
		// Struct payloads round-trip through JSON only on the wire; probe
		// the common shape via marshal-free reflection-light fallback.
		b, err := json.Marshal(payload)
		if err != nil {
			return true
		}
		var probe struct {
			State string `json:"state"`
		}
		if json.Unmarshal(b, &probe) != nil {
			return true
		}
		return probe.State == protocol.RunFinal || probe.State == protocol.RunError || probe.State == protocol.RunAborted
	}
	state, _ := m["state"].(string)
	return state == protocol.RunFinal || state == protocol.RunError || state == protocol.RunAborted
}

func (c *Client) enqueue(frame interface{}, droppable bool) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal outbound frame failed", "client", c.id, "error", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= sendBuffer {
		// Shed the oldest droppable delta; a queue full of undroppable
		// frames means the subscriber is hopeless — close it.
		shed := -1
		for i, f := range c.queue {
			if f.droppable {
				shed = i
				break
			}
		}
		if shed >= 0 {
			c.queue = append(c.queue[:shed], c.queue[shed+1:]...)
		} else {
			c.closed = true
			c.mu.Unlock()
			slog.Warn("subscriber overflow, closing", "client", c.id)
			c.conn.Close()
			return
		}
	}
	c.queue = append(c.queue, outFrame{data: data, droppable: droppable})
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Close tears down the connection.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}
