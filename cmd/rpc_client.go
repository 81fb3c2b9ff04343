package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/gateway/pkg/protocol"
)

// rpcClient is the thin CLI-side JSON-RPC client: the CLI surface invokes
// gateway methods over WebSocket and never touches core state directly.
type rpcClient struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan *protocol.ResponseFrame
	events  chan *protocol.EventFrame
	done    chan struct{}
}

func gatewayURL() string {
	if v := os.Getenv("OPENCLAW_GATEWAY_URL"); v != "" {
		return v
	}
	port := os.Getenv("OPENCLAW_PORT")
	if port == "" {
		port = "18789"
	}
	return "ws://127.0.0.1:" + port + "/ws"
}

func dialGateway() (*rpcClient, error) {
	u, err := url.Parse(gatewayURL())
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", u, err)
	}

	c := &rpcClient{
		conn:    conn,
		pending: make(map[string]chan *protocol.ResponseFrame),
		events:  make(chan *protocol.EventFrame, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *rpcClient) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			continue
		}
		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if json.Unmarshal(raw, &resp) != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- &resp
			}
		case protocol.FrameTypeEvent:
			var ev protocol.EventFrame
			if json.Unmarshal(raw, &ev) != nil {
				continue
			}
			select {
			case c.events <- &ev:
			default:
			}
		}
	}
}

// call performs one request/response round trip.
func (c *rpcClient) call(method string, params interface{}, timeout time.Duration) (*protocol.ResponseFrame, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.ResponseFrame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	case <-time.After(timeout):
		return nil, fmt.Errorf("%s timed out after %s", method, timeout)
	}
}

func (c *rpcClient) close() {
	c.conn.Close()
}
