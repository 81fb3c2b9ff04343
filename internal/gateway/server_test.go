package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/gwerr"
	"github.com/openclaw/gateway/pkg/protocol"
)

func newTestGateway(t *testing.T, token string) (*Server, string, *bus.MessageBus, context.CancelFunc) {
	t.Helper()

	cfg := config.Default()
	cfg.Gateway.Token = token

	msgBus := bus.New(64)
	s := NewServer(cfg, msgBus)

	s.Router().Register("echo", func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var p map[string]interface{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, gwerr.New(gwerr.InvalidRequest, "bad params")
		}
		return p, nil
	})
	s.Router().Register("boom", func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		panic("handler exploded")
	})

	ctx, cancel := context.WithCancel(context.Background())
	addr, start := StartTestServer(s, ctx)
	start()
	time.Sleep(20 * time.Millisecond)
	return s, addr, msgBus, cancel
}

func dial(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func call(t *testing.T, conn *websocket.Conn, method string, params interface{}) *protocol.ResponseFrame {
	t.Helper()
	raw, _ := json.Marshal(params)
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: uuid.NewString(), Method: method, Params: raw}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			continue
		}
		frameType, _ := protocol.ParseFrameType(raw)
		if frameType != protocol.FrameTypeResponse {
			continue
		}
		var resp protocol.ResponseFrame
		if json.Unmarshal(raw, &resp) != nil {
			continue
		}
		if resp.ID == req.ID {
			return &resp
		}
	}
	t.Fatalf("no response for %s", method)
	return nil
}

func TestAuthRequired(t *testing.T) {
	_, addr, _, cancel := newTestGateway(t, "secret-token")
	defer cancel()

	if _, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil); err == nil {
		t.Fatalf("dial without token should fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %v", resp)
	}

	conn := dial(t, addr, "secret-token")
	conn.Close()
}

func TestEchoRoundTrip(t *testing.T) {
	_, addr, _, cancel := newTestGateway(t, "tok")
	defer cancel()

	conn := dial(t, addr, "tok")
	defer conn.Close()

	resp := call(t, conn, "echo", map[string]interface{}{"hello": "world"})
	if !resp.OK {
		t.Fatalf("echo failed: %+v", resp.Error)
	}
	payload, ok := resp.Payload.(map[string]interface{})
	if !ok || payload["hello"] != "world" {
		t.Fatalf("payload = %#v", resp.Payload)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, addr, _, cancel := newTestGateway(t, "tok")
	defer cancel()

	conn := dial(t, addr, "tok")
	defer conn.Close()

	resp := call(t, conn, "no.such.method", map[string]interface{}{})
	if resp.OK || resp.Error == nil || resp.Error.Code != protocol.ErrInvalidRequest {
		t.Fatalf("want INVALID_REQUEST, got %+v", resp)
	}
}

func TestHandlerPanicBecomesUnavailable(t *testing.T) {
	_, addr, _, cancel := newTestGateway(t, "tok")
	defer cancel()

	conn := dial(t, addr, "tok")
	defer conn.Close()

	resp := call(t, conn, "boom", map[string]interface{}{})
	if resp.OK || resp.Error == nil || resp.Error.Code != protocol.ErrUnavailable {
		t.Fatalf("want UNAVAILABLE after panic, got %+v", resp)
	}
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	_, addr, msgBus, cancel := newTestGateway(t, "tok")
	defer cancel()

	conn := dial(t, addr, "tok")
	defer conn.Close()

	// The client must be registered before the broadcast fires.
	time.Sleep(50 * time.Millisecond)
	msgBus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: map[string]interface{}{
		"runId": "r-1", "state": protocol.RunFinal, "seq": 1,
	}})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			continue
		}
		frameType, _ := protocol.ParseFrameType(raw)
		if frameType != protocol.FrameTypeEvent {
			continue
		}
		var ev protocol.EventFrame
		if json.Unmarshal(raw, &ev) != nil {
			continue
		}
		if ev.Event == protocol.EventChat {
			return
		}
	}
	t.Fatalf("broadcast never arrived")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2) // 1/sec, burst 2
	if !rl.Allow("c1") || !rl.Allow("c1") {
		t.Fatalf("burst should be allowed")
	}
	if rl.Allow("c1") {
		t.Fatalf("third immediate call should be limited")
	}
	// A different connection has its own bucket.
	if !rl.Allow("c2") {
		t.Fatalf("separate connection should not share a bucket")
	}

	disabled := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !disabled.Allow("x") {
			t.Fatalf("disabled limiter must always allow")
		}
	}
}
