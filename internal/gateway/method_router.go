package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openclaw/gateway/internal/gwerr"
	"github.com/openclaw/gateway/pkg/protocol"
)

// HandlerFunc handles one RPC method call. Returned errors of type
// *gwerr.Error map onto the wire error shape; anything else surfaces as
// UNAVAILABLE with the message kept for log correlation only.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error)

// MethodRouter dispatches RequestFrames to registered handlers, applying the
// per-connection rate limit first.
type MethodRouter struct {
	server *Server

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMethodRouter creates a router bound to its server.
func NewMethodRouter(s *Server) *MethodRouter {
	return &MethodRouter{
		server:   s,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register installs a handler for a method name.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Methods returns the registered method names.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch runs one request and returns the response frame. Notifications
// (no id) that reach their handler return nil: there is nothing to send
// back. A missing or unknown method or a rate-limited call gets an error
// response even without an id.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	if req.Method == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "missing method")
	}

	if rl := r.server.RateLimiter(); rl.Enabled() && !rl.Allow(c.id) {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "rate limited")
	}

	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, fmt.Sprintf("unknown method %q", req.Method))
	}

	payload, err := safeCall(ctx, c, h, req)
	if err != nil {
		var werr *gwerr.Error
		if errors.As(err, &werr) {
			if req.ID == "" {
				return nil
			}
			return werr.ToResponse(req.ID)
		}
		slog.Error("rpc handler error", "method", req.Method, "error", err)
		if req.ID == "" {
			return nil
		}
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "internal error")
	}

	if req.ID == "" {
		return nil
	}
	return protocol.NewOKResponse(req.ID, payload)
}

// safeCall converts a handler panic into an UNAVAILABLE error at the task
// boundary rather than taking down the read pump.
func safeCall(ctx context.Context, c *Client, h HandlerFunc, req *protocol.RequestFrame) (payload interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("rpc handler panic recovered", "method", req.Method, "panic", fmt.Sprint(rec))
			err = gwerr.New(gwerr.Unavailable, "internal error")
		}
	}()
	return h(ctx, c, req.Params)
}
