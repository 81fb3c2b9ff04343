package gateway

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"
)

// Bind modes. Loopback is the default; any non-loopback
// bind without auth configured is refused before a socket is opened.
const (
	BindLoopback = "loopback"
	BindLAN      = "lan"
	BindTailnet  = "tailnet"
	BindCustom   = "custom"
)

// ErrUnauthorizedBind is returned when a non-loopback bind is requested with
// no auth configured; the process maps it to exit code 3.
type ErrUnauthorizedBind struct{ Mode string }

func (e *ErrUnauthorizedBind) Error() string {
	return fmt.Sprintf("refusing %s bind without gateway auth configured", e.Mode)
}

// listen opens the listener selected by the configured bind mode.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	mode := s.cfg.Gateway.Bind
	if mode == "" {
		mode = BindLoopback
	}
	port := s.cfg.Gateway.Port
	if port == 0 {
		port = 18789
	}

	if mode != BindLoopback && !s.AuthEnabled() {
		return nil, &ErrUnauthorizedBind{Mode: mode}
	}

	switch mode {
	case BindLoopback:
		return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	case BindLAN:
		return net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	case BindCustom:
		host := s.cfg.Gateway.Host
		if host == "" {
			host = "127.0.0.1"
		}
		return net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	case BindTailnet:
		return s.listenTailnet(ctx, port)
	default:
		return nil, fmt.Errorf("unknown bind mode %q", mode)
	}
}

// listenTailnet joins the tailnet via tsnet and listens there: the gateway
// becomes reachable only from the user's own Tailscale network.
func (s *Server) listenTailnet(ctx context.Context, port int) (net.Listener, error) {
	hostname := s.cfg.Tailscale.Hostname
	if hostname == "" {
		hostname = "openclaw-gateway"
	}
	stateDir := s.cfg.Tailscale.StateDir
	if stateDir == "" {
		if confDir, err := os.UserConfigDir(); err == nil {
			stateDir = filepath.Join(confDir, "tsnet-openclaw")
		}
	}

	srv := &tsnet.Server{
		Hostname:  hostname,
		Dir:       stateDir,
		AuthKey:   s.cfg.Tailscale.AuthKey,
		Ephemeral: s.cfg.Tailscale.Ephemeral,
	}
	if _, err := srv.Up(ctx); err != nil {
		return nil, fmt.Errorf("tsnet up: %w", err)
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if s.cfg.Tailscale.EnableTLS {
		return srv.ListenTLS("tcp", fmt.Sprintf(":%d", port))
	}
	return srv.Listen("tcp", fmt.Sprintf(":%d", port))
}
