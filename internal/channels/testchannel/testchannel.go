// Package testchannel is a vendor-free ChannelAdapter used by integration
// tests and by channels with no SDK wiring (WebChat, ACP): inbound messages
// are injected programmatically, outbound sends are recorded and observable.
package testchannel

import (
	"context"
	"sync"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/channels"
)

// Sent is one recorded outbound delivery.
type Sent struct {
	ChatID  string
	Content string
}

// Channel is the stub adapter.
type Channel struct {
	*channels.BaseChannel

	mu     sync.Mutex
	sent   []Sent
	sendCh chan Sent
}

// New creates a test channel named name publishing inbound onto msgBus.
func New(name string, msgBus *bus.MessageBus, allowList []string) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel(name, msgBus, allowList),
		sendCh:      make(chan Sent, 64),
	}
}

func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return nil
}

func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	s := Sent{ChatID: msg.ChatID, Content: msg.Content}
	c.mu.Lock()
	c.sent = append(c.sent, s)
	c.mu.Unlock()
	select {
	case c.sendCh <- s:
	default:
	}
	return nil
}

// Inject simulates an inbound message from senderID in chatID.
func (c *Channel) Inject(senderID, chatID, content, peerKind string) {
	c.HandleMessage(senderID, chatID, content, nil, nil, peerKind)
}

// SentMessages returns a copy of everything delivered so far.
func (c *Channel) SentMessages() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// WaitSend returns the channel test code blocks on to observe deliveries.
func (c *Channel) WaitSend() <-chan Sent { return c.sendCh }

var _ channels.Channel = (*Channel)(nil)
