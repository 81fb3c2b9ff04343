package bus

import "context"

// InboundMessage represents a message received from a channel adapter
// (Telegram, Discord, testchannel, ...) before the Ingress Normalizer turns
// it into an InboundContext.
type InboundMessage struct {
	Channel      string            `json:"channel"`
	SenderID     string            `json:"sender_id"`
	ChatID       string            `json:"chat_id"`
	Content      string            `json:"content"`
	Media        []string          `json:"media,omitempty"`
	PeerKind     string            `json:"peer_kind,omitempty"` // sessions.PeerKind value
	AgentID      string            `json:"agent_id,omitempty"` // target agent, when the adapter already knows it
	UserID       string            `json:"user_id,omitempty"`  // external user identity, propagated to spawned runs
	ThreadID     string            `json:"thread_id,omitempty"`
	HistoryLimit int               `json:"history_limit,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is one message headed out through an adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`    // optional media attachments
	Metadata map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// MediaAttachment is one file delivered alongside a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // local path or URL
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
	AsVoice     bool   `json:"as_voice,omitempty"` // deliver as a voice note where supported
}

// Event is a server-side broadcast to WebSocket subscribers.
type Event struct {
	Name    string      `json:"name"`              // event name (e.g. "agent", "chat", "health")
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler consumes one inbound message.
type MessageHandler func(InboundMessage) error

// EventHandler consumes one broadcast event.
type EventHandler func(Event)

// EventPublisher is the broadcast face of the bus; the hub and the
// engines hold this instead of the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter is the message-flow face of the bus, between adapters
// and the run controller.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
