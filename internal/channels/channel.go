// Package channels is the adapter layer between external chat platforms
// and the gateway. An adapter owns its platform SDK and the per-platform
// policy surface: DM and group admission, mention gating in groups, and
// provenance metadata on what it forwards to the bus.
package channels

import (
	"context"
	"log/slog"
	"strings"

	"github.com/openclaw/gateway/internal/bus"
)

// InternalChannels never receive outbound dispatch; they exist as message
// origins only.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
}

// IsInternalChannel reports whether name is one of the internal origins.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// DMPolicy decides what happens to a DM from a sender the gateway has
// never seen.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing" // unknown senders must redeem a pairing code
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy is the group-chat counterpart of DMPolicy.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// Channel is the contract every platform adapter satisfies.
type Channel interface {
	// Name is the platform identifier ("telegram", "discord", ...).
	Name() string

	// Start begins receiving; it must return once the listener is up.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the adapter is receiving.
	IsRunning() bool

	// IsAllowed applies the adapter's allowlist to a sender.
	IsAllowed(senderID string) bool
}

// StreamingChannel is implemented by adapters that can render incremental
// response previews (editing a placeholder message as chunks arrive).
type StreamingChannel interface {
	Channel
	// StreamEnabled reports whether streaming is currently wanted. When
	// false the engine calls Chat instead of ChatStream, which yields
	// accurate usage from providers without stream_options support; the
	// toggle lives in config so it can flip at runtime.
	StreamEnabled() bool
	OnStreamStart(ctx context.Context, chatID string) error
	OnChunkEvent(ctx context.Context, chatID string, fullText string) error
	OnStreamEnd(ctx context.Context, chatID string, finalText string) error
}

// ReactionChannel is implemented by adapters that can mirror run status as
// emoji reactions on the triggering message.
type ReactionChannel interface {
	Channel
	OnReactionEvent(ctx context.Context, chatID string, messageID int, status string) error
	ClearReaction(ctx context.Context, chatID string, messageID int) error
}

// BaseChannel carries the state and policy helpers shared by every
// adapter; implementations embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   bool
	allowList []string
	agentID   string // pins inbound routing to one agent; empty defers to routing rules
}

// NewBaseChannel wires the shared adapter state.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus, allowList: allowList}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// SetName renames the channel; named instances of the same platform use
// this to keep their config key as identity.
func (c *BaseChannel) SetName(name string) { c.name = name }

// AgentID returns the pinned agent for this channel, if any.
func (c *BaseChannel) AgentID() string { return c.agentID }

// SetAgentID pins every inbound from this channel to one agent.
func (c *BaseChannel) SetAgentID(id string) { c.agentID = id }

// IsRunning reports the adapter's receive state.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning records the adapter's receive state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus exposes the message bus to the embedding adapter.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// HasAllowList reports whether an allowlist is configured at all.
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// splitCompound separates a "123456|username" compound id into its parts.
func splitCompound(s string) (id, user string) {
	if i := strings.IndexByte(s, '|'); i > 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// IsAllowed matches senderID against the allowlist. Both sides may use
// the compound "id|username" form, and allowlist entries may carry a
// leading "@" on usernames. An empty allowlist admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart := splitCompound(senderID)

	for _, entry := range c.allowList {
		trimmed := strings.TrimPrefix(entry, "@")
		entryID, entryUser := splitCompound(trimmed)

		switch {
		case senderID == entry, senderID == trimmed:
			return true
		case idPart == entry, idPart == trimmed, idPart == entryID:
			return true
		case entryUser != "" && senderID == entryUser:
			return true
		case userPart != "" && (userPart == entry || userPart == trimmed || userPart == entryUser):
			return true
		}
	}
	return false
}

// CheckPolicy admits or rejects a message under the DM/group policy for
// its peer kind. Adapters with a pairing service resolve pairing before
// calling this; here "pairing" degrades to allowlist.
func (c *BaseChannel) CheckPolicy(peerKind, dmPolicy, groupPolicy, senderID string) bool {
	policy := dmPolicy
	if peerKind == "group" {
		policy = groupPolicy
	}
	if policy == "" {
		policy = "open"
	}

	switch policy {
	case "disabled":
		return false
	case "allowlist", "pairing":
		return c.IsAllowed(senderID)
	default:
		return true
	}
}

// HandleMessage publishes a received message to the bus after the
// allowlist check. The user id is the sender id with any "|username"
// suffix stripped.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string, peerKind string) {
	if !c.IsAllowed(senderID) {
		return
	}

	userID, _ := splitCompound(senderID)
	if userID == "" {
		userID = senderID
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		PeerKind: peerKind,
		UserID:   userID,
		Metadata: metadata,
		AgentID:  c.agentID,
	})
}

// Truncate clips s to maxLen with an ellipsis marker.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// DefaultGroupHistoryLimit bounds the pending group history recorded while
// the bot is not mentioned.
const DefaultGroupHistoryLimit = 50

// ValidatePolicy logs unrecognized policy strings at construction so a
// config typo surfaces at startup instead of as silent open access.
func (c *BaseChannel) ValidatePolicy(dmPolicy, groupPolicy string) {
	switch dmPolicy {
	case "", string(DMPolicyPairing), string(DMPolicyAllowlist), string(DMPolicyOpen), string(DMPolicyDisabled):
	default:
		slog.Warn("unknown dm_policy, treating as pairing", "channel", c.name, "dm_policy", dmPolicy)
	}
	switch groupPolicy {
	case "", string(GroupPolicyOpen), string(GroupPolicyAllowlist), string(GroupPolicyDisabled), "pairing":
	default:
		slog.Warn("unknown group_policy, treating as open", "channel", c.name, "group_policy", groupPolicy)
	}
}
