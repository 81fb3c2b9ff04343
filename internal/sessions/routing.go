package sessions

import "strings"

// RoutingRules answers "which agent owns this inbound?" when the caller
// doesn't already know: exact peer, wildcard peer, per-channel
// default, global default — first match wins. It also answers the two
// access-control queries the Ingress Normalizer consults:
// DM allowlisting and group allow/gating.
type RoutingRules interface {
	// ResolveAgent returns the agentID that should own an inbound from
	// peerID on channel, or "" if no rule matches (caller falls back to a
	// configured default agent per the "agent-missing" failure mode).
	ResolveAgent(channel, peerID string) string

	// AllowDM reports whether senderID is allowlisted for direct messages
	// on accountID. Only consulted when the DM policy is "allowlist".
	AllowDM(accountID, senderID string) bool

	// AllowGroup reports whether groupID is allowlisted for group messages
	// on accountID. Only consulted when the group policy is "allowlist".
	AllowGroup(accountID, groupID string) bool
}

// StaticRouting is a RoutingRules implementation backed by in-memory maps,
// suitable for config-file-defined routing (no database). Matching order is
// exact peer, then wildcard ("*") peer, then per-channel default, then
// global default — first match wins.
type StaticRouting struct {
	// ExactPeer maps "channel:peerId" -> agentId.
	ExactPeer map[string]string
	// ChannelDefault maps "channel" -> agentId.
	ChannelDefault map[string]string
	// GlobalDefault is used when no channel-specific rule matches.
	GlobalDefault string

	// DMAllowlist maps accountId -> set of allowed sender IDs.
	DMAllowlist map[string]map[string]bool
	// GroupAllowlist maps accountId -> set of allowed group IDs.
	GroupAllowlist map[string]map[string]bool
}

func (s *StaticRouting) ResolveAgent(channel, peerID string) string {
	if s.ExactPeer != nil {
		if agent, ok := s.ExactPeer[channel+":"+peerID]; ok {
			return agent
		}
		if agent, ok := s.ExactPeer[channel+":*"]; ok {
			return agent
		}
	}
	if s.ChannelDefault != nil {
		if agent, ok := s.ChannelDefault[strings.ToLower(channel)]; ok {
			return agent
		}
	}
	return s.GlobalDefault
}

func (s *StaticRouting) AllowDM(accountID, senderID string) bool {
	set, ok := s.DMAllowlist[accountID]
	if !ok {
		return false
	}
	return set[senderID]
}

func (s *StaticRouting) AllowGroup(accountID, groupID string) bool {
	set, ok := s.GroupAllowlist[accountID]
	if !ok {
		return false
	}
	return set[groupID]
}
