// Package sessions implements the Session Registry: SessionKey parsing and
// construction, the in-memory SessionEntry map, disk persistence, and the
// routing-rule / access-control queries the Ingress Normalizer consults.
//
// Session keys are colon-delimited strings with these recognized shapes:
//
//	agent:{agentId}:{channel}:{peerKind}:{peerId}[:...]   channel-bound session
//	agent:{agentId}:main                                  canonical direct chat
//	agent:{agentId}:subagent:{uuid}                       spawned subagent session
//	agent:{agentId}:cron:{uuid}                           cron-owned session
//	agent:{agentId}:thread:{uuid}                         thread within a main session
//
// The agentId segment is always present for agent-scoped keys. peerKind is one
// of dm, group, channel, topic. The channel token is always lowercased by the
// builders below. A DM collapses to main only when its dmScope is "main";
// under the default dmScope it keeps its channel-bound dm:<peerId> key — see
// BuildScopedSessionKey.
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes the shape of conversation a session key addresses.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
	PeerTopic   PeerKind = "topic"
)

// BuildSessionKey builds the canonical channel-bound session key.
//
//	agent:{agentId}:{channel}:{peerKind}:{peerId}
func BuildSessionKey(agentID, channel string, kind PeerKind, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, strings.ToLower(channel), kind, peerID)
}

// BuildTopicSessionKey builds the session key for a forum/topic conversation.
//
//	agent:{agentId}:{channel}:topic:{parentId}:{topicId}
func BuildTopicSessionKey(agentID, channel, parentID string, topicID string) string {
	return fmt.Sprintf("agent:%s:%s:topic:%s:%s", agentID, strings.ToLower(channel), parentID, topicID)
}

// BuildMainSessionKey builds the canonical "direct chat" session key shared by
// an agent's collapsed single-sender DMs.
//
//	agent:{agentId}:main
func BuildMainSessionKey(agentID string) string {
	return fmt.Sprintf("agent:%s:main", agentID)
}

// BuildSubagentSessionKey builds the session key for a spawned subagent run.
//
//	agent:{agentId}:subagent:{uuid}
func BuildSubagentSessionKey(agentID, uuid string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", agentID, uuid)
}

// BuildCronSessionKey builds the session key owned by a cron job's run.
//
//	agent:{agentId}:cron:{uuid}
//
// Guards against double-prefixing: if uuid is already a canonical session
// key (e.g. "agent:X:..."), only its trailing UUID segment is kept, so
// re-entrant callers (a cron job that re-resolves an existing session) never
// produce "agent:X:cron:agent:X:cron:...".
func BuildCronSessionKey(agentID, uuid string) string {
	if _, rest := ParseSessionKey(uuid); rest != "" {
		if idx := strings.LastIndex(rest, ":"); idx >= 0 {
			uuid = rest[idx+1:]
		} else {
			uuid = rest
		}
	}
	return fmt.Sprintf("agent:%s:cron:%s", agentID, uuid)
}

// BuildThreadSessionKey builds the session key for a thread nested within an
// agent's main session.
//
//	agent:{agentId}:thread:{uuid}
func BuildThreadSessionKey(agentID, uuid string) string {
	return fmt.Sprintf("agent:%s:thread:%s", agentID, uuid)
}

// BuildScopedSessionKey resolves the session key for a DM or group inbound
// given a scoping policy. DMs collapse to the shared main session only under
// dmScope "main".
//
// scope:
//   - "global"      → the literal key "global", one session for everything.
//   - "per-sender"  (default) → per dmScope below.
//
// dmScope (DMs only; groups always use the full channel-bound key):
//   - "main"               → agent:{agentId}:main
//   - "per-peer"           → agent:{agentId}:dm:{peerId}
//   - "per-channel-peer"   → agent:{agentId}:{channel}:dm:{peerId}  (default)
func BuildScopedSessionKey(agentID, channel string, kind PeerKind, peerID, scope, dmScope string) string {
	if scope == "global" {
		return "global"
	}
	if kind != PeerDM {
		return BuildSessionKey(agentID, channel, kind, peerID)
	}
	switch dmScope {
	case "main":
		return BuildMainSessionKey(agentID)
	case "per-peer":
		return fmt.Sprintf("agent:%s:dm:%s", agentID, peerID)
	default: // "per-channel-peer" or empty
		return BuildSessionKey(agentID, channel, kind, peerID)
	}
}

// ParseSessionKey extracts the agentID and the remainder from a canonical
// session key. Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 || parts[0] != "agent" {
		return "", ""
	}
	if len(parts) == 2 {
		return parts[1], ""
	}
	return parts[1], parts[2]
}

// IsSubagentSession reports whether a session key addresses a subagent run.
func IsSubagentSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "subagent:")
}

// IsCronSession reports whether a session key addresses a cron-owned run.
func IsCronSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "cron:")
}

// IsMainSession reports whether a session key is an agent's collapsed main
// direct-chat session.
func IsMainSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.ToLower(rest) == "main"
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDM otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDM
}
