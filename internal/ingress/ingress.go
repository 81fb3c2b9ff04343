// Package ingress implements the Ingress Normalizer: a state-free
// pipeline turning a channel adapter's parsed payload into the canonical
// InboundContext, deciding acceptance on the way via DM/group access policy,
// mention gating, and the input-guard scan.
//
// The pipeline runs once per inbound. It holds no per-message state of its
// own; the only stateful collaborators are the Session Registry (routing,
// per-session activation overrides) and the pairing store.
package ingress

import (
	"strings"

	"github.com/openclaw/gateway/internal/sessions"
	"github.com/openclaw/gateway/internal/store"
)

// ChatType classifies the conversation shape of an inbound.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
	ChatTopic   ChatType = "topic"
)

// DMPolicy controls who may open a direct conversation.
type DMPolicy string

const (
	DMDisabled  DMPolicy = "disabled"
	DMOpen      DMPolicy = "open"
	DMAllowlist DMPolicy = "allowlist"
	DMPairing   DMPolicy = "pairing"
)

// GroupPolicy controls which groups the bot will act in.
type GroupPolicy string

const (
	GroupDisabled  GroupPolicy = "disabled"
	GroupOpen      GroupPolicy = "open"
	GroupAllowlist GroupPolicy = "allowlist"
)

// Attachment is one inbound media item, already fetched by the adapter.
type Attachment struct {
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Name        string `json:"name,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
}

// Location is an inbound shared location.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

// Payload is the adapter-parsed inbound handed to Normalize. Parsing the
// provider's wire schema already happened inside the channel adapter, which
// knows its own SDK types.
type Payload struct {
	Provider  string
	Channel   string
	AccountID string

	SenderID       string
	SenderE164     string
	SenderName     string
	SenderUsername string

	SelfID string // the bot's own identity on this account

	ChatType       ChatType
	GroupSubject   string
	ConversationID string
	ReplyToID      string
	TopicParentID  string
	TopicID        string

	Body        string
	Attachments []Attachment
	Location    *Location

	WasMentioned bool
	MentionedIDs []string
	ReplyToSelf  bool // the inbound replies to one of the bot's own messages

	ForwardedFrom     string
	ForwardedFromType string
	ForwardedDate     int64
}

// Context is the canonical InboundContext produced for accepted
// payloads.
type Context struct {
	Provider  string `json:"provider"`
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`

	SenderID       string `json:"senderId"`
	SenderE164     string `json:"senderE164,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	SenderUsername string `json:"senderUsername,omitempty"`

	ChatType       ChatType `json:"chatType"`
	GroupSubject   string   `json:"groupSubject,omitempty"`
	ConversationID string   `json:"conversationId"`
	ReplyToID      string   `json:"replyToId,omitempty"`

	RawBody         string       `json:"rawBody"`
	Body            string       `json:"body"`
	BodyForAgent    string       `json:"bodyForAgent"`
	BodyForCommands string       `json:"bodyForCommands"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Location        *Location    `json:"location,omitempty"`

	SessionKey        string   `json:"sessionKey"`
	AgentID           string   `json:"agentId"`
	CommandAuthorized bool     `json:"commandAuthorized"`
	WasMentioned      bool     `json:"wasMentioned"`
	MentionedIDs      []string `json:"mentionedIds,omitempty"`

	ForwardedFrom     string `json:"forwardedFrom,omitempty"`
	ForwardedFromType string `json:"forwardedFromType,omitempty"`
	ForwardedDate     int64  `json:"forwardedDate,omitempty"`
}

// Block reasons.
const (
	ReasonUnparseable  = "unparseable"
	ReasonPolicy       = "policy"
	ReasonNotActivated = "not-activated"
)

// Result is the accept/block outcome of one Normalize call.
type Result struct {
	Accepted bool     `json:"accepted"`
	Reason   string   `json:"reason,omitempty"`
	Ctx      *Context `json:"ctx,omitempty"`

	// PairingCode is set when a pairing-policy DM from an unknown sender
	// was blocked: the adapter relays the code for out-of-band approval.
	PairingCode string `json:"pairingCode,omitempty"`
}

// Policy is the per-channel access configuration the pipeline consults.
type Policy struct {
	DM             DMPolicy
	Group          GroupPolicy
	RequireMention bool
	AllowFrom      []string // DM allowlist (sender ids, e164s, or usernames)
	GroupAllow     []string // group allowlist (conversation ids)
	OwnerIDs       []string // senders allowed to issue commands
}

// BodyScanner is the input-guard hook: it reports the names of any
// prompt-injection markers found in a body.
type BodyScanner interface {
	Scan(body string) []string
}

// GuardAction is what Normalize does when the scanner matches.
type GuardAction string

const (
	GuardOff   GuardAction = "off"
	GuardLog   GuardAction = "log"
	GuardWarn  GuardAction = "warn"
	GuardBlock GuardAction = "block"
)

// Normalizer runs the pipeline.
type Normalizer struct {
	registry *sessions.Registry
	routing  sessions.RoutingRules
	pairing  store.PairingStore

	guard       BodyScanner
	guardAction GuardAction

	defaultAgent string
}

// Options configures a Normalizer.
type Options struct {
	Registry     *sessions.Registry
	Routing      sessions.RoutingRules
	Pairing      store.PairingStore
	Guard        BodyScanner
	GuardAction  GuardAction
	DefaultAgent string
}

// New creates a Normalizer.
func New(opts Options) *Normalizer {
	action := opts.GuardAction
	if action == "" {
		action = GuardWarn
	}
	defaultAgent := opts.DefaultAgent
	if defaultAgent == "" {
		defaultAgent = "main"
	}
	return &Normalizer{
		registry:     opts.Registry,
		routing:      opts.Routing,
		pairing:      opts.Pairing,
		guard:        opts.Guard,
		guardAction:  action,
		defaultAgent: defaultAgent,
	}
}

// Normalize runs the pipeline for one payload and returns accept/block plus
// the canonical context.
func (n *Normalizer) Normalize(p Payload, pol Policy) Result {
	if p.Channel == "" || p.SenderID == "" || p.ConversationID == "" {
		return Result{Reason: ReasonUnparseable}
	}
	if p.ChatType == "" {
		p.ChatType = ChatDirect
	}

	// Access control.
	if res, blocked := n.checkAccess(p, pol); blocked {
		return res
	}

	// Group gating.
	agentID := n.resolveAgent(p)
	sessionKey := n.sessionKey(agentID, p)
	if blocked := n.checkActivation(p, pol, sessionKey); blocked {
		return Result{Reason: ReasonNotActivated}
	}

	// Input-guard scan over the body that would reach the model.
	if n.guard != nil && n.guardAction != GuardOff {
		if matches := n.guard.Scan(p.Body); len(matches) > 0 && n.guardAction == GuardBlock {
			return Result{Reason: ReasonPolicy}
		}
	}

	bodyForAgent, bodyForCommands := SplitCommandBody(p.Body)

	ctx := &Context{
		Provider:          p.Provider,
		Channel:           strings.ToLower(p.Channel),
		AccountID:         p.AccountID,
		SenderID:          p.SenderID,
		SenderE164:        p.SenderE164,
		SenderName:        p.SenderName,
		SenderUsername:    p.SenderUsername,
		ChatType:          p.ChatType,
		GroupSubject:      p.GroupSubject,
		ConversationID:    p.ConversationID,
		ReplyToID:         p.ReplyToID,
		RawBody:           p.Body,
		Body:              strings.TrimSpace(p.Body),
		BodyForAgent:      bodyForAgent,
		BodyForCommands:   bodyForCommands,
		Attachments:       p.Attachments,
		Location:          p.Location,
		SessionKey:        sessionKey,
		AgentID:           agentID,
		CommandAuthorized: n.commandAuthorized(p, pol),
		WasMentioned:      p.WasMentioned || p.ReplyToSelf,
		MentionedIDs:      dedupeMentions(p.MentionedIDs),
		ForwardedFrom:     p.ForwardedFrom,
		ForwardedFromType: p.ForwardedFromType,
		ForwardedDate:     p.ForwardedDate,
	}

	return Result{Accepted: true, Ctx: ctx}
}

// checkAccess applies the DM/group policy. Returns (result, true) when the
// inbound is blocked.
func (n *Normalizer) checkAccess(p Payload, pol Policy) (Result, bool) {
	switch p.ChatType {
	case ChatDirect:
		switch pol.DM {
		case DMDisabled:
			return Result{Reason: ReasonPolicy}, true
		case DMOpen:
			return Result{}, false
		case DMAllowlist:
			if matchesSender(p, pol.AllowFrom) {
				return Result{}, false
			}
			if n.routing != nil && n.routing.AllowDM(p.AccountID, p.SenderID) {
				return Result{}, false
			}
			return Result{Reason: ReasonPolicy}, true
		case DMPairing:
			// Allowlisted senders skip pairing entirely.
			if matchesSender(p, pol.AllowFrom) {
				return Result{}, false
			}
			if n.pairing != nil {
				if n.pairing.IsPaired(p.SenderID, p.Channel) {
					return Result{}, false
				}
				code, err := n.pairing.RequestPairing(p.SenderID, p.Channel, p.ConversationID, n.defaultAgent)
				if err == nil {
					return Result{Reason: ReasonPolicy, PairingCode: code}, true
				}
			}
			return Result{Reason: ReasonPolicy}, true
		default:
			return Result{Reason: ReasonPolicy}, true
		}

	default: // group, channel, topic
		switch pol.Group {
		case GroupDisabled:
			return Result{Reason: ReasonPolicy}, true
		case GroupOpen:
			return Result{}, false
		case GroupAllowlist:
			for _, id := range pol.GroupAllow {
				if id == p.ConversationID || id == "*" {
					return Result{}, false
				}
			}
			if n.routing != nil && n.routing.AllowGroup(p.AccountID, p.ConversationID) {
				return Result{}, false
			}
			return Result{Reason: ReasonPolicy}, true
		default:
			return Result{Reason: ReasonPolicy}, true
		}
	}
}

// checkActivation applies the mention gate for group-shaped chats. A
// per-session groupActivation=always override accepts everything; otherwise
// requireMention demands a mention or a reply to the bot.
func (n *Normalizer) checkActivation(p Payload, pol Policy, sessionKey string) bool {
	if p.ChatType == ChatDirect {
		return false
	}
	if !pol.RequireMention {
		return false
	}
	if n.registry != nil {
		if e := n.registry.Get(sessionKey); e != nil && e.GroupActivation == sessions.ActivationAlways {
			return false
		}
	}
	// A reply to the bot's own message takes precedence over mention
	// detection: it is addressing the bot even without an explicit @.
	return !(p.WasMentioned || p.ReplyToSelf)
}

// resolveAgent answers "which agent owns this inbound" via routing rules,
// falling back to the default agent.
func (n *Normalizer) resolveAgent(p Payload) string {
	if n.routing != nil {
		if agent := n.routing.ResolveAgent(p.Channel, p.SenderID); agent != "" {
			return agent
		}
		if agent := n.routing.ResolveAgent(p.Channel, p.ConversationID); agent != "" {
			return agent
		}
	}
	return n.defaultAgent
}

// sessionKey derives the canonical key per the grammar. A DM whose sender
// is the account's own identity collapses to main.
func (n *Normalizer) sessionKey(agentID string, p Payload) string {
	switch p.ChatType {
	case ChatDirect:
		if p.SelfID != "" && p.SenderID == p.SelfID {
			return sessions.BuildMainSessionKey(agentID)
		}
		return sessions.BuildSessionKey(agentID, p.Channel, sessions.PeerDM, p.SenderID)
	case ChatGroup:
		return sessions.BuildSessionKey(agentID, p.Channel, sessions.PeerGroup, p.ConversationID)
	case ChatChannel:
		return sessions.BuildSessionKey(agentID, p.Channel, sessions.PeerChannel, p.ConversationID)
	case ChatTopic:
		parent := p.TopicParentID
		if parent == "" {
			parent = p.ConversationID
		}
		return sessions.BuildTopicSessionKey(agentID, p.Channel, parent, p.TopicID)
	}
	return sessions.BuildSessionKey(agentID, p.Channel, sessions.PeerDM, p.SenderID)
}

// commandAuthorized reports whether this sender may issue slash directives:
// owners always; otherwise any allowlisted DM sender.
func (n *Normalizer) commandAuthorized(p Payload, pol Policy) bool {
	for _, owner := range pol.OwnerIDs {
		if owner == p.SenderID || (p.SenderE164 != "" && owner == p.SenderE164) {
			return true
		}
	}
	return p.ChatType == ChatDirect && matchesSender(p, pol.AllowFrom)
}

// matchesSender checks a sender against an allowFrom list by id, e164, or
// @username.
func matchesSender(p Payload, allow []string) bool {
	for _, entry := range allow {
		if entry == "*" || entry == p.SenderID {
			return true
		}
		if p.SenderE164 != "" && entry == p.SenderE164 {
			return true
		}
		if p.SenderUsername != "" && strings.EqualFold(strings.TrimPrefix(entry, "@"), p.SenderUsername) {
			return true
		}
	}
	return false
}

// dedupeMentions collapses repeated mentions of the same id to one.
func dedupeMentions(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// SplitCommandBody produces BodyForAgent (command prefix stripped) and
// BodyForCommands (command text retained). A directive-only body leaves
// BodyForAgent empty: the Run Controller mutates session state and never
// engages the model.
func SplitCommandBody(body string) (forAgent, forCommands string) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "/") {
		return trimmed, ""
	}

	// "/think high\nthe rest" → command "/think high", remainder for agent.
	// Only a newline separates the two; text on the command line stays
	// part of the command.
	line := trimmed
	rest := ""
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		line = strings.TrimSpace(trimmed[:idx])
		rest = strings.TrimSpace(trimmed[idx+1:])
	}
	return rest, line
}
