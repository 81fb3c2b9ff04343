package store

import "time"

// PairingRecord tracks one channel identity's approval state
// "Cron & System Events" sibling concern of gating unknown senders before
// they reach an agent. A record starts unapproved when a sender first
// messages a channel with dmPolicy "pairing" and is approved out of band
// (RPC call or CLI) by the owner.
type PairingRecord struct {
	Code       string    `json:"code"`
	SenderID   string    `json:"sender_id"`
	Channel    string    `json:"channel"`
	ChannelID  string    `json:"channel_id"`
	AgentKey   string    `json:"agent_key"`
	Approved   bool      `json:"approved"`
	RequestedAt time.Time `json:"requested_at"`
	ApprovedAt  time.Time `json:"approved_at,omitempty"`
}

// PairingStore tracks pending and approved channel pairings.
type PairingStore interface {
	// RequestPairing records (or re-returns) a pairing code for senderID on
	// channel. Idempotent: a second request before approval returns the same
	// code rather than minting a new one.
	RequestPairing(senderID, channel, channelID, agentKey string) (code string, err error)

	// IsPaired reports whether senderID is approved on channel.
	IsPaired(senderID, channel string) bool

	// Approve marks the pairing identified by code as approved.
	Approve(code string) (*PairingRecord, error)

	// Get returns the pairing record for senderID on channel, if any.
	Get(senderID, channel string) (*PairingRecord, error)

	// List returns every pairing record, approved and pending.
	List() []*PairingRecord
}
