package protocol

// Broadcast channel names: one-way, server → subscribers notifications.
const (
	EventChat               = "chat"
	EventExecApprovalReq    = "exec.approval.requested"
	EventExecApprovalDecide = "exec.approval.decided"
	EventSessionState       = "session.state"
	EventDiagnostic         = "diagnostic"
	EventQueue              = "queue"
	EventHealth             = "health"
	EventShutdown           = "shutdown"
)

// Chat delta kinds (payload.kind for EventChat messages).
const (
	DeltaText       = "text"
	DeltaToolCall   = "tool_call"
	DeltaToolResult = "tool_result"
	DeltaReasoning  = "reasoning"
	DeltaUsage      = "usage"
	DeltaFinal      = "final"
	DeltaError      = "error"
)

// Run states, RunRecord.state.
const (
	RunAccepted = "accepted"
	RunQueued   = "queued"
	RunRunning  = "running"
	RunFinal    = "final"
	RunError    = "error"
	RunAborted  = "aborted"
)

// Agent lifecycle event names carried on the EventAgent broadcast channel.
// These narrate a run's progress for channel adapters (placeholder updates,
// typing indicators) as distinct from the per-delta EventChat stream the RPC
// subscribers consume.
const (
	EventAgent = "agent"

	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"

	ChatEventChunk    = "chat.chunk"
	ChatEventThinking = "chat.thinking"

	// EventCacheInvalidate is an internal event (never forwarded to WS
	// subscribers) telling in-process caches to drop an entry.
	EventCacheInvalidate = "cache.invalidate"
)

// ProtocolVersion is the JSON-RPC wire protocol version reported by `health`.
const ProtocolVersion = 1
