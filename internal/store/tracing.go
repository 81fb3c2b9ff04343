package store

import (
	"time"

	"github.com/google/uuid"
)

// TraceData is the root record for one agent run, emitted by the Agent Run
// Controller's tracing hook and exported as an OTel trace by
// internal/tracing.Collector.
type TraceData struct {
	ID            uuid.UUID
	ParentTraceID *uuid.UUID
	RunID         string
	SessionKey    string
	UserID        string
	Channel       string
	AgentID       *uuid.UUID
	Name          string
	InputPreview  string
	Status        string
	StartTime     time.Time
	CreatedAt     time.Time
	Tags          []string
}

// Trace status values.
const (
	TraceStatusRunning   = "running"
	TraceStatusCompleted = "completed"
	TraceStatusError     = "error"
	TraceStatusCancelled = "cancelled"
)

// SpanType distinguishes the three span shapes a run emits.
type SpanType string

const (
	SpanTypeAgent   SpanType = "agent"
	SpanTypeLLMCall SpanType = "llm_call"
	SpanTypeToolCall SpanType = "tool_call"
)

// Span status/level values, mirroring OTel's own vocabulary so EmitSpan can
// map them onto span status codes without a translation table.
const (
	SpanStatusCompleted = "completed"
	SpanStatusError     = "error"
	SpanLevelDefault    = "DEFAULT"
)

// SpanData is one LLM call, tool call, or agent-run span within a trace.
type SpanData struct {
	ID            uuid.UUID
	TraceID       uuid.UUID
	ParentSpanID  *uuid.UUID
	AgentID       *uuid.UUID
	SpanType      SpanType
	Name          string
	StartTime     time.Time
	EndTime       *time.Time
	DurationMS    int
	Model         string
	Provider      string
	ToolName      string
	ToolCallID    string
	Status        string
	Level         string
	Error         string
	FinishReason  string
	InputPreview  string
	OutputPreview string
	InputTokens   int
	OutputTokens  int
	Metadata      []byte
	CreatedAt     time.Time
}

// GenNewID returns a fresh random UUID. Thin wrapper so call sites depend on
// the store package rather than reaching for google/uuid directly, keeping
// trace/span ID generation in one place.
func GenNewID() uuid.UUID {
	return uuid.New()
}
