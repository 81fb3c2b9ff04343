package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/providers"
	"github.com/openclaw/gateway/internal/store"
	"github.com/openclaw/gateway/internal/tracing"
)

// AnnounceQueueItem is one completed subagent result awaiting announcement
// back to the spawning session.
type AnnounceQueueItem struct {
	SubagentID string
	Label      string
	Status     string
	Result     string
	Runtime    time.Duration
	Iterations int
}

// AnnounceMetadata carries the routing identity the announce turn needs to
// land back in the originating session.
type AnnounceMetadata struct {
	OriginChannel    string
	OriginChatID     string
	OriginPeerKind   string
	OriginUserID     string
	ParentAgent      string
	OriginTraceID    string
	OriginRootSpanID string
}

// AnnounceQueue batches subagent completions per originating session within a
// short debounce window, so a burst of parallel subagents finishing together
// produces one combined announcement turn instead of N.
type AnnounceQueue struct {
	mu       sync.Mutex
	pending  map[string]*announceBatch
	debounce time.Duration
	msgBus   *bus.MessageBus
	counter  func(parentAgent string) int // running-subagent count for the trailer line
}

type announceBatch struct {
	items []AnnounceQueueItem
	meta  AnnounceMetadata
	timer *time.Timer
}

// NewAnnounceQueue creates an AnnounceQueue publishing onto msgBus. counter
// may be nil.
func NewAnnounceQueue(msgBus *bus.MessageBus, debounce time.Duration, counter func(parentAgent string) int) *AnnounceQueue {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &AnnounceQueue{
		pending:  make(map[string]*announceBatch),
		debounce: debounce,
		msgBus:   msgBus,
		counter:  counter,
	}
}

// Enqueue adds a completion to sessionKey's batch, (re)arming the debounce
// timer. The batch flushes once the timer fires with no new arrivals.
func (q *AnnounceQueue) Enqueue(sessionKey string, item AnnounceQueueItem, meta AnnounceMetadata) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.pending[sessionKey]
	if !ok {
		b = &announceBatch{meta: meta}
		q.pending[sessionKey] = b
	}
	b.items = append(b.items, item)

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(q.debounce, func() { q.flush(sessionKey) })
}

func (q *AnnounceQueue) flush(sessionKey string) {
	q.mu.Lock()
	b, ok := q.pending[sessionKey]
	delete(q.pending, sessionKey)
	q.mu.Unlock()
	if !ok || len(b.items) == 0 {
		return
	}

	remaining := 0
	if q.counter != nil {
		remaining = q.counter(b.meta.ParentAgent)
	}

	q.msgBus.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: "subagent:" + b.items[0].SubagentID,
		ChatID:   b.meta.OriginChatID,
		Content:  FormatBatchedAnnounce(b.items, remaining),
		UserID:   b.meta.OriginUserID,
		Metadata: map[string]string{
			"origin_channel":      b.meta.OriginChannel,
			"origin_peer_kind":    b.meta.OriginPeerKind,
			"parent_agent":        b.meta.ParentAgent,
			"origin_trace_id":     b.meta.OriginTraceID,
			"origin_root_span_id": b.meta.OriginRootSpanID,
		},
	})
}

// FormatBatchedAnnounce renders one or more subagent completions as the
// system turn posted back to the requesting session. The agent reformulates
// this for the user; it is not delivered verbatim.
func FormatBatchedAnnounce(items []AnnounceQueueItem, remainingActive int) string {
	var sb strings.Builder
	if len(items) == 1 {
		sb.WriteString("[Subagent completed]\n")
	} else {
		fmt.Fprintf(&sb, "[%d subagents completed]\n", len(items))
	}

	for _, item := range items {
		fmt.Fprintf(&sb, "\nStatus: %s\nLabel: %s\nRuntime: %s (%d iterations)\nResult:\n%s\n",
			item.Status, item.Label, item.Runtime.Round(time.Second), item.Iterations, item.Result)
	}

	if remainingActive > 0 {
		fmt.Fprintf(&sb, "\n%d subagent(s) still running.", remainingActive)
	}
	sb.WriteString("\nSummarize the outcome for the user in your own voice. Reply NO_REPLY if nothing needs their attention.")
	return sb.String()
}

func generateSubagentID() string {
	return uuid.NewString()[:8]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// scheduleArchive removes a completed task from the manager's table after the
// configured TTL, keeping the task map bounded.
func (sm *SubagentManager) scheduleArchive(id string, after time.Duration) {
	time.Sleep(after)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if t, ok := sm.tasks[id]; ok && t.Status != TaskStatusRunning {
		delete(sm.tasks, id)
	}
}

// Get returns a task by id.
func (sm *SubagentManager) Get(id string) (*SubagentTask, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	t, ok := sm.tasks[id]
	return t, ok
}

// List returns a snapshot of all tracked tasks.
func (sm *SubagentManager) List() []*SubagentTask {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*SubagentTask, 0, len(sm.tasks))
	for _, t := range sm.tasks {
		out = append(out, t)
	}
	return out
}

// Cancel stops a running task's context. The task transitions to cancelled
// on its own goroutine's next checkpoint.
func (sm *SubagentManager) Cancel(id string) bool {
	sm.mu.RLock()
	t, ok := sm.tasks[id]
	sm.mu.RUnlock()
	if !ok || t.cancelFunc == nil {
		return false
	}
	t.cancelFunc()
	return true
}

// emitSubagentSpan records the subagent's own root span, nested under the
// spawning agent's root span.
func (sm *SubagentManager) emitSubagentSpan(ctx context.Context, spanID uuid.UUID, start time.Time, task *SubagentTask, model, output string) {
	collector := tracing.CollectorFromContext(ctx)
	traceID := tracing.TraceIDFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	span := store.SpanData{
		ID:            spanID,
		TraceID:       traceID,
		SpanType:      store.SpanTypeAgent,
		Name:          "subagent:" + task.Label,
		StartTime:     start,
		EndTime:       &now,
		DurationMS:    int(now.Sub(start).Milliseconds()),
		Model:         model,
		Status:        store.SpanStatusCompleted,
		Level:         store.SpanLevelDefault,
		OutputPreview: truncate(output, 500),
		CreatedAt:     now,
	}
	if parent := tracing.ParentSpanIDFromContext(ctx); parent != uuid.Nil {
		span.ParentSpanID = &parent
	}
	if task.Status == TaskStatusFailed {
		span.Status = store.SpanStatusError
		span.Error = truncate(task.Result, 200)
	}
	collector.EmitSpan(span)
}

// emitLLMSpan records one of the subagent's LLM iterations.
func (sm *SubagentManager) emitLLMSpan(ctx context.Context, start time.Time, iteration int, model string, messages []providers.Message, resp *providers.ChatResponse, callErr error) {
	collector := tracing.CollectorFromContext(ctx)
	traceID := tracing.TraceIDFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	span := store.SpanData{
		TraceID:    traceID,
		SpanType:   store.SpanTypeLLMCall,
		Name:       fmt.Sprintf("%s/%s #%d", sm.provider.Name(), model, iteration),
		StartTime:  start,
		EndTime:    &now,
		DurationMS: int(now.Sub(start).Milliseconds()),
		Model:      model,
		Provider:   sm.provider.Name(),
		Status:     store.SpanStatusCompleted,
		Level:      store.SpanLevelDefault,
		CreatedAt:  now,
	}
	if parent := tracing.ParentSpanIDFromContext(ctx); parent != uuid.Nil {
		span.ParentSpanID = &parent
	}
	if callErr != nil {
		span.Status = store.SpanStatusError
		span.Error = callErr.Error()
	} else if resp != nil {
		if resp.Usage != nil {
			span.InputTokens = resp.Usage.PromptTokens
			span.OutputTokens = resp.Usage.CompletionTokens
		}
		span.FinishReason = resp.FinishReason
		span.OutputPreview = truncate(resp.Content, 500)
	}
	collector.EmitSpan(span)
}

// emitToolSpan records one of the subagent's tool calls.
func (sm *SubagentManager) emitToolSpan(ctx context.Context, start time.Time, toolName, toolCallID, input, output string, isError bool) {
	collector := tracing.CollectorFromContext(ctx)
	traceID := tracing.TraceIDFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	span := store.SpanData{
		TraceID:       traceID,
		SpanType:      store.SpanTypeToolCall,
		Name:          toolName,
		StartTime:     start,
		EndTime:       &now,
		DurationMS:    int(now.Sub(start).Milliseconds()),
		ToolName:      toolName,
		ToolCallID:    toolCallID,
		InputPreview:  truncate(input, 500),
		OutputPreview: truncate(output, 500),
		Status:        store.SpanStatusCompleted,
		Level:         store.SpanLevelDefault,
		CreatedAt:     now,
	}
	if parent := tracing.ParentSpanIDFromContext(ctx); parent != uuid.Nil {
		span.ParentSpanID = &parent
	}
	if isError {
		span.Status = store.SpanStatusError
		span.Error = truncate(output, 200)
	}
	collector.EmitSpan(span)
}
