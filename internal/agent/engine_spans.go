package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/providers"
	"github.com/openclaw/gateway/internal/store"
	"github.com/openclaw/gateway/internal/tools"
	"github.com/openclaw/gateway/internal/tracing"
)

func (e *Engine) emit(event AgentEvent) {
	if e.onEvent != nil {
		e.onEvent(event)
	}
}

// ID returns the agent key this engine serves.
func (e *Engine) ID() string { return e.key }

// Model returns the engine's model identifier.
func (e *Engine) Model() string { return e.model }

// IsRunning reports whether any turn is currently executing.
func (e *Engine) IsRunning() bool { return e.active.Load() > 0 }

// spanPreviewLimit picks the preview budget: verbose collectors keep close
// to everything, others a short excerpt.
func spanPreviewLimit(c *tracing.Collector) int {
	if c.Verbose() {
		return 100000
	}
	return 500
}

// recordModelSpan emits a span for one model call when tracing is active.
func (e *Engine) recordModelSpan(ctx context.Context, start time.Time, turn int, conversation []providers.Message, resp *providers.ChatResponse, callErr error) {
	traceID := tracing.TraceIDFromContext(ctx)
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	span := store.SpanData{
		TraceID:    traceID,
		SpanType:   store.SpanTypeLLMCall,
		Name:       fmt.Sprintf("%s/%s #%d", e.provider.Name(), e.model, turn),
		StartTime:  start,
		EndTime:    &now,
		DurationMS: int(now.Sub(start).Milliseconds()),
		Model:      e.model,
		Provider:   e.provider.Name(),
		Status:     store.SpanStatusCompleted,
		Level:      store.SpanLevelDefault,
		CreatedAt:  now,
	}
	if parent := tracing.ParentSpanIDFromContext(ctx); parent != uuid.Nil {
		span.ParentSpanID = &parent
	}

	// Verbose collectors get the serialized conversation, with inline image
	// data replaced by size markers so traces stay storable.
	if collector.Verbose() && len(conversation) > 0 {
		redacted := make([]providers.Message, len(conversation))
		copy(redacted, conversation)
		for i := range redacted {
			if len(redacted[i].Images) == 0 {
				continue
			}
			marks := make([]providers.ImageContent, len(redacted[i].Images))
			for j, img := range redacted[i].Images {
				marks[j] = providers.ImageContent{
					MimeType: img.MimeType,
					Data:     fmt.Sprintf("[base64 %s, %d bytes]", img.MimeType, len(img.Data)),
				}
			}
			redacted[i].Images = marks
		}
		if b, err := json.Marshal(redacted); err == nil {
			span.InputPreview = clip(string(b), 100000)
		}
	}

	switch {
	case callErr != nil:
		span.Status = store.SpanStatusError
		span.Error = callErr.Error()
	case resp != nil:
		if resp.Usage != nil {
			span.InputTokens = resp.Usage.PromptTokens
			span.OutputTokens = resp.Usage.CompletionTokens
			if meta := cacheUsageMeta(resp.Usage); meta != nil {
				span.Metadata = meta
			}
		}
		span.FinishReason = resp.FinishReason
		span.OutputPreview = clip(resp.Content, spanPreviewLimit(collector))
	}

	collector.EmitSpan(span)
}

// cacheUsageMeta serializes prompt-cache counters when the provider
// reported any.
func cacheUsageMeta(u *providers.Usage) []byte {
	if u.CacheCreationTokens == 0 && u.CacheReadTokens == 0 {
		return nil
	}
	b, err := json.Marshal(map[string]int{
		"cache_creation_tokens": u.CacheCreationTokens,
		"cache_read_tokens":     u.CacheReadTokens,
	})
	if err != nil {
		return nil
	}
	return b
}

// recordToolSpan emits a span for one tool call. Tools that make inner
// model calls (read_image and friends) report that usage on the result and
// it lands here.
func (e *Engine) recordToolSpan(ctx context.Context, start time.Time, toolName, toolCallID, input string, result *tools.Result) {
	traceID := tracing.TraceIDFromContext(ctx)
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	limit := spanPreviewLimit(collector)
	span := store.SpanData{
		TraceID:       traceID,
		SpanType:      store.SpanTypeToolCall,
		Name:          toolName,
		StartTime:     start,
		EndTime:       &now,
		DurationMS:    int(now.Sub(start).Milliseconds()),
		ToolName:      toolName,
		ToolCallID:    toolCallID,
		InputPreview:  clip(input, limit),
		OutputPreview: clip(result.ForLLM, limit),
		Status:        store.SpanStatusCompleted,
		Level:         store.SpanLevelDefault,
		CreatedAt:     now,
	}
	if parent := tracing.ParentSpanIDFromContext(ctx); parent != uuid.Nil {
		span.ParentSpanID = &parent
	}
	if result.IsError {
		span.Status = store.SpanStatusError
		span.Error = clip(result.ForLLM, 200)
	}
	if result.Usage != nil {
		span.InputTokens = result.Usage.PromptTokens
		span.OutputTokens = result.Usage.CompletionTokens
		span.Provider = result.Provider
		span.Model = result.Model
		if meta := cacheUsageMeta(result.Usage); meta != nil {
			span.Metadata = meta
		}
	}

	collector.EmitSpan(span)
}

// recordRootSpan emits the turn's root span, the parent of every model and
// tool span. Token counts stay off the root so trace aggregation, which
// sums llm_call spans, doesn't double-count.
func (e *Engine) recordRootSpan(ctx context.Context, start time.Time, result *RunResult, runErr error) {
	traceID := tracing.TraceIDFromContext(ctx)
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil || traceID == uuid.Nil {
		return
	}
	rootID := tracing.ParentSpanIDFromContext(ctx)
	if rootID == uuid.Nil {
		return
	}

	now := time.Now().UTC()
	span := store.SpanData{
		ID:         rootID,
		TraceID:    traceID,
		SpanType:   store.SpanTypeAgent,
		Name:       e.key,
		StartTime:  start,
		EndTime:    &now,
		DurationMS: int(now.Sub(start).Milliseconds()),
		Model:      e.model,
		Provider:   e.provider.Name(),
		Status:     store.SpanStatusCompleted,
		Level:      store.SpanLevelDefault,
		CreatedAt:  now,
	}
	if runErr != nil {
		span.Status = store.SpanStatusError
		span.Error = runErr.Error()
	} else if result != nil {
		span.OutputPreview = clip(result.Content, spanPreviewLimit(collector))
	}

	collector.EmitSpan(span)
}

// clip truncates s to maxLen bytes without splitting a rune.
func clip(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}

// EstimateTokens gives a rough token count for messages; context pruning
// and the compaction threshold both lean on it.
func EstimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content) / 3
	}
	return total
}
