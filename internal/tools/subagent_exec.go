package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/providers"
	"github.com/openclaw/gateway/internal/store"
	"github.com/openclaw/gateway/internal/tracing"
)

// runTask drives one asynchronous child to completion and announces the
// outcome into the parent's session, where the parent agent reformulates
// it for the user.
func (sm *SubagentManager) runTask(ctx context.Context, task *SubagentTask, callback AsyncCallback) {
	iterations := sm.executeTask(ctx, task)

	if sm.msgBus != nil && task.OriginChannel != "" {
		item := AnnounceQueueItem{
			SubagentID: task.ID,
			Label:      task.Label,
			Status:     task.Status,
			Result:     task.Result,
			Runtime:    time.Since(time.UnixMilli(task.CreatedAt)),
			Iterations: iterations,
		}
		meta := AnnounceMetadata{
			OriginChannel:    task.OriginChannel,
			OriginChatID:     task.OriginChatID,
			OriginPeerKind:   task.OriginPeerKind,
			OriginUserID:     task.OriginUserID,
			ParentAgent:      task.ParentID,
			OriginTraceID:    task.OriginTraceID.String(),
			OriginRootSpanID: task.OriginRootSpanID.String(),
		}

		if sm.announceQueue != nil {
			sessionKey := fmt.Sprintf("announce:%s:%s", task.ParentID, task.OriginChatID)
			sm.announceQueue.Enqueue(sessionKey, item, meta)
		} else {
			remaining := sm.CountRunningForParent(task.ParentID)
			sm.msgBus.PublishInbound(bus.InboundMessage{
				Channel:  "system",
				SenderID: fmt.Sprintf("subagent:%s", task.ID),
				ChatID:   task.OriginChatID,
				Content:  FormatBatchedAnnounce([]AnnounceQueueItem{item}, remaining),
				UserID:   task.OriginUserID,
				Metadata: map[string]string{
					"origin_channel":      task.OriginChannel,
					"origin_peer_kind":    task.OriginPeerKind,
					"parent_agent":        task.ParentID,
					"subagent_id":         task.ID,
					"subagent_label":      task.Label,
					"origin_trace_id":     task.OriginTraceID.String(),
					"origin_root_span_id": task.OriginRootSpanID.String(),
				},
			})
		}
	}

	if callback != nil {
		callback(ctx, NewResult(fmt.Sprintf("Subagent '%s' completed in %d iterations.\n\nResult:\n%s",
			task.Label, iterations, task.Result)))
	}
}

// resolveModel picks the child's model: per-task override, then the
// configured subagent override, then whatever the parent runs.
func (sm *SubagentManager) resolveModel(task *SubagentTask) string {
	switch {
	case task.Model != "":
		return task.Model
	case sm.config.Model != "":
		return sm.config.Model
	default:
		return sm.model
	}
}

// executeTask runs the child's model/tool loop and returns the iteration
// count. It is deliberately simpler than the full engine: no streaming,
// no compaction, a flat 20-iteration cap.
func (sm *SubagentManager) executeTask(ctx context.Context, task *SubagentTask) int {
	subRootSpanID := store.GenNewID()
	taskStart := time.Now().UTC()

	// Spans ride detached contexts so they still land when the parent
	// context is cancelled: rootCtx keeps the parent's span id for the
	// child's own root span, childCtx points model/tool spans at it.
	rootCtx := context.Background()
	if collector := tracing.CollectorFromContext(ctx); collector != nil {
		rootCtx = tracing.WithCollector(rootCtx, collector)
		rootCtx = tracing.WithTraceID(rootCtx, tracing.TraceIDFromContext(ctx))
		rootCtx = tracing.WithParentSpanID(rootCtx, tracing.ParentSpanIDFromContext(ctx))
	}
	childCtx := tracing.WithParentSpanID(rootCtx, subRootSpanID)

	var model string
	var finalContent string
	iteration := 0

	defer func() {
		sm.mu.Lock()
		task.CompletedAt = time.Now().UnixMilli()
		sm.mu.Unlock()

		// rootCtx never carries cancellation, so the root span always
		// makes it out.
		sm.emitSubagentSpan(rootCtx, subRootSpanID, taskStart, task, model, finalContent)
		slog.Debug("subagent tracing: root span emitted",
			"id", task.ID, "span_id", subRootSpanID,
			"trace_id", tracing.TraceIDFromContext(rootCtx),
			"status", task.Status, "iterations", iteration)

		if sm.config.ArchiveAfterMinutes > 0 {
			go sm.scheduleArchive(task.ID, time.Duration(sm.config.ArchiveAfterMinutes)*time.Minute)
		}
	}()

	markCancelled := func(msg string) {
		sm.mu.Lock()
		task.Status = TaskStatusCancelled
		task.Result = msg
		sm.mu.Unlock()
	}

	if ctx.Err() != nil {
		markCancelled("cancelled before execution")
		return 0
	}

	// The deny lists narrow the child's registry by depth; the spawn tool
	// is removed only once the child sits at maximum depth.
	toolsReg := sm.createTools()
	sm.applyDenyList(toolsReg, task.Depth)

	model = sm.resolveModel(task)

	messages := []providers.Message{
		{Role: "system", Content: sm.buildSubagentSystemPrompt(task)},
		{Role: "user", Content: task.Task},
	}

	const maxIterations = 20
	for iteration < maxIterations {
		iteration++

		if ctx.Err() != nil {
			markCancelled("cancelled during execution")
			return iteration
		}

		llmStart := time.Now().UTC()
		resp, err := sm.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolsReg.ProviderDefs(),
			Model:    model,
			Options: map[string]interface{}{
				"max_tokens":  4096,
				"temperature": 0.5,
			},
		})
		sm.emitLLMSpan(childCtx, llmStart, iteration, model, messages, resp, err)

		if err != nil {
			if ctx.Err() != nil {
				markCancelled("cancelled during execution")
				return iteration
			}
			sm.mu.Lock()
			task.Status = TaskStatusFailed
			task.Result = fmt.Sprintf("LLM error at iteration %d: %v", iteration, err)
			sm.mu.Unlock()
			slog.Warn("subagent LLM error", "id", task.ID, "iteration", iteration, "error", err)
			return iteration
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			slog.Debug("subagent tool call", "id", task.ID, "tool", tc.Name)

			toolStart := time.Now().UTC()
			result := toolsReg.Execute(ctx, tc.Name, tc.Arguments)

			argsJSON, _ := json.Marshal(tc.Arguments)
			sm.emitToolSpan(childCtx, toolStart, tc.Name, tc.ID, string(argsJSON), result.ForLLM, result.IsError)

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}

	sm.mu.Lock()
	if finalContent == "" {
		finalContent = "Task completed but no final response was generated."
	}
	task.Status = TaskStatusCompleted
	task.Result = finalContent
	sm.mu.Unlock()

	slog.Info("subagent completed", "id", task.ID, "iterations", iteration)
	return iteration
}
