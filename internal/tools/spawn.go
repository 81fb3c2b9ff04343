package tools

import (
	"context"
	"fmt"
)

// SpawnTool exposes sessions_spawn to the model: it hands a task to the
// SubagentManager, which runs it in the background and announces the result
// back to the requesting session.
type SpawnTool struct {
	manager *SubagentManager
	depthOf func(sessionKey string) int // spawn depth of the calling session
}

// NewSpawnTool creates the sessions_spawn tool. depthOf may be nil (depth 0).
func NewSpawnTool(manager *SubagentManager, depthOf func(sessionKey string) int) *SpawnTool {
	return &SpawnTool{manager: manager, depthOf: depthOf}
}

func (t *SpawnTool) Name() string { return "sessions_spawn" }
func (t *SpawnTool) Description() string {
	return "Spawn a background subagent for a side task. The result is announced back to this conversation when it completes."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Complete instructions for the subagent. It has no access to this conversation.",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label shown in announcements (default: task prefix)",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Optional model override for the subagent",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	model, _ := args["model"].(string)

	sessionKey := ToolSessionKeyFromCtx(ctx)
	depth := 0
	if t.depthOf != nil {
		depth = t.depthOf(sessionKey)
	}

	msg, err := t.manager.Spawn(ctx,
		ToolAgentKeyFromCtx(ctx),
		depth,
		task, label, model,
		ToolChannelFromCtx(ctx),
		ToolChatIDFromCtx(ctx),
		ToolPeerKindFromCtx(ctx),
		ToolAsyncCBFromCtx(ctx),
	)
	if err != nil {
		return ErrorResult(fmt.Sprintf("spawn failed: %v", err))
	}
	return AsyncResult(msg)
}

// SubagentsTool lists and cancels running subagents.
type SubagentsTool struct {
	manager *SubagentManager
}

// NewSubagentsTool creates the subagents management tool.
func NewSubagentsTool(manager *SubagentManager) *SubagentsTool {
	return &SubagentsTool{manager: manager}
}

func (t *SubagentsTool) Name() string { return "subagents" }
func (t *SubagentsTool) Description() string {
	return "List or cancel your running subagents."
}

func (t *SubagentsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "list (default) or cancel",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Subagent id (for cancel)",
			},
		},
	}
}

func (t *SubagentsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	switch action {
	case "cancel":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("id is required for cancel")
		}
		if !t.manager.Cancel(id) {
			return ErrorResult("no running subagent with id " + id)
		}
		return NewResult("Cancelled subagent " + id)
	default:
		tasks := t.manager.List()
		if len(tasks) == 0 {
			return SilentResult("No subagents.")
		}
		out := ""
		for _, task := range tasks {
			out += fmt.Sprintf("%s [%s] %s (depth %d)\n", task.ID, task.Status, task.Label, task.Depth)
		}
		return SilentResult(out)
	}
}
