// Subagent spawning: child agent instances running in background
// goroutines with a restricted tool surface. Nesting depth, per-parent
// fan-out, and total concurrency are all bounded, completed tasks archive
// themselves after a TTL, and results are announced back to the parent
// session over the message bus.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/providers"
	"github.com/openclaw/gateway/internal/store"
	"github.com/openclaw/gateway/internal/tracing"
)

// SubagentConfig bounds the subagent system.
type SubagentConfig struct {
	MaxConcurrent       int    // default 8
	MaxSpawnDepth       int    // default 1
	MaxChildrenPerAgent int    // default 5
	ArchiveAfterMinutes int    // default 60
	Model               string // model override, empty inherits the parent's
}

// Subagent task lifecycle states.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// SubagentTask is one spawned child, running or finished.
type SubagentTask struct {
	ID             string `json:"id"`
	ParentID       string `json:"parentId"`
	Task           string `json:"task"`
	Label          string `json:"label"`
	Status         string `json:"status"`
	Result         string `json:"result,omitempty"`
	Depth          int    `json:"depth"`
	Model          string `json:"model,omitempty"`
	OriginChannel  string `json:"originChannel,omitempty"`
	OriginChatID   string `json:"originChatId,omitempty"`
	OriginPeerKind string `json:"originPeerKind,omitempty"`
	OriginUserID   string `json:"originUserId,omitempty"` // parent's user scope carries over
	CreatedAt      int64  `json:"createdAt"`
	CompletedAt    int64  `json:"completedAt,omitempty"`

	OriginTraceID    uuid.UUID          `json:"-"` // links the announce back into the parent trace
	OriginRootSpanID uuid.UUID          `json:"-"`
	cancelFunc       context.CancelFunc `json:"-"`
}

// SubagentManager owns every spawned child's lifecycle.
type SubagentManager struct {
	mu       sync.RWMutex
	tasks    map[string]*SubagentTask
	config   SubagentConfig
	provider providers.Provider
	model    string
	msgBus   *bus.MessageBus

	// createTools builds the child's registry; applyDenyList then strips
	// tools from it by depth.
	createTools   func() *Registry
	announceQueue *AnnounceQueue // when set, announces batch through it
}

// NewSubagentManager wires the manager; children are created via Spawn
// or RunSync.
func NewSubagentManager(
	provider providers.Provider,
	model string,
	msgBus *bus.MessageBus,
	createTools func() *Registry,
	cfg SubagentConfig,
) *SubagentManager {
	return &SubagentManager{
		tasks:       make(map[string]*SubagentTask),
		config:      cfg,
		provider:    provider,
		model:       model,
		msgBus:      msgBus,
		createTools: createTools,
	}
}

// SetAnnounceQueue routes completed-task announces through a debounced
// queue instead of publishing each immediately.
func (sm *SubagentManager) SetAnnounceQueue(q *AnnounceQueue) {
	sm.announceQueue = q
}

// CountRunningForParent counts a parent's live children.
func (sm *SubagentManager) CountRunningForParent(parentID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	count := 0
	for _, t := range sm.tasks {
		if t.ParentID == parentID && t.Status == TaskStatusRunning {
			count++
		}
	}
	return count
}

// SubagentDenyAlways lists tools no subagent ever gets.
var SubagentDenyAlways = []string{
	"session_status",
	"sessions_send",
}

// SubagentDenyLeaf adds the spawn surface itself at maximum depth.
var SubagentDenyLeaf = []string{
	"sessions_list",
	"sessions_history",
	"sessions_spawn",
	"spawn",
	"subagent",
}

// admitSpawn enforces the depth, concurrency, and fan-out bounds. Caller
// holds sm.mu.
func (sm *SubagentManager) admitSpawn(parentID string, depth int, checkLimits bool) error {
	if depth >= sm.config.MaxSpawnDepth {
		return fmt.Errorf("spawn depth limit reached (%d/%d)", depth, sm.config.MaxSpawnDepth)
	}
	if !checkLimits {
		return nil
	}

	running, children := 0, 0
	for _, t := range sm.tasks {
		if t.Status == TaskStatusRunning {
			running++
		}
		if t.ParentID == parentID {
			children++
		}
	}
	if running >= sm.config.MaxConcurrent {
		return fmt.Errorf("max concurrent subagents reached (%d/%d)", running, sm.config.MaxConcurrent)
	}
	if children >= sm.config.MaxChildrenPerAgent {
		return fmt.Errorf("max children per agent reached (%d/%d)", children, sm.config.MaxChildrenPerAgent)
	}
	return nil
}

// newTask records a task entry under sm.mu and returns it.
func (sm *SubagentManager) newTask(ctx context.Context, parentID string, depth int, task, label, modelOverride, channel, chatID, peerKind string) *SubagentTask {
	if label == "" {
		label = truncate(task, 50)
	}
	return &SubagentTask{
		ID:               generateSubagentID(),
		ParentID:         parentID,
		Task:             task,
		Label:            label,
		Status:           TaskStatusRunning,
		Depth:            depth + 1,
		Model:            modelOverride,
		OriginChannel:    channel,
		OriginChatID:     chatID,
		OriginPeerKind:   peerKind,
		OriginUserID:     store.UserIDFromContext(ctx),
		OriginTraceID:    tracing.TraceIDFromContext(ctx),
		OriginRootSpanID: tracing.ParentSpanIDFromContext(ctx),
		CreatedAt:        time.Now().UnixMilli(),
	}
}

// Spawn starts an asynchronous child and returns immediately; the result
// arrives later as an announce.
func (sm *SubagentManager) Spawn(
	ctx context.Context,
	parentID string,
	depth int,
	task, label, modelOverride string,
	channel, chatID, peerKind string,
	callback AsyncCallback,
) (string, error) {
	sm.mu.Lock()
	if err := sm.admitSpawn(parentID, depth, true); err != nil {
		sm.mu.Unlock()
		return "", err
	}

	subTask := sm.newTask(ctx, parentID, depth, task, label, modelOverride, channel, chatID, peerKind)
	taskCtx, taskCancel := context.WithCancel(ctx)
	subTask.cancelFunc = taskCancel
	sm.tasks[subTask.ID] = subTask
	sm.mu.Unlock()

	slog.Info("subagent spawned", "id", subTask.ID, "parent", parentID, "depth", subTask.Depth, "label", subTask.Label)

	go sm.runTask(taskCtx, subTask, callback)

	return fmt.Sprintf("Spawned subagent '%s' (id=%s, depth=%d) for task: %s",
		subTask.Label, subTask.ID, subTask.Depth, truncate(task, 100)), nil
}

// RunSync executes a child inline and blocks for its result.
func (sm *SubagentManager) RunSync(
	ctx context.Context,
	parentID string,
	depth int,
	task, label string,
	channel, chatID string,
) (string, int, error) {
	sm.mu.Lock()
	if err := sm.admitSpawn(parentID, depth, false); err != nil {
		sm.mu.Unlock()
		return "", 0, err
	}
	subTask := sm.newTask(ctx, parentID, depth, task, label, "", channel, chatID, "")
	sm.tasks[subTask.ID] = subTask
	sm.mu.Unlock()

	slog.Info("subagent sync started", "id", subTask.ID, "parent", parentID, "depth", subTask.Depth, "label", subTask.Label)

	iterations := sm.executeTask(ctx, subTask)
	if subTask.Status == TaskStatusFailed {
		return subTask.Result, iterations, fmt.Errorf("subagent failed: %s", subTask.Result)
	}
	return subTask.Result, iterations, nil
}
