package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ThinkingLevel controls how much reasoning effort a run requests from the
// model, resolved 2 (inline directive, session override,
// global default, then a model-capability fallback).
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// VerboseLevel controls how much of the run's internal narration (tool
// calls, reasoning) is surfaced to the originating channel.
type VerboseLevel string

const (
	VerboseOff  VerboseLevel = "off"
	VerboseOn   VerboseLevel = "on"
	VerboseFull VerboseLevel = "full"
)

// GroupActivation controls whether a group/topic session requires a mention
// to accept a turn, or accepts every message.
type GroupActivation string

const (
	ActivationMention GroupActivation = "mention"
	ActivationAlways  GroupActivation = "always"
)

// Entry is the Session Registry's persisted record for one SessionKey. The registry owns this record exclusively; the Run
// Controller and Transcript Store only mutate it through the registry's
// methods.
type Entry struct {
	Key         string `json:"key"`
	SessionID   string `json:"sessionId"`
	SessionFile string `json:"sessionFile,omitempty"`

	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	AgentID   string `json:"agentId"`
	ChatType  string `json:"chatType,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`

	ThinkingLevel   ThinkingLevel   `json:"thinkingLevel,omitempty"`
	VerboseLevel    VerboseLevel    `json:"verboseLevel,omitempty"`
	GroupActivation GroupActivation `json:"groupActivation,omitempty"`
	ModelOverride   string          `json:"modelOverride,omitempty"`

	SpawnedBy  string `json:"spawnedBy,omitempty"`
	SpawnDepth int    `json:"spawnDepth,omitempty"`

	// Token and compaction accounting, cached so the run controller can
	// decide when a summarization turn is owed without replaying history.
	CompactionCount            int    `json:"compactionCount,omitempty"`
	ContextWindow              int    `json:"contextWindow,omitempty"`
	LastPromptTokens           int    `json:"lastPromptTokens,omitempty"`
	LastMessageCount           int    `json:"lastMessageCount,omitempty"`
	InputTokens                int64  `json:"inputTokens,omitempty"`
	OutputTokens               int64  `json:"outputTokens,omitempty"`
	MemoryFlushCompactionCount int    `json:"memoryFlushCompactionCount,omitempty"`
	MemoryFlushAt              int64  `json:"memoryFlushAt,omitempty"`
	Summary                    string `json:"summary,omitempty"`
	Label                      string `json:"label,omitempty"`
	UserID                     string `json:"userId,omitempty"`

	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Registry is the Session Registry: it owns the in-memory SessionEntry
// map and persists it to disk on Save. It keeps the RoutingRules it was
// built with but exposes no routing or access-control query; the Ingress
// Normalizer consults RoutingRules directly. Safe for concurrent use; the
// map is guarded by a reader-writer lock since reads vastly outnumber writes.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	storage string

	router RoutingRules
}

// NewRegistry creates a Session Registry persisting SessionEntry records
// under storage.
func NewRegistry(storage string, router RoutingRules) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		storage: storage,
		router:  router,
	}
	if storage != "" {
		r.loadAll()
	}
	return r
}

// GetOrCreate resolves the SessionEntry for key, creating one with a fresh
// sessionId if absent. The caller is responsible for session-key resolution
// (BuildSessionKey / BuildScopedSessionKey / routing rules).
func (r *Registry) GetOrCreate(key, agentID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e
	}

	now := time.Now()
	e := &Entry{
		Key:            key,
		SessionID:      uuid.NewString(),
		AgentID:        agentID,
		ThinkingLevel:  ThinkingOff,
		VerboseLevel:   VerboseOff,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	r.entries[key] = e
	return e
}

// Get returns the entry for key, or nil if none exists.
func (r *Registry) Get(key string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key]
}

// Touch bumps lastActivityAt for a key that is known to exist.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.LastActivityAt = time.Now()
		e.UpdatedAt = e.LastActivityAt
	}
}

// SetThinkingLevel applies the /think directive or a programmatic override.
func (r *Registry) SetThinkingLevel(key string, level ThinkingLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.ThinkingLevel = level
		e.UpdatedAt = time.Now()
	}
}

// SetVerboseLevel applies the /verbose directive.
func (r *Registry) SetVerboseLevel(key string, level VerboseLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.VerboseLevel = level
		e.UpdatedAt = time.Now()
	}
}

// SetModelOverride applies the /model directive. An empty ref clears the
// override, restoring the agent's default model.
func (r *Registry) SetModelOverride(key, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.ModelOverride = ref
		e.UpdatedAt = time.Now()
	}
}

// SetGroupActivation sets whether a group/topic session requires a mention.
func (r *Registry) SetGroupActivation(key string, activation GroupActivation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.GroupActivation = activation
		e.UpdatedAt = time.Now()
	}
}

// SetSpawnInfo records the parent session key a subagent was spawned from.
func (r *Registry) SetSpawnInfo(key, spawnedBy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.SpawnedBy = spawnedBy
		e.UpdatedAt = time.Now()
	}
}

// RecordCompaction bumps the compaction counter and caches the context
// window / prompt-token accounting used by the Run Controller to decide
// whether a summarization turn is owed (SUPPLEMENTED FEATURES).
func (r *Registry) RecordCompaction(key string, contextWindow, lastPromptTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.CompactionCount++
		e.ContextWindow = contextWindow
		e.LastPromptTokens = lastPromptTokens
		e.UpdatedAt = time.Now()
	}
}

// SetSummary caches the rolling conversation summary produced by a
// compaction turn.
func (r *Registry) SetSummary(key, summary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.Summary = summary
		e.UpdatedAt = time.Now()
	}
}

// SetLabel applies a user-assigned display label (/label directive).
func (r *Registry) SetLabel(key, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.Label = label
		e.UpdatedAt = time.Now()
	}
}

// SetUserInfo records the external user id a session belongs to.
func (r *Registry) SetUserInfo(key, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.UserID = userID
		e.UpdatedAt = time.Now()
	}
}

// AccumulateTokens adds to the session's cumulative input/output token
// counters, independent of the per-call LastPromptTokens snapshot.
func (r *Registry) AccumulateTokens(key string, input, output int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.InputTokens += input
		e.OutputTokens += output
		e.UpdatedAt = time.Now()
	}
}

// SetLastPromptTokens caches the most recent prompt size and message count;
// compaction uses them to calibrate its token estimate.
func (r *Registry) SetLastPromptTokens(key string, tokens, msgCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.LastPromptTokens = tokens
		e.LastMessageCount = msgCount
		e.UpdatedAt = time.Now()
	}
}

// SetMemoryFlushDone records that a memory flush ran at the current
// compaction count, so the agent loop knows not to flush again until the
// next compaction.
func (r *Registry) SetMemoryFlushDone(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.MemoryFlushCompactionCount = e.CompactionCount
		e.MemoryFlushAt = time.Now().UnixMilli()
		e.UpdatedAt = time.Now()
	}
}

// UpdateMetadata caches the model/provider/channel last used on a session,
// for display in `sessions.list` without re-deriving it from the transcript.
func (r *Registry) UpdateMetadata(key, model, provider, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.Model = model
		e.Provider = provider
		if channel != "" {
			e.Channel = channel
		}
		e.UpdatedAt = time.Now()
	}
}

// SetContextWindow caches the agent's context window size on the session
// on its first run.
func (r *Registry) SetContextWindow(key string, cw int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.ContextWindow = cw
		e.UpdatedAt = time.Now()
	}
}

// IncrementCompaction bumps the compaction counter without also caching
// accounting (see RecordCompaction for the combined form).
func (r *Registry) IncrementCompaction(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.CompactionCount++
		e.UpdatedAt = time.Now()
	}
}

// SetSpawnDepth records how many subagent-spawn levels deep this session is,
// enforcing SubagentsConfig.MaxSpawnDepth at call sites.
func (r *Registry) SetSpawnDepth(key string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.SpawnDepth = depth
		e.UpdatedAt = time.Now()
	}
}

// List returns entries for an agent (or all entries if agentID is empty).
func (r *Registry) List(agentID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Delete removes a SessionEntry from the registry. It does not touch the
// transcript file; callers that want the transcript archived
// "*.deleted.<ts>" rule do so via the Transcript Store before or after this
// call, since the registry and the transcript store are independently owned.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Save persists all entries for agentID atomically (write-temp + rename):
// one file per agent rather than one file per session, since SessionEntry
// records are small and numerous while transcripts are large and singular.
func (r *Registry) Save(agentID string) error {
	if r.storage == "" {
		return nil
	}

	r.mu.RLock()
	var snapshot []*Entry
	for _, e := range r.entries {
		if e.AgentID == agentID {
			cp := *e
			snapshot = append(snapshot, &cp)
		}
	}
	r.mu.RUnlock()

	dir := filepath.Join(r.storage, sanitizeFilename(agentID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	dest := filepath.Join(dir, "sessions.json")
	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, dest); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (r *Registry) loadAll() {
	agentDirs, err := os.ReadDir(r.storage)
	if err != nil {
		return
	}
	for _, d := range agentDirs {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(r.storage, d.Name(), "sessions.json")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entries []*Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			continue
		}
		for _, e := range entries {
			r.entries[e.Key] = e
		}
	}
}

func sanitizeFilename(key string) string {
	name := strings.ReplaceAll(key, ":", "_")
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
