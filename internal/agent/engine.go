package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/bootstrap"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/providers"
	"github.com/openclaw/gateway/internal/skills"
	"github.com/openclaw/gateway/internal/store"
	"github.com/openclaw/gateway/internal/tools"
	"github.com/openclaw/gateway/internal/tracing"
	"github.com/openclaw/gateway/pkg/protocol"
)

// Engine executes turns for one configured agent. It assembles the model
// conversation from session history and workspace context, drives the
// tool-call loop until the model stops asking for tools, and flushes the
// buffered messages to the session store in one batch. A single Engine
// serves every session routed to its agent; per-run state lives on the
// stack of Run.
type Engine struct {
	key           string
	provider      providers.Provider
	model         string
	contextWindow int
	maxTurns      int
	workspace     string

	sessions    store.SessionStore
	tools       *tools.Registry
	toolPolicy  *tools.PolicyEngine
	agentPolicy *config.ToolPolicySpec

	ownerIDs     []string
	skillsLoader *skills.Loader
	skillAllow   []string // nil = all, [] = none
	hasMemory    bool
	contextFiles []bootstrap.ContextFile

	compaction *config.CompactionConfig
	pruning    *config.ContextPruningConfig

	sandboxEnabled bool
	sandboxDir     string
	sandboxAccess  string

	guard         *InputGuard
	guardAction   string // log | warn | block | off
	maxInputChars int

	thinking string

	onEvent func(AgentEvent)
	traces  *tracing.Collector

	active atomic.Int32

	// One compaction at a time per session; see maybeCompact.
	compactMu sync.Map // session key → *sync.Mutex
}

// AgentEvent is pushed to the hub while a run executes: run.started,
// chunk, tool.call, tool.result, run.completed, run.failed.
type AgentEvent struct {
	Type    string      `json:"type"`
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// EngineConfig carries everything an Engine needs at construction.
type EngineConfig struct {
	Key           string
	Provider      providers.Provider
	Model         string
	ContextWindow int
	MaxTurns      int
	Workspace     string

	Sessions    store.SessionStore
	Tools       *tools.Registry
	ToolPolicy  *tools.PolicyEngine
	AgentPolicy *config.ToolPolicySpec

	OnEvent func(AgentEvent)

	OwnerIDs     []string
	SkillsLoader *skills.Loader
	SkillAllow   []string
	HasMemory    bool
	ContextFiles []bootstrap.ContextFile

	Compaction *config.CompactionConfig
	Pruning    *config.ContextPruningConfig

	SandboxEnabled bool
	SandboxDir     string // container-side mount, e.g. "/workspace"
	SandboxAccess  string // none | ro | rw

	Traces *tracing.Collector

	Guard         *InputGuard
	GuardAction   string
	MaxInputChars int

	Thinking string
}

// NewEngine builds an Engine, applying defaults for turn and window limits
// and auto-creating the input guard unless scanning is switched off.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}

	action := cfg.GuardAction
	switch action {
	case "log", "warn", "block", "off":
	default:
		action = "warn"
	}
	guard := cfg.Guard
	if guard == nil && action != "off" {
		guard = NewInputGuard()
	}

	return &Engine{
		key:            cfg.Key,
		provider:       cfg.Provider,
		model:          cfg.Model,
		contextWindow:  cfg.ContextWindow,
		maxTurns:       cfg.MaxTurns,
		workspace:      cfg.Workspace,
		sessions:       cfg.Sessions,
		tools:          cfg.Tools,
		toolPolicy:     cfg.ToolPolicy,
		agentPolicy:    cfg.AgentPolicy,
		onEvent:        cfg.OnEvent,
		ownerIDs:       cfg.OwnerIDs,
		skillsLoader:   cfg.SkillsLoader,
		skillAllow:     cfg.SkillAllow,
		hasMemory:      cfg.HasMemory,
		contextFiles:   cfg.ContextFiles,
		compaction:     cfg.Compaction,
		pruning:        cfg.Pruning,
		sandboxEnabled: cfg.SandboxEnabled,
		sandboxDir:     cfg.SandboxDir,
		sandboxAccess:  cfg.SandboxAccess,
		traces:         cfg.Traces,
		guard:          guard,
		guardAction:    action,
		maxInputChars:  cfg.MaxInputChars,
		thinking:       cfg.Thinking,
	}
}

// RunRequest describes one turn handed to the Engine.
type RunRequest struct {
	SessionKey string
	Message    string
	Media      []string // local image paths, already vetted by the channel
	Channel    string
	ChatID     string
	PeerKind   string // direct | group
	SenderID   string // individual sender, preserved in group chats
	UserID     string // external user id for per-user scoping
	RunID      string

	Stream            bool
	ExtraSystemPrompt string
	ThinkingOverride  string // resolved by the controller; wins over the engine default
	HistoryLimit      int    // max user turns kept in context, 0 = unlimited

	TraceLabel string
	TraceTags  []string
}

// RunResult is what a completed turn produced.
type RunResult struct {
	Content string           `json:"content"`
	RunID   string           `json:"runId"`
	Turns   int              `json:"turns"`
	Usage   *providers.Usage `json:"usage,omitempty"`
	Media   []MediaOutput    `json:"media,omitempty"`
}

// MediaOutput is a file a tool produced for delivery alongside the text.
type MediaOutput struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	AsVoice     bool   `json:"as_voice,omitempty"` // deliver as a voice note where the channel supports it
}

// Run executes one turn and blocks until it finishes. The surrounding
// trace (when a collector is wired) parents every model and tool span the
// turn emits.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	e.active.Add(1)
	defer e.active.Add(-1)

	e.emit(AgentEvent{Type: protocol.AgentEventRunStarted, AgentID: e.key, RunID: req.RunID})

	var traceID uuid.UUID
	if e.traces != nil {
		traceID = store.GenNewID()
		now := time.Now().UTC()
		label := req.TraceLabel
		if label == "" {
			label = "chat " + e.key
		}
		rec := &store.TraceData{
			ID:           traceID,
			RunID:        req.RunID,
			SessionKey:   req.SessionKey,
			UserID:       req.UserID,
			Channel:      req.Channel,
			Name:         label,
			InputPreview: clip(req.Message, 500),
			Status:       store.TraceStatusRunning,
			StartTime:    now,
			CreatedAt:    now,
			Tags:         req.TraceTags,
		}
		if err := e.traces.CreateTrace(ctx, rec); err != nil {
			slog.Warn("tracing: create trace failed", "error", err)
			traceID = uuid.Nil
		} else {
			ctx = tracing.WithTraceID(ctx, traceID)
			ctx = tracing.WithCollector(ctx, e.traces)
			// The root span id is fixed up front so model/tool spans can
			// name it as parent; the span itself is emitted after the turn
			// with its real timing.
			ctx = tracing.WithParentSpanID(ctx, store.GenNewID())
		}
	}

	started := time.Now().UTC()
	result, err := e.execute(ctx, req)

	if traceID != uuid.Nil {
		e.recordRootSpan(ctx, started, result, err)
	}

	if err != nil {
		e.emit(AgentEvent{
			Type:    protocol.AgentEventRunFailed,
			AgentID: e.key,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		if traceID != uuid.Nil {
			// A cancelled run context must not take the trace write down
			// with it.
			tctx, status := ctx, store.TraceStatusError
			if ctx.Err() != nil {
				tctx, status = context.Background(), store.TraceStatusCancelled
			}
			e.traces.FinishTrace(tctx, traceID, status, err.Error(), "")
		}
		return nil, err
	}

	e.emit(AgentEvent{Type: protocol.AgentEventRunCompleted, AgentID: e.key, RunID: req.RunID})
	if traceID != uuid.Nil {
		e.traces.FinishTrace(ctx, traceID, store.TraceStatusCompleted, "", clip(result.Content, 500))
	}
	return result, nil
}

// turnState is the mutable state of one executing turn.
type turnState struct {
	conversation []providers.Message // what the model sees
	pending      []providers.Message // what gets flushed to the session after the turn
	usage        providers.Usage
	detector     toolLoopState
	media        []MediaOutput
	asyncTools   []string
	finalText    string
	stuck        bool
}

func (e *Engine) execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx = e.runContext(ctx, req)

	if err := e.screenInput(&req); err != nil {
		return nil, err
	}

	if req.UserID != "" {
		e.sessions.SetAgentInfo(req.SessionKey, uuid.Nil, req.UserID)
	}

	// Record the agent's context window on the session on its first run.
	if e.sessions.GetContextWindow(req.SessionKey) <= 0 {
		e.sessions.SetContextWindow(req.SessionKey, e.contextWindow)
	}

	history := e.sessions.GetHistory(req.SessionKey)
	summary := e.sessions.GetSummary(req.SessionKey)

	st := &turnState{}
	var hadBootstrap bool
	st.conversation, hadBootstrap = e.composeMessages(history, summary, req)

	// Vision attachments ride only on the live request, never into stored
	// history.
	if len(req.Media) > 0 {
		if images := readImageAttachments(req.Media); len(images) > 0 {
			st.conversation[len(st.conversation)-1].Images = images
			ctx = tools.WithMediaImages(ctx, images)
			slog.Info("vision: images attached", "count", len(images), "agent", e.key, "session", req.SessionKey)
		}
		for _, p := range req.Media {
			if err := os.Remove(p); err != nil {
				slog.Debug("vision: temp media cleanup failed", "path", p, "error", err)
			}
		}
	}

	st.pending = append(st.pending, providers.Message{Role: "user", Content: req.Message})

	// Surface provider retries to the channel so it can refresh its
	// placeholder message.
	ctx = providers.WithRetryHook(ctx, func(attempt, maxAttempts int, err error) {
		e.emit(AgentEvent{
			Type:    protocol.AgentEventRunRetrying,
			AgentID: e.key,
			RunID:   req.RunID,
			Payload: map[string]string{
				"attempt":     fmt.Sprintf("%d", attempt),
				"maxAttempts": fmt.Sprintf("%d", maxAttempts),
				"error":       err.Error(),
			},
		})
	})

	turn := 0
	for turn < e.maxTurns {
		turn++
		slog.Debug("engine turn", "agent", e.key, "turn", turn, "messages", len(st.conversation))

		resp, err := e.invokeModel(ctx, req, st.conversation, turn)
		if err != nil {
			return nil, fmt.Errorf("model call failed (turn %d): %w", turn, err)
		}

		if resp.Usage != nil {
			st.usage.PromptTokens += resp.Usage.PromptTokens
			st.usage.CompletionTokens += resp.Usage.CompletionTokens
			st.usage.TotalTokens += resp.Usage.TotalTokens
			st.usage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		if len(resp.ToolCalls) == 0 {
			st.finalText = resp.Content
			break
		}

		assistant := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent, // thinking blocks pass back to Anthropic
		}
		st.conversation = append(st.conversation, assistant)
		st.pending = append(st.pending, assistant)

		e.dispatchTools(ctx, req, resp.ToolCalls, st)
		if st.stuck {
			break
		}
	}

	st.finalText = SanitizeAssistantContent(st.finalText)

	// NO_REPLY stays in session context but is never delivered.
	silent := IsSilentReply(st.finalText)

	if st.finalText == "" {
		st.finalText = "..."
	}

	st.pending = append(st.pending, providers.Message{Role: "assistant", Content: st.finalText})

	// One atomic flush: concurrent runs on other sessions never observe a
	// half-written turn.
	for _, m := range st.pending {
		e.sessions.AddMessage(req.SessionKey, m)
	}
	e.sessions.UpdateMetadata(req.SessionKey, e.model, e.provider.Name(), req.Channel)
	e.sessions.AccumulateTokens(req.SessionKey, int64(st.usage.PromptTokens), int64(st.usage.CompletionTokens))

	// Feed real prompt-token counts back into the estimator; chars/3 is a
	// poor fit for multilingual history.
	if st.usage.PromptTokens > 0 {
		e.sessions.SetLastPromptTokens(req.SessionKey, st.usage.PromptTokens, len(history)+len(st.pending))
	}

	e.sessions.Save(req.SessionKey)

	if hadBootstrap {
		e.maybeClearBootstrap(history)
	}

	if silent {
		slog.Info("engine: NO_REPLY, delivery suppressed", "agent", e.key, "session", req.SessionKey)
		st.finalText = ""
	}

	e.maybeCompact(ctx, req.SessionKey)

	return &RunResult{
		Content: st.finalText,
		RunID:   req.RunID,
		Turns:   turn,
		Usage:   &st.usage,
		Media:   st.media,
	}, nil
}

// runContext stamps the request's identity and the tool-facing settings
// onto the context the whole turn runs under.
func (e *Engine) runContext(ctx context.Context, req RunRequest) context.Context {
	if req.UserID != "" {
		ctx = store.WithUserID(ctx, req.UserID)
	}
	if req.SenderID != "" {
		ctx = store.WithSenderID(ctx, req.SenderID)
	}
	if e.agentPolicy != nil {
		if e.agentPolicy.Vision != nil {
			ctx = tools.WithVisionConfig(ctx, e.agentPolicy.Vision)
		}
		if e.agentPolicy.ImageGen != nil {
			ctx = tools.WithImageGenConfig(ctx, e.agentPolicy.ImageGen)
		}
	}
	ctx = tools.WithToolAgentKey(ctx, e.key)

	// Per-user isolation: each external user works in a subdirectory of the
	// agent workspace.
	if e.workspace != "" {
		ws := e.workspace
		if req.UserID != "" {
			ws = filepath.Join(e.workspace, safeSegment(req.UserID))
			if err := os.MkdirAll(ws, 0755); err != nil {
				slog.Warn("user workspace mkdir failed", "workspace", ws, "user", req.UserID, "error", err)
			}
		}
		ctx = tools.WithToolWorkspace(ctx, ws)
	}
	return ctx
}

// screenInput runs the injection scan and clamps oversized messages. A
// blocked message fails the turn; a clamped one proceeds with a notice the
// model can act on.
func (e *Engine) screenInput(req *RunRequest) error {
	if e.guard != nil {
		if hits := e.guard.Scan(req.Message); len(hits) > 0 {
			joined := strings.Join(hits, ",")
			switch e.guardAction {
			case "block":
				slog.Warn("security.injection_blocked",
					"agent", e.key, "user", req.UserID, "patterns", joined, "message_len", len(req.Message))
				return fmt.Errorf("message blocked: potential prompt injection detected (%s)", joined)
			case "log":
				slog.Info("security.injection_detected",
					"agent", e.key, "user", req.UserID, "patterns", joined, "message_len", len(req.Message))
			default:
				slog.Warn("security.injection_detected",
					"agent", e.key, "user", req.UserID, "patterns", joined, "message_len", len(req.Message))
			}
		}
	}

	max := e.maxInputChars
	if max <= 0 {
		max = 32_000
	}
	if len(req.Message) > max {
		was := len(req.Message)
		req.Message = req.Message[:max] +
			fmt.Sprintf("\n\n[System: Message was truncated from %d to %d characters due to size limit. "+
				"Please ask the user to send shorter messages or use the read_file tool for large content.]",
				was, max)
		slog.Warn("security.message_truncated",
			"agent", e.key, "user", req.UserID, "original_len", was, "truncated_to", max)
	}
	return nil
}

// invokeModel performs one model call (streaming when the request asks for
// it) and records the span. Thinking is requested only from providers that
// advertise support.
func (e *Engine) invokeModel(ctx context.Context, req RunRequest, conversation []providers.Message, turn int) (*providers.ChatResponse, error) {
	var defs []providers.ToolDefinition
	if e.toolPolicy != nil {
		defs = e.toolPolicy.FilterTools(e.tools, e.key, e.provider.Name(), e.agentPolicy, nil, false, false)
	} else {
		defs = e.tools.ProviderDefs()
	}

	chatReq := providers.ChatRequest{
		Messages: conversation,
		Tools:    defs,
		Model:    e.model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   8192,
			providers.OptTemperature: 0.7,
		},
	}

	level := e.thinking
	if req.ThinkingOverride != "" {
		level = req.ThinkingOverride
	}
	if level != "" && level != "off" {
		if tc, ok := e.provider.(providers.ThinkingCapable); ok && tc.SupportsThinking() {
			chatReq.Options[providers.OptThinkingLevel] = level
		} else {
			slog.Debug("thinking level ignored, provider lacks support",
				"provider", e.provider.Name(), "level", level)
		}
	}

	spanStart := time.Now().UTC()
	var resp *providers.ChatResponse
	var err error
	if req.Stream {
		resp, err = e.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
			if chunk.Thinking != "" {
				e.emit(AgentEvent{
					Type:    protocol.ChatEventThinking,
					AgentID: e.key,
					RunID:   req.RunID,
					Payload: map[string]string{"content": chunk.Thinking},
				})
			}
			if chunk.Content != "" {
				e.emit(AgentEvent{
					Type:    protocol.ChatEventChunk,
					AgentID: e.key,
					RunID:   req.RunID,
					Payload: map[string]string{"content": chunk.Content},
				})
			}
		})
	} else {
		resp, err = e.provider.Chat(ctx, chatReq)
	}

	e.recordModelSpan(ctx, spanStart, turn, conversation, resp, err)
	return resp, err
}

// dispatchTools executes the model's tool calls — concurrently when there
// is more than one — and appends the results to the conversation in call
// order. Tool instances carry no per-call state, so parallel execution is
// safe; ordering is restored before anything is appended.
func (e *Engine) dispatchTools(ctx context.Context, req RunRequest, calls []providers.ToolCall, st *turnState) {
	type outcome struct {
		idx     int
		call    providers.ToolCall
		result  *tools.Result
		args    string
		started time.Time
	}

	for _, tc := range calls {
		e.emit(AgentEvent{
			Type:    protocol.AgentEventToolCall,
			AgentID: e.key,
			RunID:   req.RunID,
			Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID},
		})
	}

	runOne := func(idx int, tc providers.ToolCall) outcome {
		args, _ := json.Marshal(tc.Arguments)
		slog.Info("tool call", "agent", e.key, "tool", tc.Name, "args_len", len(args), "parallel", len(calls) > 1)
		started := time.Now().UTC()
		res := e.tools.ExecuteWithContext(ctx, tc.Name, tc.Arguments, req.Channel, req.ChatID, req.PeerKind, req.SessionKey, nil)
		return outcome{idx: idx, call: tc, result: res, args: string(args), started: started}
	}

	var outcomes []outcome
	if len(calls) == 1 {
		outcomes = []outcome{runOne(0, calls[0])}
	} else {
		ch := make(chan outcome, len(calls))
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				ch <- runOne(idx, tc)
			}(i, tc)
		}
		go func() { wg.Wait(); close(ch) }()
		for o := range ch {
			outcomes = append(outcomes, o)
		}
		sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].idx < outcomes[j].idx })
	}

	for _, o := range outcomes {
		e.recordToolSpan(ctx, o.started, o.call.Name, o.call.ID, o.args, o.result)

		argsHash := st.detector.record(o.call.Name, o.call.Arguments)
		st.detector.recordResult(argsHash, o.result.ForLLM)

		if o.result.Async {
			st.asyncTools = append(st.asyncTools, o.call.Name)
		}
		if o.result.IsError {
			msg := o.result.ForLLM
			if len(msg) > 200 {
				msg = msg[:200] + "..."
			}
			slog.Warn("tool error", "agent", e.key, "tool", o.call.Name, "error", msg)
		}

		e.emit(AgentEvent{
			Type:    protocol.AgentEventToolResult,
			AgentID: e.key,
			RunID:   req.RunID,
			Payload: map[string]interface{}{
				"name":     o.call.Name,
				"id":       o.call.ID,
				"is_error": o.result.IsError,
			},
		})

		if mo := mediaFromToolOutput(o.result.ForLLM); mo != nil {
			st.media = append(st.media, *mo)
		}

		toolMsg := providers.Message{
			Role:       "tool",
			Content:    o.result.ForLLM,
			ToolCallID: o.call.ID,
		}
		st.conversation = append(st.conversation, toolMsg)
		st.pending = append(st.pending, toolMsg)

		if level, msg := st.detector.detect(o.call.Name, argsHash); level != "" {
			if level == "critical" {
				slog.Warn("tool loop critical", "agent", e.key, "tool", o.call.Name, "message", msg)
				st.finalText = "I was unable to complete this task — I got stuck repeatedly calling " +
					o.call.Name + " without making progress. Please try rephrasing your request."
				st.stuck = true
				return
			}
			// Warning level: tell the model to change course.
			slog.Warn("tool loop warning", "agent", e.key, "tool", o.call.Name, "message", msg)
			st.conversation = append(st.conversation, providers.Message{Role: "user", Content: msg})
		}
	}
}

// mediaFromToolOutput pulls a MEDIA:<path> marker out of a tool result.
// "[[audio_as_voice]]" ahead of the marker flags voice-note delivery.
func mediaFromToolOutput(out string) *MediaOutput {
	s := out
	voice := false
	if strings.Contains(s, "[[audio_as_voice]]") {
		voice = true
		s = strings.TrimSpace(strings.ReplaceAll(s, "[[audio_as_voice]]", ""))
	}
	i := strings.Index(s, "MEDIA:")
	if i < 0 {
		return nil
	}
	path := strings.TrimSpace(s[i+6:])
	if nl := strings.IndexByte(path, '\n'); nl >= 0 {
		path = strings.TrimSpace(path[:nl])
	}
	if path == "" {
		return nil
	}
	return &MediaOutput{
		Path:        path,
		ContentType: mediaMime(filepath.Ext(path)),
		AsVoice:     voice,
	}
}

var mimeByExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
}

func mediaMime(ext string) string {
	if m, ok := mimeByExt[strings.ToLower(ext)]; ok {
		return m
	}
	return "application/octet-stream"
}

// safeSegment reduces an external user id to a filesystem-safe directory
// name.
func safeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
