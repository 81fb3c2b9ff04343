package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/approval"
	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/gwerr"
	"github.com/openclaw/gateway/internal/ingress"
	"github.com/openclaw/gateway/internal/providers"
	"github.com/openclaw/gateway/internal/queue"
	"github.com/openclaw/gateway/internal/sessions"
	"github.com/openclaw/gateway/internal/store"
	"github.com/openclaw/gateway/pkg/protocol"
)

// Delta is one streamed event within a run.
// Seq is strictly monotonic per runId.
type Delta struct {
	RunID        string `json:"runId"`
	SessionKey   string `json:"sessionKey"`
	Seq          int64  `json:"seq"`
	State        string `json:"state"`
	Kind         string `json:"kind,omitempty"`
	Message      string `json:"message,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Cached       bool   `json:"cached,omitempty"`
}

// RunRecord tracks one run's lifecycle. Transitions are monotonic:
// accepted → queued → running → final|error|aborted, and a terminal state
// never emits further deltas.
type RunRecord struct {
	RunID      string
	SessionKey string
	Lane       string

	mu            sync.Mutex
	state         string
	seq           int64
	startedAt     time.Time
	finalAt       time.Time
	lastDeltaAt   time.Time
	cancel        context.CancelFunc
	abortedReason string
}

// State returns the record's current lifecycle state.
func (r *RunRecord) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *RunRecord) terminal() bool {
	switch r.state {
	case protocol.RunFinal, protocol.RunError, protocol.RunAborted:
		return true
	}
	return false
}

// SendRequest is the chat.send / internal send input.
type SendRequest struct {
	SessionKey     string
	Message        string
	Attachments    []ingress.Attachment
	ThinkingLevel  string
	Deliver        bool   // hand the final text to the channel adapter
	Channel        string // delivery target (when Deliver)
	ChatID         string
	PeerKind       string
	SenderID       string
	TimeoutMs      int64
	IdempotencyKey string
	Lane           string // defaults to the session lane
	ExtraSystem    string
}

// SendResult is the chat.send outcome.
type SendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"` // started | in_flight | error
	Cached bool   `json:"cached,omitempty"`
}

// MaxAttachmentBytes bounds one base64 attachment (configurable at
// construction; this is the default).
const MaxAttachmentBytes = 5 << 20

// DefaultRunTimeout bounds a run that specifies no timeout of its own.
const DefaultRunTimeout = 10 * time.Minute

// Controller is the Agent Run Controller: it owns RunRecord lifetime,
// streams deltas to the hub, serializes runs per session via the Queue &
// Scheduler, interprets slash directives, and announces subagent results.
type Controller struct {
	router    *Router
	sched     *queue.Scheduler
	sessions  store.SessionStore
	registry  *sessions.Registry
	events    bus.EventPublisher
	outbound  *bus.MessageBus
	approvals *approval.Engine
	dedupe    *DedupeCache

	defaultThinking  string
	maxAttachment    int64
	defaultTimeout   time.Duration

	mu        sync.Mutex
	runs      map[string]*RunRecord
	bySession map[string]map[string]*RunRecord
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Router    *Router
	Scheduler *queue.Scheduler
	Sessions  store.SessionStore
	Registry  *sessions.Registry
	Events    bus.EventPublisher
	Outbound  *bus.MessageBus
	Approvals *approval.Engine

	DefaultThinking    string
	MaxAttachmentBytes int64
	DefaultTimeout     time.Duration
}

// NewController creates the Run Controller.
func NewController(cfg ControllerConfig) *Controller {
	maxAttach := cfg.MaxAttachmentBytes
	if maxAttach <= 0 {
		maxAttach = MaxAttachmentBytes
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &Controller{
		router:          cfg.Router,
		sched:           cfg.Scheduler,
		sessions:        cfg.Sessions,
		registry:        cfg.Registry,
		events:          cfg.Events,
		outbound:        cfg.Outbound,
		approvals:       cfg.Approvals,
		dedupe:          NewDedupeCache(0, 0),
		defaultThinking: cfg.DefaultThinking,
		maxAttachment:   maxAttach,
		defaultTimeout:  timeout,
		runs:            make(map[string]*RunRecord),
		bySession:       make(map[string]map[string]*RunRecord),
	}
}

// Send starts (or dedupes) a run for an explicit message (chat.send).
func (c *Controller) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return nil, gwerr.New(gwerr.InvalidRequest, "empty message")
	}
	for _, a := range req.Attachments {
		if a.SizeBytes > c.maxAttachment {
			return nil, gwerr.New(gwerr.InvalidRequest, fmt.Sprintf("attachment %s exceeds %d bytes", a.Name, c.maxAttachment))
		}
	}
	if req.SessionKey == "" {
		return nil, gwerr.New(gwerr.InvalidRequest, "sessionKey required")
	}

	// Idempotent start: a re-submission within the TTL returns the original
	// payload with cached=true, whether or not the run already finished.
	dedupeKey := ""
	if req.IdempotencyKey != "" {
		dedupeKey = "chat:" + req.IdempotencyKey
		if v, ok := c.dedupe.Get(dedupeKey); ok {
			cached := *(v.(*SendResult))
			cached.Cached = true
			return &cached, nil
		}
	}

	// Slash directives mutate session state without engaging the model.
	if cmd, ok := ParseCommand(req.Message); ok {
		res, err := c.runCommand(ctx, req, cmd)
		if err == nil && res != nil && dedupeKey != "" {
			c.dedupe.Put(dedupeKey, res)
		}
		return res, err
	}

	runID := uuid.NewString()
	res, err := c.start(ctx, runID, req)
	if err != nil {
		return nil, err
	}
	if dedupeKey != "" {
		c.dedupe.Put(dedupeKey, res)
	}
	return res, nil
}

// HandleIngress starts a run for an accepted inbound context (chat.ingress
// or a channel adapter turn).
func (c *Controller) HandleIngress(ctx context.Context, ic *ingress.Context, runID string, timeoutMs int64) (*SendResult, error) {
	if runID == "" {
		runID = uuid.NewString()
	}

	// Directive handling: command text is interpreted here, never sent to
	// the model. A directive-only message ends after the mutation.
	if ic.BodyForCommands != "" {
		if !ic.CommandAuthorized {
			return nil, gwerr.New(gwerr.Forbidden, "sender not authorized for commands")
		}
		cmd, _ := ParseCommand(ic.BodyForCommands)
		req := SendRequest{
			SessionKey: ic.SessionKey,
			Message:    ic.BodyForCommands,
			Deliver:    true,
			Channel:    ic.Channel,
			ChatID:     ic.ConversationID,
			PeerKind:   string(ic.ChatType),
			SenderID:   ic.SenderID,
		}
		if ic.BodyForAgent == "" {
			return c.runCommand(ctx, req, cmd)
		}
		// Directive plus a real message: apply the directive, then run.
		if _, err := c.runCommand(ctx, req, cmd); err != nil {
			return nil, err
		}
	}

	req := SendRequest{
		SessionKey:  ic.SessionKey,
		Message:     ic.BodyForAgent,
		Attachments: ic.Attachments,
		Deliver:     true,
		Channel:     ic.Channel,
		ChatID:      ic.ConversationID,
		PeerKind:    string(ic.ChatType),
		SenderID:    ic.SenderID,
		TimeoutMs:   timeoutMs,
	}
	return c.start(ctx, runID, req)
}

// start creates the RunRecord and enqueues the run on its lane.
func (c *Controller) start(ctx context.Context, runID string, req SendRequest) (*SendResult, error) {
	lane := req.Lane
	if lane == "" {
		lane = queue.SessionLane(req.SessionKey)
	}
	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = c.defaultTimeout.Milliseconds()
	}

	rr := &RunRecord{
		RunID:      runID,
		SessionKey: req.SessionKey,
		Lane:       lane,
		state:      protocol.RunAccepted,
	}

	c.mu.Lock()
	if existing, ok := c.runs[runID]; ok {
		c.mu.Unlock()
		return &SendResult{RunID: existing.RunID, Status: "in_flight"}, nil
	}
	c.runs[runID] = rr
	if c.bySession[req.SessionKey] == nil {
		c.bySession[req.SessionKey] = make(map[string]*RunRecord)
	}
	c.bySession[req.SessionKey][runID] = rr
	c.mu.Unlock()

	entry := &queue.Entry{
		RunID:      runID,
		SessionKey: req.SessionKey,
		Lane:       lane,
		TimeoutMs:  timeoutMs,
		ExpiresAt:  time.Now().Add(time.Duration(timeoutMs) * time.Millisecond),
		Run: func(runCtx context.Context) {
			c.execute(runCtx, rr, req)
		},
	}
	if _, err := c.sched.Enqueue(entry); err != nil {
		c.remove(rr)
		return nil, err
	}

	c.transition(rr, protocol.RunQueued, "", "")
	return &SendResult{RunID: runID, Status: "started"}, nil
}

// execute runs on a lane worker goroutine: at this point the session lane
// guarantees no other run for this key is active.
func (c *Controller) execute(ctx context.Context, rr *RunRecord, req SendRequest) {
	runCtx, cancel := context.WithCancel(ctx)
	rr.mu.Lock()
	rr.cancel = cancel
	rr.startedAt = time.Now()
	rr.mu.Unlock()
	defer cancel()

	c.transition(rr, protocol.RunRunning, "", "")

	agentID, _ := sessions.ParseSessionKey(req.SessionKey)
	if agentID == "" {
		agentID = "main"
	}
	ag, err := c.router.Get(agentID)
	if err != nil {
		c.transition(rr, protocol.RunError, "", "agent unavailable: "+err.Error())
		c.remove(rr)
		return
	}

	entry := c.registry.GetOrCreate(req.SessionKey, agentID)
	c.registry.Touch(req.SessionKey)

	var media []string
	for _, a := range req.Attachments {
		if a.Path != "" {
			media = append(media, a.Path)
		}
	}

	result, runErr := ag.Run(runCtx, RunRequest{
		SessionKey:        req.SessionKey,
		Message:           req.Message,
		Media:             media,
		Channel:           req.Channel,
		ChatID:            req.ChatID,
		PeerKind:          req.PeerKind,
		SenderID:          req.SenderID,
		UserID:            userIDFromSender(req.SenderID),
		RunID:             rr.RunID,
		Stream:            true,
		ExtraSystemPrompt: req.ExtraSystem,
		ThinkingOverride:  c.resolveThinking(req, entry),
	})

	switch {
	case runErr != nil && runCtx.Err() != nil:
		reason := "cancelled"
		if runCtx.Err() == context.DeadlineExceeded {
			reason = "timeout"
		}
		rr.mu.Lock()
		if rr.abortedReason == "" {
			rr.abortedReason = reason
		}
		reason = rr.abortedReason
		rr.mu.Unlock()
		c.transition(rr, protocol.RunAborted, "", reason)

	case runErr != nil:
		// The transcript is not mutated on error paths; the error surfaces
		// only on this run's channel.
		c.transition(rr, protocol.RunError, "", runErr.Error())

	default:
		c.transition(rr, protocol.RunFinal, result.Content, "")
		if req.Deliver && result.Content != "" {
			c.deliver(req, result)
		}
	}

	c.remove(rr)
}

// resolveThinking resolves the effective thinking level: explicit request
// override, then session override, then the global default.
func (c *Controller) resolveThinking(req SendRequest, entry *sessions.Entry) string {
	if req.ThinkingLevel != "" {
		return req.ThinkingLevel
	}
	if entry != nil && entry.ThinkingLevel != "" && entry.ThinkingLevel != sessions.ThinkingOff {
		return string(entry.ThinkingLevel)
	}
	return c.defaultThinking
}

// userIDFromSender strips the "|username" suffix some adapters append to
// sender ids, leaving the platform user id.
func userIDFromSender(senderID string) string {
	if i := strings.IndexByte(senderID, '|'); i > 0 {
		return senderID[:i]
	}
	return senderID
}

// deliver hands a finalized run's text back to the originating channel via
// the outbound bus; the channel manager owns provider chunking limits.
func (c *Controller) deliver(req SendRequest, result *RunResult) {
	if c.outbound == nil || req.Channel == "" {
		return
	}
	out := bus.OutboundMessage{
		Channel: req.Channel,
		ChatID:  req.ChatID,
		Content: result.Content,
	}
	for _, m := range result.Media {
		out.Media = append(out.Media, bus.MediaAttachment{URL: m.Path, ContentType: m.ContentType, AsVoice: m.AsVoice})
	}
	c.outbound.PublishOutbound(out)
}

// runCommand executes a parsed directive and replies without a run.
func (c *Controller) runCommand(ctx context.Context, req SendRequest, cmd *Command) (*SendResult, error) {
	agentID, _ := sessions.ParseSessionKey(req.SessionKey)
	c.registry.GetOrCreate(req.SessionKey, agentID)
	outcome := ExecuteCommand(c.registry, req.SessionKey, cmd)

	if outcome.StopRun {
		aborted := c.Abort(req.SessionKey, "", "stop command")
		reply := "Nothing to stop."
		if len(aborted) > 0 {
			reply = fmt.Sprintf("Stopped %d run(s).", len(aborted))
		}
		c.replyDirect(req, reply)
		return &SendResult{Status: "started", RunID: ""}, nil
	}

	if outcome.ResetDone {
		c.sessions.Reset(req.SessionKey)
		c.registry.Touch(req.SessionKey)
	}

	if outcome.ApprovalID != "" && c.approvals != nil {
		status := approval.StatusDenied
		switch outcome.ApprovalOutcome {
		case "allow-once":
			status = approval.StatusAllowOnce
		case "allow-always":
			status = approval.StatusAllowAlways
		}
		if _, err := c.approvals.Decide(outcome.ApprovalID, status); err != nil {
			c.replyDirect(req, "Approval not found or already decided.")
		} else {
			c.replyDirect(req, fmt.Sprintf("Approval %s: %s", outcome.ApprovalID, outcome.ApprovalOutcome))
		}
		return &SendResult{Status: "started"}, nil
	}

	if outcome.Reply != "" {
		c.replyDirect(req, outcome.Reply)
	}
	return &SendResult{Status: "started"}, nil
}

func (c *Controller) replyDirect(req SendRequest, text string) {
	if req.Deliver && c.outbound != nil && req.Channel != "" {
		c.outbound.PublishOutbound(bus.OutboundMessage{Channel: req.Channel, ChatID: req.ChatID, Content: text})
		return
	}
	// RPC-initiated: surface as a diagnostic-style chat delta outside any run.
	if c.events != nil {
		c.events.Broadcast(bus.Event{Name: protocol.EventChat, Payload: Delta{
			SessionKey: req.SessionKey,
			State:      protocol.RunFinal,
			Kind:       protocol.DeltaText,
			Message:    text,
		}})
	}
}

// Abort cancels the active run(s) for a session (or one specific runId).
// Queued successors are untouched: they proceed in order.
func (c *Controller) Abort(sessionKey, runID, reason string) []string {
	c.mu.Lock()
	var targets []*RunRecord
	for id, rr := range c.bySession[sessionKey] {
		if runID != "" && id != runID {
			continue
		}
		targets = append(targets, rr)
	}
	c.mu.Unlock()

	var aborted []string
	for _, rr := range targets {
		rr.mu.Lock()
		if !rr.terminal() {
			rr.abortedReason = reason
			if rr.cancel != nil {
				rr.cancel()
			}
			aborted = append(aborted, rr.RunID)
		}
		rr.mu.Unlock()
	}
	return aborted
}

// Run returns the live RunRecord for runID, if any.
func (c *Controller) Run(runID string) (*RunRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rr, ok := c.runs[runID]
	return rr, ok
}

// ActiveRuns returns the live run ids for a session.
func (c *Controller) ActiveRuns(sessionKey string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id := range c.bySession[sessionKey] {
		out = append(out, id)
	}
	return out
}

// transition advances the state machine and broadcasts the resulting delta.
// Terminal states are sticky: a late transition against a terminal record is
// dropped: a finalized run never emits again.
func (c *Controller) transition(rr *RunRecord, state, message, errMsg string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if rr.terminal() {
		return
	}
	rr.state = state
	rr.seq++
	rr.lastDeltaAt = time.Now()
	if state == protocol.RunFinal || state == protocol.RunError || state == protocol.RunAborted {
		rr.finalAt = rr.lastDeltaAt
	}

	kind := ""
	switch state {
	case protocol.RunFinal:
		kind = protocol.DeltaFinal
	case protocol.RunError:
		kind = protocol.DeltaError
	}
	// Broadcast under the record lock: seq allocation and publish order must
	// agree, or a subscriber could observe seq 4 before seq 3. The bus's
	// enqueue is non-blocking, so the lock is held only briefly.
	c.broadcast(Delta{
		RunID:        rr.RunID,
		SessionKey:   rr.SessionKey,
		Seq:          rr.seq,
		State:        state,
		Kind:         kind,
		Message:      message,
		ErrorMessage: errMsg,
	})
}

// HandleAgentEvent adapts the Engine's AgentEvents into chat deltas keyed by
// runId; it is installed as the resolver's OnEvent. Events for unknown runs
// (heartbeat internals, subagent inner loops) pass through on the agent
// channel only.
func (c *Controller) HandleAgentEvent(ev AgentEvent) {
	c.mu.Lock()
	rr, ok := c.runs[ev.RunID]
	c.mu.Unlock()

	if c.events != nil {
		c.events.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
	}
	if !ok {
		return
	}

	var kind, message string
	switch ev.Type {
	case protocol.ChatEventChunk:
		kind = protocol.DeltaText
		message = payloadString(ev.Payload, "content")
	case protocol.ChatEventThinking:
		kind = protocol.DeltaReasoning
		message = payloadString(ev.Payload, "content")
	case protocol.AgentEventToolCall:
		kind = protocol.DeltaToolCall
		message = payloadString(ev.Payload, "name")
	case protocol.AgentEventToolResult:
		kind = protocol.DeltaToolResult
		message = payloadString(ev.Payload, "name")
	default:
		return
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()
	if rr.terminal() {
		return
	}
	rr.seq++
	rr.lastDeltaAt = time.Now()

	c.broadcast(Delta{
		RunID:      rr.RunID,
		SessionKey: rr.SessionKey,
		Seq:        rr.seq,
		State:      protocol.RunRunning,
		Kind:       kind,
		Message:    message,
	})
}

func payloadString(payload interface{}, key string) string {
	switch m := payload.(type) {
	case map[string]string:
		return m[key]
	case map[string]interface{}:
		s, _ := m[key].(string)
		return s
	}
	return ""
}

func (c *Controller) broadcast(d Delta) {
	if c.events == nil {
		return
	}
	c.events.Broadcast(bus.Event{Name: protocol.EventChat, Payload: d})
}

func (c *Controller) remove(rr *RunRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, rr.RunID)
	if m := c.bySession[rr.SessionKey]; m != nil {
		delete(m, rr.RunID)
		if len(m) == 0 {
			delete(c.bySession, rr.SessionKey)
		}
	}
}

// Inject appends an assistant message directly to a session's transcript
// (chat.inject) and broadcasts it. The record is UI-only: it is not replayed
// into model context on the next turn.
func (c *Controller) Inject(sessionKey, message, label string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", gwerr.New(gwerr.InvalidRequest, "empty message")
	}
	agentID, _ := sessions.ParseSessionKey(sessionKey)
	c.registry.GetOrCreate(sessionKey, agentID)

	messageID := uuid.NewString()
	c.sessions.AddMessage(sessionKey, injectedMessage(message, label))
	if err := c.sessions.Save(sessionKey); err != nil {
		return "", gwerr.Wrap(gwerr.Unavailable, "persist failed", err.Error())
	}

	c.broadcast(Delta{
		RunID:      "inject:" + messageID,
		SessionKey: sessionKey,
		Seq:        1,
		State:      protocol.RunFinal,
		Kind:       protocol.DeltaFinal,
		Message:    message,
	})
	return messageID, nil
}

// injectedMessage labels an operator-injected assistant record so readers
// can tell it apart from model output.
func injectedMessage(message, label string) providers.Message {
	content := message
	if label != "" {
		content = "[" + label + "] " + message
	}
	return providers.Message{Role: "assistant", Content: content}
}

// History returns the most recent transcript records for a session.
func (c *Controller) History(sessionKey string, limit int) (*HistoryResult, error) {
	entry := c.registry.Get(sessionKey)
	if entry == nil {
		return nil, gwerr.New(gwerr.NotFound, "unknown session "+sessionKey)
	}
	if limit == 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	var msgs []HistoryMessage
	if limit > 0 {
		history := c.sessions.GetHistory(sessionKey)
		if len(history) > limit {
			history = history[len(history)-limit:]
		}
		for _, m := range history {
			msgs = append(msgs, HistoryMessage{Role: m.Role, Content: m.Content})
		}
	}

	return &HistoryResult{
		SessionKey:    sessionKey,
		SessionID:     entry.SessionID,
		Messages:      msgs,
		ThinkingLevel: string(entry.ThinkingLevel),
	}, nil
}

// HistoryResult is the chat.history payload.
type HistoryResult struct {
	SessionKey    string           `json:"sessionKey"`
	SessionID     string           `json:"sessionId"`
	Messages      []HistoryMessage `json:"messages"`
	ThinkingLevel string           `json:"thinkingLevel,omitempty"`
}

// HistoryMessage is one transcript record in a history payload.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SpawnRequest is the sessions.spawn input.
type SpawnRequest struct {
	Task          string
	AgentID       string
	Model         string
	ParentSession string
	TimeoutMs     int64
}

// SpawnResult is the sessions.spawn outcome.
type SpawnResult struct {
	SessionKey string `json:"sessionKey"`
	SessionID  string `json:"sessionId"`
	RunID      string `json:"runId"`
}

// Spawn creates a subagent session, enqueues its run on the subagent lane,
// and announces the normalized result back to the requesting session as a
// new turn once it completes.
func (c *Controller) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, gwerr.New(gwerr.InvalidRequest, "task required")
	}
	agentID := req.AgentID
	if agentID == "" {
		if parent, _ := sessions.ParseSessionKey(req.ParentSession); parent != "" {
			agentID = parent
		} else {
			agentID = "main"
		}
	}

	subID := uuid.NewString()
	subKey := sessions.BuildSubagentSessionKey(agentID, subID)
	entry := c.registry.GetOrCreate(subKey, agentID)
	c.registry.SetSpawnInfo(subKey, req.ParentSession)
	if req.Model != "" {
		c.registry.SetModelOverride(subKey, req.Model)
	}

	runID := uuid.NewString()
	started := time.Now()
	spawnReq := SendRequest{
		SessionKey: subKey,
		Message:    req.Task,
		Lane:       queue.LaneSubagent,
		TimeoutMs:  req.TimeoutMs,
		ExtraSystem: "You are a subagent spawned for one task. Your final message is the deliverable; it will be announced to the requesting session.",
	}

	rr := &RunRecord{RunID: runID, SessionKey: subKey, Lane: queue.LaneSubagent, state: protocol.RunAccepted}
	c.mu.Lock()
	c.runs[runID] = rr
	if c.bySession[subKey] == nil {
		c.bySession[subKey] = make(map[string]*RunRecord)
	}
	c.bySession[subKey][runID] = rr
	c.mu.Unlock()

	qe := &queue.Entry{
		RunID:      runID,
		SessionKey: subKey,
		Lane:       queue.LaneSubagent,
		TimeoutMs:  spawnReq.TimeoutMs,
		Run: func(runCtx context.Context) {
			c.executeSpawn(runCtx, rr, spawnReq, req, started)
		},
	}
	if _, err := c.sched.Enqueue(qe); err != nil {
		c.remove(rr)
		return nil, err
	}
	c.transition(rr, protocol.RunQueued, "", "")

	return &SpawnResult{SessionKey: subKey, SessionID: entry.SessionID, RunID: runID}, nil
}

// executeSpawn runs the subagent turn, then posts the announce turn to the
// parent session (Status and Result plus statistics; the announce has no
// Notes section).
func (c *Controller) executeSpawn(ctx context.Context, rr *RunRecord, spawnReq SendRequest, req SpawnRequest, started time.Time) {
	c.execute(ctx, rr, spawnReq)

	if req.ParentSession == "" {
		return
	}

	entry := c.registry.Get(rr.SessionKey)
	sessionID := ""
	var tokensIn, tokensOut int64
	if entry != nil {
		sessionID = entry.SessionID
		tokensIn = entry.InputTokens
		tokensOut = entry.OutputTokens
	}

	status := "ok"
	resultText := ""
	history := c.sessions.GetHistory(rr.SessionKey)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			resultText = history[i].Content
			break
		}
	}
	if rr.State() != protocol.RunFinal {
		status = rr.State()
	}

	announce := fmt.Sprintf(
		"[Subagent result]\nStatus: %s\nResult:\n%s\n\nStats: runtime=%s tokens_in=%d tokens_out=%d total=%d sessionKey=%s sessionId=%s\n\nSummarize this for the user in your own voice.",
		status, resultText, time.Since(started).Round(time.Second),
		tokensIn, tokensOut, tokensIn+tokensOut, rr.SessionKey, sessionID)

	parentChannel, parentChat := "", ""
	if pe := c.registry.Get(req.ParentSession); pe != nil && pe.Channel != "" {
		parentChannel = pe.Channel
		if _, rest := sessions.ParseSessionKey(req.ParentSession); rest != "" {
			if idx := strings.LastIndex(rest, ":"); idx >= 0 {
				parentChat = rest[idx+1:]
			}
		}
	}
	if _, err := c.start(context.Background(), uuid.NewString(), SendRequest{
		SessionKey: req.ParentSession,
		Message:    announce,
		Deliver:    parentChannel != "",
		Channel:    parentChannel,
		ChatID:     parentChat,
	}); err != nil {
		slog.Warn("subagent announce failed", "parent", req.ParentSession, "error", err)
	}
}

// RunHeartbeat executes one heartbeat turn for an agent on the heartbeat
// lane, blocking until it completes, and returns the final text.
func (c *Controller) RunHeartbeat(ctx context.Context, agentID, prompt string) (string, error) {
	key := sessions.BuildMainSessionKey(agentID)
	runID := uuid.NewString()

	done := make(chan struct{})
	var text string
	var runErr error

	rr := &RunRecord{RunID: runID, SessionKey: key, Lane: queue.LaneHeartbeat, state: protocol.RunAccepted}
	c.mu.Lock()
	c.runs[runID] = rr
	if c.bySession[key] == nil {
		c.bySession[key] = make(map[string]*RunRecord)
	}
	c.bySession[key][runID] = rr
	c.mu.Unlock()

	qe := &queue.Entry{
		RunID:      runID,
		SessionKey: key,
		Lane:       queue.LaneHeartbeat,
		Run: func(runCtx context.Context) {
			defer close(done)
			ag, err := c.router.Get(agentID)
			if err != nil {
				runErr = err
				c.transition(rr, protocol.RunError, "", err.Error())
				c.remove(rr)
				return
			}
			c.transition(rr, protocol.RunRunning, "", "")
			result, err := ag.Run(runCtx, RunRequest{
				SessionKey: key,
				Message:    prompt,
				RunID:      runID,
				PeerKind:   "direct",
			})
			if err != nil {
				runErr = err
				c.transition(rr, protocol.RunError, "", err.Error())
			} else {
				text = result.Content
				c.transition(rr, protocol.RunFinal, result.Content, "")
			}
			c.remove(rr)
		},
	}
	if _, err := c.sched.Enqueue(qe); err != nil {
		c.remove(rr)
		return "", err
	}
	c.transition(rr, protocol.RunQueued, "", "")

	select {
	case <-done:
		return text, runErr
	case <-ctx.Done():
		c.Abort(key, runID, "cancelled")
		return "", ctx.Err()
	}
}

// SendDirect publishes text straight to a channel adapter, bypassing any
// agent run.
func (c *Controller) SendDirect(ctx context.Context, channel, to, text string) error {
	if c.outbound == nil {
		return gwerr.New(gwerr.Unavailable, "no outbound bus")
	}
	if channel == "" || to == "" {
		return gwerr.New(gwerr.InvalidRequest, "channel and to required")
	}
	c.outbound.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: to, Content: text})
	return nil
}
