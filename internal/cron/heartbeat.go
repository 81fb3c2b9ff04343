package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultHeartbeatPrompt is the templated body of a heartbeat turn when the
// agent's config doesn't override it.
const DefaultHeartbeatPrompt = "Read HEARTBEAT.md if present. Reply HEARTBEAT_OK if nothing needs attention."

// HeartbeatAck is the reply token that marks a heartbeat as "nothing to do".
const HeartbeatAck = "HEARTBEAT_OK"

// ActiveHours restricts heartbeats to a local-time window; outside it the
// tick is silently skipped, not queued.
type ActiveHours struct {
	Start    string // "HH:MM" inclusive
	End      string // "HH:MM" exclusive
	Timezone string // IANA name; "" means local
}

// within reports whether t falls inside the window. A zero window is always
// active.
func (a ActiveHours) within(t time.Time) bool {
	if a.Start == "" || a.End == "" {
		return true
	}
	loc := t.Location()
	if a.Timezone != "" {
		if l, err := time.LoadLocation(a.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	cur := local.Hour()*60 + local.Minute()

	parse := func(s string) (int, bool) {
		var h, m int
		if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
			return 0, false
		}
		return h*60 + m, true
	}
	start, ok1 := parse(a.Start)
	end, ok2 := parse(a.End)
	if !ok1 || !ok2 {
		return true
	}
	if start <= end {
		return cur >= start && cur < end
	}
	// Overnight window (e.g. 22:00-06:00).
	return cur >= start || cur < end
}

// HeartbeatConfig is one agent's heartbeat cadence.
type HeartbeatConfig struct {
	Every       time.Duration // 0 disables
	Prompt      string
	ActiveHours ActiveHours
}

// HeartbeatRunFunc executes one heartbeat turn for an agent on the heartbeat
// lane and returns the final assistant text.
type HeartbeatRunFunc func(ctx context.Context, agentID, prompt string) (string, error)

// Heartbeats emits the per-agent heartbeat system event on its cadence
// and holds the transient system-event queue cron jobs push into.
// Heartbeat runs occupy the heartbeat lane and never preempt user runs; the
// lane's concurrency of 1 is enforced by the Queue & Scheduler, not here.
type Heartbeats struct {
	run HeartbeatRunFunc

	mu      sync.Mutex
	agents  map[string]*heartbeatState
	pending map[string][]string // agentID -> queued system event texts
}

type heartbeatState struct {
	cfg      HeartbeatConfig
	enabled  bool
	wake     chan struct{}
	cancel   context.CancelFunc
	lastAt   time.Time
	lastText string
	lastErr  string
}

// NewHeartbeats creates the heartbeat emitter.
func NewHeartbeats(run HeartbeatRunFunc) *Heartbeats {
	return &Heartbeats{
		run:     run,
		agents:  make(map[string]*heartbeatState),
		pending: make(map[string][]string),
	}
}

// Enable starts (or reconfigures) an agent's heartbeat ticker.
func (h *Heartbeats) Enable(ctx context.Context, agentID string, cfg HeartbeatConfig) {
	if cfg.Every <= 0 {
		h.Disable(agentID)
		return
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultHeartbeatPrompt
	}

	h.mu.Lock()
	if st, ok := h.agents[agentID]; ok && st.cancel != nil {
		st.cancel()
	}
	tickCtx, cancel := context.WithCancel(ctx)
	st := &heartbeatState{
		cfg:     cfg,
		enabled: true,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
	}
	h.agents[agentID] = st
	h.mu.Unlock()

	go h.tick(tickCtx, agentID, st)
	slog.Info("heartbeat enabled", "agent", agentID, "every", cfg.Every)
}

// Disable stops an agent's heartbeat ticker. Queued system events are kept
// for the next Enable.
func (h *Heartbeats) Disable(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.agents[agentID]; ok {
		if st.cancel != nil {
			st.cancel()
		}
		st.enabled = false
	}
}

// Push queues a system event for agentID's next heartbeat. wakeNow fires the
// heartbeat immediately instead of waiting for the cadence.
func (h *Heartbeats) Push(agentID, text string, wakeNow bool) {
	h.mu.Lock()
	h.pending[agentID] = append(h.pending[agentID], text)
	st := h.agents[agentID]
	h.mu.Unlock()

	if wakeNow && st != nil && st.enabled {
		select {
		case st.wake <- struct{}{}:
		default:
		}
	}
}

// Last returns the most recent heartbeat outcome for an agent.
func (h *Heartbeats) Last(agentID string) (at time.Time, text, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.agents[agentID]; ok {
		return st.lastAt, st.lastText, st.lastErr
	}
	return time.Time{}, "", ""
}

func (h *Heartbeats) tick(ctx context.Context, agentID string, st *heartbeatState) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("heartbeat ticker panic recovered", "agent", agentID, "panic", fmt.Sprint(r))
		}
	}()

	ticker := time.NewTicker(st.cfg.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-st.wake:
		}

		if !st.cfg.ActiveHours.within(time.Now()) {
			slog.Debug("heartbeat outside active hours, skipped", "agent", agentID)
			continue
		}
		h.fire(ctx, agentID, st)
	}
}

func (h *Heartbeats) fire(ctx context.Context, agentID string, st *heartbeatState) {
	h.mu.Lock()
	events := h.pending[agentID]
	delete(h.pending, agentID)
	h.mu.Unlock()

	prompt := st.cfg.Prompt
	if len(events) > 0 {
		prompt = "System events since last heartbeat:\n- " + strings.Join(events, "\n- ") + "\n\n" + prompt
	}

	text, err := h.run(ctx, agentID, prompt)

	h.mu.Lock()
	st.lastAt = time.Now()
	if err != nil {
		st.lastErr = err.Error()
		st.lastText = ""
	} else {
		st.lastErr = ""
		st.lastText = text
	}
	h.mu.Unlock()

	if err != nil {
		slog.Warn("heartbeat run failed", "agent", agentID, "error", err)
	}
}

// IsAck reports whether a heartbeat reply means "nothing needs attention":
// the ack token, alone or with a trailing remark short enough to ignore.
func IsAck(reply string, ackMaxChars int) bool {
	trimmed := strings.TrimSpace(reply)
	if trimmed == HeartbeatAck {
		return true
	}
	if idx := strings.Index(trimmed, HeartbeatAck); idx >= 0 {
		rest := strings.TrimSpace(strings.Replace(trimmed, HeartbeatAck, "", 1))
		if ackMaxChars <= 0 {
			ackMaxChars = 300
		}
		return len(rest) <= ackMaxChars
	}
	return false
}
