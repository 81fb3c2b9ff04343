package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/pkg/protocol"
)

// liveRun is the delivery context of one in-flight agent run: where its
// streaming previews and status reactions go.
type liveRun struct {
	channel   string
	chatID    string
	messageID int

	mu        sync.Mutex
	buffer    string // accumulated stream text; chunks arrive as deltas
	toolPhase bool   // set on tool.call, cleared by the next chunk
}

// Manager owns the registered adapters: lifecycle, outbound routing, and
// forwarding of run events back to the channel that started the run.
type Manager struct {
	mu           sync.RWMutex
	channels     map[string]Channel
	bus          *bus.MessageBus
	runs         sync.Map // runID → *liveRun
	stopDispatch context.CancelFunc
}

// NewManager builds an empty Manager; adapters register via
// RegisterChannel.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// StartAll starts every registered adapter plus the outbound dispatcher.
// The dispatcher runs even with zero adapters, since a config reload can
// register them later.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.stopDispatch = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
		}
	}
	slog.Info("all channels started")
	return nil
}

// StopAll stops the dispatcher and every adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopDispatch != nil {
		m.stopDispatch()
		m.stopDispatch = nil
	}

	for name, ch := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", name, "error", err)
		}
	}
	slog.Info("all channels stopped")
	return nil
}

// dispatchOutbound drains the outbound bus into adapters. Internal
// origins are skipped; temporary media files are removed once the send
// attempt is over, success or not.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbound dispatcher stopped")
			return
		default:
		}

		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			continue
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		ch, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("channel send failed", "channel", msg.Channel, "error", err)
		}

		for _, media := range msg.Media {
			if media.URL == "" {
				continue
			}
			if err := os.Remove(media.URL); err != nil {
				slog.Debug("media cleanup failed", "path", media.URL, "error", err)
			}
		}
	}
}

// GetChannel looks an adapter up by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// GetStatus reports per-channel running state.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{}, len(m.channels))
	for name, ch := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": ch.IsRunning(),
		}
	}
	return status
}

// GetEnabledChannels lists the registered adapter names.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// RegisterChannel adds an adapter under name.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes an adapter.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// SendToChannel delivers plain text through a named adapter.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	ch, exists := m.channels[channelName]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}
	return ch.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}

// RegisterRun ties a run id to the channel context its stream previews
// and reactions should land in.
func (m *Manager) RegisterRun(runID, channelName, chatID string, messageID int) {
	m.runs.Store(runID, &liveRun{
		channel:   channelName,
		chatID:    chatID,
		messageID: messageID,
	})
}

// UnregisterRun drops a run's delivery context.
func (m *Manager) UnregisterRun(runID string) {
	m.runs.Delete(runID)
}

// IsStreamingChannel reports whether the named adapter both implements
// StreamingChannel and currently has streaming switched on.
func (m *Manager) IsStreamingChannel(channelName string) bool {
	m.mu.RLock()
	ch, exists := m.channels[channelName]
	m.mu.RUnlock()
	if !exists {
		return false
	}
	sc, ok := ch.(StreamingChannel)
	return ok && sc.StreamEnabled()
}

// HandleAgentEvent forwards one run lifecycle event to the originating
// adapter. Called from the bus subscriber, so it must not block.
func (m *Manager) HandleAgentEvent(eventType, runID string, payload interface{}) {
	val, ok := m.runs.Load(runID)
	if !ok {
		return
	}
	run := val.(*liveRun)

	m.mu.RLock()
	ch, exists := m.channels[run.channel]
	m.mu.RUnlock()
	if !exists {
		return
	}

	ctx := context.Background()

	if sc, ok := ch.(StreamingChannel); ok {
		m.forwardStream(ctx, sc, run, eventType, payload)
	}

	if eventType == protocol.AgentEventRunRetrying {
		m.bus.PublishOutbound(bus.OutboundMessage{
			Channel: run.channel,
			ChatID:  run.chatID,
			Content: fmt.Sprintf("Provider busy, retrying... (%s/%s)",
				payloadString(payload, "attempt"), payloadString(payload, "maxAttempts")),
			Metadata: map[string]string{"placeholder_update": "true"},
		})
	}

	if rc, ok := ch.(ReactionChannel); ok {
		if status := reactionFor(eventType); status != "" {
			if err := rc.OnReactionEvent(ctx, run.chatID, run.messageID, status); err != nil {
				slog.Debug("reaction event failed", "channel", run.channel, "status", status, "error", err)
			}
		}
	}

	if eventType == protocol.AgentEventRunCompleted || eventType == protocol.AgentEventRunFailed {
		m.runs.Delete(runID)
	}
}

// forwardStream drives the adapter's preview message through the run's
// lifecycle. Each model iteration gets its own preview: a tool.call closes
// the current one, and the first chunk afterwards opens a fresh one.
func (m *Manager) forwardStream(ctx context.Context, sc StreamingChannel, run *liveRun, eventType string, payload interface{}) {
	switch eventType {
	case protocol.AgentEventRunStarted:
		if err := sc.OnStreamStart(ctx, run.chatID); err != nil {
			slog.Debug("stream start failed", "channel", run.channel, "error", err)
		}

	case protocol.AgentEventToolCall:
		run.mu.Lock()
		run.toolPhase = true
		run.mu.Unlock()
		if err := sc.OnStreamEnd(ctx, run.chatID, ""); err != nil {
			slog.Debug("stream tool-phase end failed", "channel", run.channel, "error", err)
		}

	case protocol.ChatEventChunk:
		content := payloadString(payload, "content")
		if content == "" {
			return
		}
		run.mu.Lock()
		if run.toolPhase {
			// First chunk of a new iteration: reset and reopen.
			run.buffer = ""
			run.toolPhase = false
			run.mu.Unlock()
			if err := sc.OnStreamStart(ctx, run.chatID); err != nil {
				slog.Debug("stream restart failed", "channel", run.channel, "error", err)
			}
			run.mu.Lock()
		}
		run.buffer += content
		full := run.buffer
		run.mu.Unlock()
		if err := sc.OnChunkEvent(ctx, run.chatID, full); err != nil {
			slog.Debug("stream chunk failed", "channel", run.channel, "error", err)
		}

	case protocol.AgentEventRunCompleted:
		run.mu.Lock()
		final := run.buffer
		run.mu.Unlock()
		if err := sc.OnStreamEnd(ctx, run.chatID, final); err != nil {
			slog.Debug("stream end failed", "channel", run.channel, "error", err)
		}

	case protocol.AgentEventRunFailed:
		_ = sc.OnStreamEnd(ctx, run.chatID, "")
	}
}

// reactionFor maps a run event to the reaction status adapters render.
func reactionFor(eventType string) string {
	switch eventType {
	case protocol.AgentEventRunStarted:
		return "thinking"
	case protocol.AgentEventToolCall:
		return "tool"
	case protocol.AgentEventRunCompleted:
		return "done"
	case protocol.AgentEventRunFailed:
		return "error"
	}
	return ""
}

// payloadString reads a string field out of an event payload, which
// arrives as either map flavor depending on the emitter.
func payloadString(payload interface{}, key string) string {
	switch p := payload.(type) {
	case map[string]string:
		return p[key]
	case map[string]interface{}:
		if v, ok := p[key].(string); ok {
			return v
		}
	}
	return ""
}
