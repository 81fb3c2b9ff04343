package cmd

import (
	"context"
	"log/slog"

	"github.com/openclaw/gateway/internal/agent"
	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/ingress"
	"github.com/openclaw/gateway/internal/sessions"
)

// consumeInbound drains channel adapters' inbound messages, runs each
// through the Ingress Normalizer, and hands accepted turns to the Run
// Controller. Subagent announcements (channel "system") are posted to the
// parent session directly: they already passed gating when the parent turn
// was accepted.
func consumeInbound(ctx context.Context, cfg *config.Config, msgBus *bus.MessageBus, normalizer *ingress.Normalizer, controller *agent.Controller) {
	slog.Info("inbound message consumer started")
	policyFor := channelPolicyFunc(cfg)

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}

		if msg.Channel == "system" {
			handleAnnounce(ctx, cfg, controller, msg)
			continue
		}

		chatType := ingress.ChatDirect
		switch msg.PeerKind {
		case "group":
			chatType = ingress.ChatGroup
		case "channel":
			chatType = ingress.ChatChannel
		case "topic":
			chatType = ingress.ChatTopic
		}

		payload := ingress.Payload{
			Provider:       msg.Channel,
			Channel:        msg.Channel,
			SenderID:       msg.SenderID,
			ChatType:       chatType,
			ConversationID: msg.ChatID,
			Body:           msg.Content,
			// Adapters run their own mention gate before publishing, so an
			// inbound reaching the bus was already addressed to the bot.
			WasMentioned: true,
		}
		for _, m := range msg.Media {
			payload.Attachments = append(payload.Attachments, ingress.Attachment{Path: m})
		}
		if msg.ThreadID != "" {
			payload.ChatType = ingress.ChatTopic
			payload.TopicParentID = msg.ChatID
			payload.TopicID = msg.ThreadID
		}

		res := normalizer.Normalize(payload, policyFor(msg.Channel))
		if res.Accepted && msg.AgentID != "" && msg.AgentID != res.Ctx.AgentID {
			// The adapter pinned a specific agent (e.g. voice turns routed to
			// a speaking agent); re-key the session for it.
			kind := sessions.PeerDM
			if msg.PeerKind == "group" {
				kind = sessions.PeerGroup
			}
			res.Ctx.AgentID = msg.AgentID
			res.Ctx.SessionKey = sessions.BuildSessionKey(msg.AgentID, msg.Channel, kind, msg.ChatID)
		}
		if !res.Accepted {
			slog.Info("inbound blocked", "channel", msg.Channel, "sender", msg.SenderID, "reason", res.Reason)
			if res.PairingCode != "" {
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: "This bot requires pairing. Ask the owner to approve code: " + res.PairingCode,
				})
			}
			continue
		}

		if _, err := controller.HandleIngress(ctx, res.Ctx, "", 0); err != nil {
			slog.Warn("inbound run start failed", "channel", msg.Channel, "session", res.Ctx.SessionKey, "error", err)
		}
	}
}

// handleAnnounce posts a subagent completion back to the parent agent's
// session as a new turn, delivering the reformulated reply to the channel
// the spawning turn came from.
func handleAnnounce(ctx context.Context, cfg *config.Config, controller *agent.Controller, msg bus.InboundMessage) {
	originChannel := msg.Metadata["origin_channel"]
	parentAgent := msg.Metadata["parent_agent"]
	if parentAgent == "" {
		parentAgent = cfg.ResolveDefaultAgentID()
	}

	peerKind := sessions.PeerDM
	if msg.Metadata["origin_peer_kind"] == "group" {
		peerKind = sessions.PeerGroup
	}

	sessionKey := sessions.BuildMainSessionKey(parentAgent)
	if originChannel != "" && msg.ChatID != "" {
		sessionKey = sessions.BuildScopedSessionKey(parentAgent, originChannel, peerKind, msg.ChatID, cfg.Sessions.Scope, cfg.Sessions.DmScope)
	}

	if _, err := controller.Send(ctx, agent.SendRequest{
		SessionKey: sessionKey,
		Message:    msg.Content,
		Deliver:    originChannel != "",
		Channel:    originChannel,
		ChatID:     msg.ChatID,
		PeerKind:   string(peerKind),
	}); err != nil {
		slog.Warn("subagent announce turn failed", "session", sessionKey, "error", err)
	}
}
