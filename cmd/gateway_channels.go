package cmd

import (
	"log/slog"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/channels"
	"github.com/openclaw/gateway/internal/channels/discord"
	"github.com/openclaw/gateway/internal/channels/telegram"
	"github.com/openclaw/gateway/internal/channels/testchannel"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/ingress"
	"github.com/openclaw/gateway/internal/store"
)

// buildChannels instantiates the configured channel adapters. Telegram and
// Discord are the SDK-backed reference adapters; webchat is the vendor-free
// stub used by the embedded UI and tests.
func buildChannels(cfg *config.Config, msgBus *bus.MessageBus, mgr *channels.Manager, pairing store.PairingStore) {
	if tg := cfg.Channels.Telegram; tg.Enabled {
		if tg.Token == "" {
			slog.Warn("telegram enabled but no token configured, skipped")
		} else {
			ch, err := telegram.New(tg, msgBus, pairing)
			if err != nil {
				slog.Error("telegram channel init failed", "error", err)
			} else {
				mgr.RegisterChannel(ch.Name(), ch)
			}
		}
	}

	if dc := cfg.Channels.Discord; dc.Enabled {
		if dc.Token == "" {
			slog.Warn("discord enabled but no token configured, skipped")
		} else {
			ch, err := discord.New(dc, msgBus, pairing)
			if err != nil {
				slog.Error("discord channel init failed", "error", err)
			} else {
				mgr.RegisterChannel(ch.Name(), ch)
			}
		}
	}

	mgr.RegisterChannel("webchat", testchannel.New("webchat", msgBus, nil))
}

// channelPolicyFunc resolves the ingress access policy for a channel from
// its config block.
func channelPolicyFunc(cfg *config.Config) func(channel string) ingress.Policy {
	return func(channel string) ingress.Policy {
		pol := ingress.Policy{
			DM:       ingress.DMOpen,
			Group:    ingress.GroupOpen,
			OwnerIDs: cfg.Gateway.OwnerIDs,
		}
		switch channel {
		case "telegram":
			tg := cfg.Channels.Telegram
			pol.DM = dmPolicy(tg.DMPolicy)
			pol.Group = groupPolicy(tg.GroupPolicy)
			pol.AllowFrom = tg.AllowFrom
			pol.RequireMention = tg.RequireMention == nil || *tg.RequireMention
		case "discord":
			dc := cfg.Channels.Discord
			pol.DM = dmPolicy(dc.DMPolicy)
			pol.Group = groupPolicy(dc.GroupPolicy)
			pol.AllowFrom = dc.AllowFrom
			pol.RequireMention = dc.RequireMention == nil || *dc.RequireMention
		case "webchat", "cli", "system":
			// Internal surfaces are already behind gateway auth.
		}
		return pol
	}
}

func dmPolicy(s string) ingress.DMPolicy {
	switch s {
	case "disabled":
		return ingress.DMDisabled
	case "allowlist":
		return ingress.DMAllowlist
	case "pairing":
		return ingress.DMPairing
	default:
		return ingress.DMOpen
	}
}

func groupPolicy(s string) ingress.GroupPolicy {
	switch s {
	case "disabled":
		return ingress.GroupDisabled
	case "allowlist":
		return ingress.GroupAllowlist
	default:
		return ingress.GroupOpen
	}
}
