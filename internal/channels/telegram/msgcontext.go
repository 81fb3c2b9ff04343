package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
)

// MsgContext carries the forwarding/reply/location provenance of an inbound
// message, rendered into the content handed to the agent so the model sees
// what the user saw.
type MsgContext struct {
	ReplyInfo   *ReplyInfo
	ForwardFrom string
	ForwardType string
	ForwardDate time.Time
	Location    *telego.Location
	Contact     *telego.Contact
}

// ReplyInfo describes the message this inbound replies to.
type ReplyInfo struct {
	IsBotReply bool
	Sender     string
	Excerpt    string
}

// buildMessageContext extracts provenance from a Telegram message.
func buildMessageContext(msg *telego.Message, botUsername string) MsgContext {
	var mc MsgContext

	if reply := msg.ReplyToMessage; reply != nil {
		info := &ReplyInfo{}
		if reply.From != nil {
			info.Sender = reply.From.FirstName
			if reply.From.Username != "" {
				info.Sender = "@" + reply.From.Username
				info.IsBotReply = strings.EqualFold(reply.From.Username, botUsername)
			}
		}
		excerpt := reply.Text
		if excerpt == "" {
			excerpt = reply.Caption
		}
		if len(excerpt) > 200 {
			excerpt = excerpt[:200] + "..."
		}
		info.Excerpt = excerpt
		mc.ReplyInfo = info
	}

	if origin := msg.ForwardOrigin; origin != nil {
		switch o := origin.(type) {
		case *telego.MessageOriginUser:
			mc.ForwardFrom = o.SenderUser.FirstName
			if o.SenderUser.Username != "" {
				mc.ForwardFrom = "@" + o.SenderUser.Username
			}
			mc.ForwardType = "user"
			mc.ForwardDate = time.Unix(o.Date, 0)
		case *telego.MessageOriginHiddenUser:
			mc.ForwardFrom = o.SenderUserName
			mc.ForwardType = "hidden_user"
			mc.ForwardDate = time.Unix(o.Date, 0)
		case *telego.MessageOriginChat:
			mc.ForwardFrom = o.SenderChat.Title
			mc.ForwardType = "chat"
			mc.ForwardDate = time.Unix(o.Date, 0)
		case *telego.MessageOriginChannel:
			mc.ForwardFrom = o.Chat.Title
			mc.ForwardType = "channel"
			mc.ForwardDate = time.Unix(o.Date, 0)
		}
	}

	mc.Location = msg.Location
	mc.Contact = msg.Contact
	return mc
}

// enrichContentWithContext prefixes content with the provenance blocks the
// agent should see: reply excerpt, forward origin, shared location/contact.
func enrichContentWithContext(content string, mc MsgContext) string {
	var parts []string

	if r := mc.ReplyInfo; r != nil && r.Excerpt != "" {
		who := r.Sender
		if r.IsBotReply {
			who = "you"
		}
		parts = append(parts, fmt.Sprintf("[Replying to %s: %q]", who, r.Excerpt))
	}
	if mc.ForwardFrom != "" {
		parts = append(parts, fmt.Sprintf("[Forwarded from %s (%s)]", mc.ForwardFrom, mc.ForwardType))
	}
	if mc.Location != nil {
		parts = append(parts, fmt.Sprintf("[Shared location: %.5f,%.5f]", mc.Location.Latitude, mc.Location.Longitude))
	}
	if mc.Contact != nil {
		name := strings.TrimSpace(mc.Contact.FirstName + " " + mc.Contact.LastName)
		parts = append(parts, fmt.Sprintf("[Shared contact: %s %s]", name, mc.Contact.PhoneNumber))
	}

	if len(parts) == 0 {
		return content
	}
	return strings.Join(parts, "\n") + "\n" + content
}
