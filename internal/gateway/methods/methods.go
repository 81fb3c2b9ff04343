// Package methods registers the RPC method set onto the gateway's
// method router, translating wire params into Run Controller, Session
// Registry, Cron, and Exec Approval calls.
package methods

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openclaw/gateway/internal/agent"
	"github.com/openclaw/gateway/internal/approval"
	"github.com/openclaw/gateway/internal/cron"
	"github.com/openclaw/gateway/internal/gateway"
	"github.com/openclaw/gateway/internal/gwerr"
	"github.com/openclaw/gateway/internal/ingress"
	"github.com/openclaw/gateway/internal/queue"
	"github.com/openclaw/gateway/internal/sessions"
	"github.com/openclaw/gateway/internal/store"
	"github.com/openclaw/gateway/pkg/protocol"
)

// Deps are the components the method handlers drive.
type Deps struct {
	Controller *agent.Controller
	Normalizer *ingress.Normalizer
	Registry   *sessions.Registry
	Sessions   store.SessionStore
	Cron       *cron.Service
	Heartbeats *cron.Heartbeats
	Approvals  *approval.Engine
	Scheduler  *queue.Scheduler

	// ChannelPolicy returns the ingress policy for a channel; nil falls
	// back to open DMs (internal callers are already authenticated).
	ChannelPolicy func(channel string) ingress.Policy

	StartedAt time.Time
}

// RegisterAll installs every method.
func RegisterAll(r *gateway.MethodRouter, d Deps) {
	r.Register(protocol.MethodChatHistory, d.chatHistory)
	r.Register(protocol.MethodChatSend, d.chatSend)
	r.Register(protocol.MethodChatIngress, d.chatIngress)
	r.Register(protocol.MethodChatAbort, d.chatAbort)
	r.Register(protocol.MethodChatInject, d.chatInject)

	r.Register(protocol.MethodSessionsList, d.sessionsList)
	r.Register(protocol.MethodSessionsHistory, d.chatHistory)
	r.Register(protocol.MethodSessionsSpawn, d.sessionsSpawn)
	r.Register(protocol.MethodSessionsSend, d.sessionsSend)

	r.Register(protocol.MethodCronAdd, d.cronAdd)
	r.Register(protocol.MethodCronUpdate, d.cronUpdate)
	r.Register(protocol.MethodCronRemove, d.cronRemove)
	r.Register(protocol.MethodCronRun, d.cronRun)
	r.Register(protocol.MethodCronList, d.cronList)

	r.Register(protocol.MethodSystemEvent, d.systemEvent)
	r.Register(protocol.MethodHeartbeatEnable, d.heartbeatEnable)
	r.Register(protocol.MethodHeartbeatDisable, d.heartbeatDisable)
	r.Register(protocol.MethodHeartbeatLast, d.heartbeatLast)

	r.Register(protocol.MethodExecApprovalGet, d.approvalGet)
	r.Register(protocol.MethodExecApprovalDecide, d.approvalDecide)

	for _, m := range []string{
		protocol.MethodVoicecallInitiate,
		protocol.MethodVoicecallContinue,
		protocol.MethodVoicecallSpeak,
		protocol.MethodVoicecallEnd,
		protocol.MethodVoicecallStatus,
	} {
		r.Register(m, voicecallUnavailable)
	}

	r.Register(protocol.MethodHealth, d.health)
	r.Register(protocol.MethodStatus, d.status)
	r.Register(protocol.MethodConnect, d.connect)
}

func parseParams(params json.RawMessage, into interface{}) error {
	if len(params) == 0 {
		return gwerr.New(gwerr.InvalidRequest, "missing params")
	}
	if err := json.Unmarshal(params, into); err != nil {
		return gwerr.Wrap(gwerr.InvalidRequest, "bad params", err.Error())
	}
	return nil
}

// --- chat ---

func (d Deps) chatHistory(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      *int   `json:"limit,omitempty"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, gwerr.New(gwerr.InvalidRequest, "sessionKey required")
	}
	limit := 0
	if p.Limit != nil {
		limit = *p.Limit
		if limit <= 0 {
			limit = -1 // explicit zero: empty history
		}
	}
	res, err := d.Controller.History(p.SessionKey, limit)
	if err != nil {
		return nil, err
	}
	if res.Messages == nil {
		res.Messages = []agent.HistoryMessage{}
	}
	return res, nil
}

type attachmentParam struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Data        string `json:"data,omitempty"` // base64
	Path        string `json:"path,omitempty"`
}

func (d Deps) chatSend(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey     string            `json:"sessionKey"`
		Message        string            `json:"message"`
		Attachments    []attachmentParam `json:"attachments,omitempty"`
		Thinking       string            `json:"thinking,omitempty"`
		Deliver        bool              `json:"deliver,omitempty"`
		TimeoutMs      int64             `json:"timeoutMs,omitempty"`
		IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	var attachments []ingress.Attachment
	for _, a := range p.Attachments {
		attachments = append(attachments, ingress.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Path:        a.Path,
			SizeBytes:   int64(len(a.Data)) * 3 / 4,
		})
	}

	return d.Controller.Send(ctx, agent.SendRequest{
		SessionKey:     p.SessionKey,
		Message:        p.Message,
		Attachments:    attachments,
		ThinkingLevel:  p.Thinking,
		Deliver:        p.Deliver,
		TimeoutMs:      p.TimeoutMs,
		IdempotencyKey: p.IdempotencyKey,
	})
}

func (d Deps) chatIngress(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		Channel   string          `json:"channel"`
		Payload   ingress.Payload `json:"payload"`
		RunID     string          `json:"runId,omitempty"`
		AccountID string          `json:"accountId,omitempty"`
		TimeoutMs int64           `json:"timeoutMs,omitempty"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.Payload.Channel == "" {
		p.Payload.Channel = p.Channel
	}
	if p.Payload.AccountID == "" {
		p.Payload.AccountID = p.AccountID
	}

	pol := ingress.Policy{DM: ingress.DMOpen, Group: ingress.GroupOpen}
	if d.ChannelPolicy != nil {
		pol = d.ChannelPolicy(p.Payload.Channel)
	}

	res := d.Normalizer.Normalize(p.Payload, pol)
	if !res.Accepted {
		return map[string]interface{}{
			"status": "blocked",
			"meta":   map[string]string{"reason": res.Reason},
		}, nil
	}

	started, err := d.Controller.HandleIngress(ctx, res.Ctx, p.RunID, p.TimeoutMs)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":     "accepted",
		"runId":      started.RunID,
		"sessionKey": res.Ctx.SessionKey,
	}, nil
}

func (d Deps) chatAbort(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId,omitempty"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, gwerr.New(gwerr.InvalidRequest, "sessionKey required")
	}
	aborted := d.Controller.Abort(p.SessionKey, p.RunID, "chat.abort")
	if aborted == nil {
		aborted = []string{}
	}
	return map[string]interface{}{"ok": true, "aborted": len(aborted) > 0, "runIds": aborted}, nil
}

func (d Deps) chatInject(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
		Label      string `json:"label,omitempty"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	id, err := d.Controller.Inject(p.SessionKey, p.Message, p.Label)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true, "messageId": id}, nil
}

// --- sessions ---

func (d Deps) sessionsList(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		AgentID string `json:"agentId,omitempty"`
		Limit   int    `json:"limit,omitempty"`
		Offset  int    `json:"offset,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, gwerr.Wrap(gwerr.InvalidRequest, "bad params", err.Error())
		}
	}
	res := d.Sessions.ListPaged(store.SessionListOpts{AgentID: p.AgentID, Limit: p.Limit, Offset: p.Offset})
	if res.Sessions == nil {
		res.Sessions = []store.SessionInfo{}
	}
	return res, nil
}

func (d Deps) sessionsSpawn(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		Task          string `json:"task"`
		AgentID       string `json:"agentId,omitempty"`
		Model         string `json:"model,omitempty"`
		ParentSession string `json:"parentSession,omitempty"`
		TimeoutMs     int64  `json:"timeoutMs,omitempty"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return d.Controller.Spawn(ctx, agent.SpawnRequest{
		Task:          p.Task,
		AgentID:       p.AgentID,
		Model:         p.Model,
		ParentSession: p.ParentSession,
		TimeoutMs:     p.TimeoutMs,
	})
}

func (d Deps) sessionsSend(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
		TimeoutMs  int64  `json:"timeoutMs,omitempty"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return d.Controller.Send(ctx, agent.SendRequest{
		SessionKey: p.SessionKey,
		Message:    p.Message,
		TimeoutMs:  p.TimeoutMs,
	})
}

// --- cron ---

func (d Deps) cronAdd(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var job store.CronJob
	if err := parseParams(params, &job); err != nil {
		return nil, err
	}
	if !job.Enabled {
		job.Enabled = true
	}
	if err := d.Cron.Add(&job); err != nil {
		return nil, gwerr.Wrap(gwerr.InvalidRequest, "cron add failed", err.Error())
	}
	return map[string]interface{}{"ok": true, "id": job.ID}, nil
}

func (d Deps) cronUpdate(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var job store.CronJob
	if err := parseParams(params, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, gwerr.New(gwerr.InvalidRequest, "id required")
	}
	if err := d.Cron.Update(&job); err != nil {
		return nil, gwerr.Wrap(gwerr.InvalidRequest, "cron update failed", err.Error())
	}
	return map[string]interface{}{"ok": true}, nil
}

func (d Deps) cronRemove(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.Cron.Remove(p.ID); err != nil {
		return nil, gwerr.Wrap(gwerr.NotFound, "cron remove failed", err.Error())
	}
	return map[string]interface{}{"ok": true}, nil
}

func (d Deps) cronRun(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.Cron.RunNow(ctx, p.ID); err != nil {
		return nil, gwerr.Wrap(gwerr.NotFound, "cron run failed", err.Error())
	}
	return map[string]interface{}{"ok": true}, nil
}

func (d Deps) cronList(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		AgentID string `json:"agentId,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, gwerr.Wrap(gwerr.InvalidRequest, "bad params", err.Error())
		}
	}
	jobs := d.Cron.List(p.AgentID)
	if jobs == nil {
		jobs = []*store.CronJob{}
	}
	return map[string]interface{}{"jobs": jobs}, nil
}

// --- system / heartbeat ---

func (d Deps) systemEvent(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		AgentID string `json:"agentId,omitempty"`
		Text    string `json:"text"`
		WakeNow bool   `json:"wakeNow,omitempty"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.Text == "" {
		return nil, gwerr.New(gwerr.InvalidRequest, "text required")
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = "main"
	}
	d.Heartbeats.Push(agentID, p.Text, p.WakeNow)
	return map[string]interface{}{"ok": true}, nil
}

func (d Deps) heartbeatEnable(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		AgentID string `json:"agentId,omitempty"`
		Every   string `json:"every,omitempty"`
		Prompt  string `json:"prompt,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, gwerr.Wrap(gwerr.InvalidRequest, "bad params", err.Error())
		}
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = "main"
	}
	every := 30 * time.Minute
	if p.Every != "" {
		parsed, err := time.ParseDuration(p.Every)
		if err != nil || parsed <= 0 {
			return nil, gwerr.New(gwerr.InvalidRequest, "bad every duration")
		}
		every = parsed
	}
	d.Heartbeats.Enable(context.Background(), agentID, cron.HeartbeatConfig{Every: every, Prompt: p.Prompt})
	return map[string]interface{}{"ok": true}, nil
}

func (d Deps) heartbeatDisable(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		AgentID string `json:"agentId,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, gwerr.Wrap(gwerr.InvalidRequest, "bad params", err.Error())
		}
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = "main"
	}
	d.Heartbeats.Disable(agentID)
	return map[string]interface{}{"ok": true}, nil
}

func (d Deps) heartbeatLast(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		AgentID string `json:"agentId,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, gwerr.Wrap(gwerr.InvalidRequest, "bad params", err.Error())
		}
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = "main"
	}
	at, text, errMsg := d.Heartbeats.Last(agentID)
	return map[string]interface{}{
		"at":    at.UnixMilli(),
		"text":  text,
		"error": errMsg,
	}, nil
}

// --- exec approvals ---

func (d Deps) approvalGet(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, gwerr.Wrap(gwerr.InvalidRequest, "bad params", err.Error())
		}
	}
	if p.ID != "" {
		req := d.Approvals.Get(p.ID)
		if req == nil {
			return nil, gwerr.New(gwerr.NotFound, "approval not found")
		}
		return req, nil
	}
	pending := d.Approvals.Pending()
	if pending == nil {
		pending = []*approval.Request{}
	}
	return map[string]interface{}{"pending": pending}, nil
}

func (d Deps) approvalDecide(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID      string `json:"id"`
		Outcome string `json:"outcome"`
	}
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	var status approval.Status
	switch p.Outcome {
	case "allow-once", "allowOnce":
		status = approval.StatusAllowOnce
	case "allow-always", "allowAlways":
		status = approval.StatusAllowAlways
	case "deny", "denied":
		status = approval.StatusDenied
	default:
		return nil, gwerr.New(gwerr.InvalidRequest, "outcome must be allow-once, allow-always, or deny")
	}

	req, err := d.Approvals.Decide(p.ID, status)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true, "id": req.ID, "status": req.Status()}, nil
}

// --- misc ---

func voicecallUnavailable(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	return nil, gwerr.New(gwerr.Unavailable, "no voice-call provider configured")
}

func (d Deps) health(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"status": "ok", "protocol": protocol.ProtocolVersion}, nil
}

func (d Deps) status(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"uptimeMs":      time.Since(d.StartedAt).Milliseconds(),
		"subagentDepth": d.Scheduler.Depth(queue.LaneSubagent),
		"heartbeatDepth": d.Scheduler.Depth(queue.LaneHeartbeat),
	}, nil
}

func (d Deps) connect(ctx context.Context, c *gateway.Client, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"clientId": c.ID(), "protocol": protocol.ProtocolVersion}, nil
}
