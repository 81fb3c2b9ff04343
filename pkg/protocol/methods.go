package protocol

// RPC method name constants, grouped by domain
const (
	MethodChatHistory = "chat.history"
	MethodChatSend    = "chat.send"
	MethodChatIngress = "chat.ingress"
	MethodChatAbort   = "chat.abort"
	MethodChatInject  = "chat.inject"

	MethodSessionsList    = "sessions.list"
	MethodSessionsHistory = "sessions.history"
	MethodSessionsSpawn   = "sessions.spawn"
	MethodSessionsSend    = "sessions.send"

	MethodCronAdd    = "cron.add"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"
	MethodCronList   = "cron.list"

	MethodSystemEvent      = "system.event"
	MethodHeartbeatEnable  = "heartbeat.enable"
	MethodHeartbeatDisable = "heartbeat.disable"
	MethodHeartbeatLast    = "heartbeat.last"

	MethodExecApprovalGet    = "exec.approval.get"
	MethodExecApprovalDecide = "exec.approval.decide"

	MethodVoicecallInitiate = "voicecall.initiate"
	MethodVoicecallContinue = "voicecall.continue"
	MethodVoicecallSpeak    = "voicecall.speak"
	MethodVoicecallEnd      = "voicecall.end"
	MethodVoicecallStatus   = "voicecall.status"

	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)
