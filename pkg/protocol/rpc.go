package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types distinguish the three message shapes on the wire
// "JSON-RPC 2.0 over WebSocket" wire contract.
const (
	FrameTypeRequest  = "request"
	FrameTypeResponse = "response"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client->server call. Notifications (fire-and-forget,
// e.g. chat.inject) omit ID; every other request expects a matching
// ResponseFrame.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorDetail is the wire error shape: `{code, message, data?}`.
type ErrorDetail struct {
	Code    Code        `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ResponseFrame answers a RequestFrame. ID always matches the request that
// produced it. Payload carries the method's result on success; Error carries
// the wire error shape on failure.
type ResponseFrame struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	OK      bool         `json:"ok"`
	Payload interface{}  `json:"payload,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// EventFrame is a server->client broadcast: a notification with a
// channel-scoped method name (e.g. "chat", "exec.approval.requested") and no
// ID Event names are the EventChat/EventExecApprovalReq/... family
// in events.go.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Code is a wire error code.
type Code string

const (
	ErrInvalidRequest Code = "INVALID_REQUEST"
	ErrUnavailable    Code = "UNAVAILABLE"
	ErrNotFound       Code = "NOT_FOUND"
	ErrForbidden      Code = "FORBIDDEN"
	ErrTimeout        Code = "TIMEOUT"
	ErrInternal       Code = "INVALID_REQUEST" // internal failures surface as invalid-request unless a caller supplies a more specific code
)

// NewOKResponse builds a successful ResponseFrame for request id.
func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed ResponseFrame for request id.
func NewErrorResponse(id string, code Code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type: FrameTypeResponse,
		ID:   id,
		OK:   false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// NewErrorResponseWithData builds a failed ResponseFrame carrying structured
// error data (e.g. an exec.approval.get denial reason).
func NewErrorResponseWithData(id string, code Code, message string, data interface{}) *ResponseFrame {
	resp := NewErrorResponse(id, code, message)
	resp.Error.Data = data
	return resp
}

// NewEvent builds an EventFrame ready for broadcast.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// frameTypeProbe is the minimal shape needed to sniff a frame's Type field
// without fully unmarshaling it.
type frameTypeProbe struct {
	Type string `json:"type"`
}

// ParseFrameType sniffs the "type" field of a raw wire frame so the caller
// can dispatch to the right concrete type before unmarshaling the rest.
func ParseFrameType(raw []byte) (string, error) {
	var probe frameTypeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("protocol: parse frame type: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("protocol: frame missing type field")
	}
	return probe.Type, nil
}
