// Package gwerr defines the wire error shape used across the RPC Hub, the
// Ingress Normalizer, and the Agent Run Controller, plus a small Code enum
// matching the gateway's error taxonomy.
package gwerr

import (
	"errors"
	"fmt"

	"github.com/openclaw/gateway/pkg/protocol"
)

// Code classifies an error for the JSON-RPC wire and for internal dispatch
// without string matching. It is protocol.Code itself, not a parallel enum,
// so a gwerr.Error converts to a protocol.ErrorDetail without translation.
type Code = protocol.Code

const (
	InvalidRequest = protocol.ErrInvalidRequest
	Unavailable    = protocol.ErrUnavailable
	NotFound       = protocol.ErrNotFound
	Forbidden      = protocol.ErrForbidden
	Timeout        = protocol.ErrTimeout
)

// Error is the {code, message, data} shape returned over the wire.
type Error struct {
	Code    Code        `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match two *Error values by code rather than pointer
// identity, e.g. errors.Is(err, gwerr.Sentinel(gwerr.Timeout)).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New builds an *Error with no extra data.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error carrying data, typically the underlying error's
// message, for correlation with logs without leaking internals to the caller.
func Wrap(code Code, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Sentinel returns a zero-data *Error usable with errors.Is for a given code,
// e.g. errors.Is(err, gwerr.Sentinel(gwerr.Timeout)).
func Sentinel(code Code) *Error {
	return &Error{Code: code}
}

// ToResponse builds the ResponseFrame the RPC Hub sends for a failed call.
func (e *Error) ToResponse(id string) *protocol.ResponseFrame {
	return protocol.NewErrorResponseWithData(id, e.Code, e.Message, e.Data)
}
