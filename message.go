// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the wire unit exchanged between peers. Every message of type
// TypeCall eventually produces exactly one TypeResult or TypeError message
// with the same ID, unless the call is canceled.
type Message struct {
	ID         string      `json:"id"`
	Type       MessageType `json:"type"`
	Method     string      `json:"method,omitempty"`
	Params     []any       `json:"params,omitempty"`
	Chain      []Operation `json:"chain,omitempty"`
	Result     any         `json:"result,omitempty"`
	Error      *ErrorData  `json:"error,omitempty"`
	CallbackID string      `json:"callbackId,omitempty"`
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	switch m.Type {
	case TypeCall:
		if m.CallbackID != "" {
			return fmt.Sprintf("Call(ID=%v, Callback=%v, Params=%v)", m.ID, m.CallbackID, m.Params)
		}
		return fmt.Sprintf("Call(ID=%v, Method=%q, Params=%v, Chain=%v)", m.ID, m.Method, m.Params, m.Chain)
	case TypeResult:
		return fmt.Sprintf("Result(ID=%v, %v)", m.ID, m.Result)
	case TypeError:
		return fmt.Sprintf("Error(ID=%v, %v)", m.ID, m.Error)
	default:
		return fmt.Sprintf("%v(ID=%v)", m.Type, m.ID)
	}
}

// MessageType describes the role of a message.
type MessageType string

const (
	TypeCall   MessageType = "call"   // A method or callback invocation
	TypeResult MessageType = "result" // A successful terminal reply
	TypeError  MessageType = "error"  // A failed terminal reply
	TypePing   MessageType = "ping"   // A keepalive probe
	TypePong   MessageType = "pong"   // The reply to a keepalive probe
	TypeCancel MessageType = "cancel" // An advisory cancellation of a pending call
)

// isTerminal reports whether t ends a call.
func (t MessageType) isTerminal() bool { return t == TypeResult || t == TypeError }

// CallbackRef is the serialized placeholder for a function passed across the
// wire. It is resolved back to a function through a Callbacks registry.
type CallbackRef struct {
	Callback bool   `json:"__callback"`
	ID       string `json:"id"`
}

// asCallbackRef reports whether v is a callback reference, either as a
// CallbackRef or in its decoded JSON form.
func asCallbackRef(v any) (string, bool) {
	switch t := v.(type) {
	case CallbackRef:
		return t.ID, t.Callback && t.ID != ""
	case *CallbackRef:
		return t.ID, t != nil && t.Callback && t.ID != ""
	case map[string]any:
		if len(t) != 2 {
			return "", false
		}
		ok, _ := t["__callback"].(bool)
		id, _ := t["id"].(string)
		return id, ok && id != ""
	}
	return "", false
}

// Code is a stable error code reported at the protocol boundary.
type Code string

const (
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeMethodNotFound   Code = "METHOD_NOT_FOUND"
	CodeParseError       Code = "PARSE_ERROR"
	CodeInternalError    Code = "INTERNAL_ERROR"
	CodeCallbackNotFound Code = "CALLBACK_NOT_FOUND"
	CodeTimeout          Code = "TIMEOUT"
	CodeCanceled         Code = "CANCELED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeConnectionLost   Code = "CONNECTION_LOST"
)

// ErrorData is the payload of an error message. It implements the error
// interface, so a method handler may return an *ErrorData to control the code
// reported to the caller.
type ErrorData struct {
	Message string `json:"message"`
	Code    Code   `json:"code"`
	Stack   string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *ErrorData) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is reports whether target is an *ErrorData with the same non-empty code as
// e. This allows errors.Is(err, ErrTimeout) regardless of the message text.
func (e *ErrorData) Is(target error) bool {
	t, ok := target.(*ErrorData)
	return ok && t.Code != "" && t.Code == e.Code
}

// Errorf returns an *ErrorData with the given code and formatted message.
func Errorf(code Code, msg string, args ...any) *ErrorData {
	return &ErrorData{Code: code, Message: fmt.Sprintf(msg, args...)}
}

// Sentinel errors for the protocol error codes. Compare with errors.Is.
var (
	ErrInvalidRequest   = &ErrorData{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrMethodNotFound   = &ErrorData{Code: CodeMethodNotFound, Message: "method not found"}
	ErrParse            = &ErrorData{Code: CodeParseError, Message: "parse error"}
	ErrInternal         = &ErrorData{Code: CodeInternalError, Message: "internal error"}
	ErrCallbackNotFound = &ErrorData{Code: CodeCallbackNotFound, Message: "callback not found"}
	ErrTimeout          = &ErrorData{Code: CodeTimeout, Message: "call timed out"}
	ErrCanceled         = &ErrorData{Code: CodeCanceled, Message: "call canceled"}
	ErrRateLimited      = &ErrorData{Code: CodeRateLimited, Message: "rate limit exceeded"}
	ErrConnectionLost   = &ErrorData{Code: CodeConnectionLost, Message: "connection lost"}
)

// errorMessage constructs a terminal error message for id.
func errorMessage(id string, ed *ErrorData) *Message {
	return &Message{ID: id, Type: TypeError, Error: ed}
}

// DecodeMessages parses data as either a single JSON message or a JSON array
// of messages. It reports whether the input was an array.
func DecodeMessages(data []byte) (_ []*Message, isArray bool, _ error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, errors.New("empty message body")
	}
	if data[0] == '[' {
		var msgs []*Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, true, fmt.Errorf("decode message array: %w", err)
		}
		for i, m := range msgs {
			if m == nil {
				return nil, true, fmt.Errorf("message %d is null", i)
			}
		}
		return msgs, true, nil
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, fmt.Errorf("decode message: %w", err)
	}
	return []*Message{&msg}, false, nil
}
