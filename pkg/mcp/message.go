// Package mcp provides MCP message types and JSON-RPC codec utilities
// shared between the inbound protocol server and outbound transports.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates the flow direction of a message through the aggregator.
type Direction int

const (
	// ClientToServer indicates a message flowing from the upstream client
	// into this process.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from this process back to
	// the upstream client.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with its raw bytes, so a caller
// that only needs to forward it (the `_meta` pass-through invariant)
// can use Raw while a caller that needs to branch on method or extract
// params uses Decoded.
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Direction indicates the flow this message was captured in.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message. May be nil if parsing
	// failed but the raw bytes still need a passthrough/error path.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was captured.
	Timestamp time.Time

	// ParsedParams caches the request's params, parsed on first use.
	ParsedParams map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	if m.Decoded == nil {
		return ""
	}
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// IsToolCall returns true if this is a tools/call request — the method
// name both the upstream protocol server and the downstream transports
// use for tool invocation.
func (m *Message) IsToolCall() bool {
	return m.Method() == "tools/call"
}

// Request returns the underlying Request if this is a request message.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params and caches the result. Safe to
// call multiple times.
func (m *Message) ParseParams() map[string]interface{} {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}
	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	m.ParsedParams = params
	return params
}

// RawID extracts the request ID from the raw message bytes as a
// json.RawMessage. The SDK's jsonrpc.ID type does not round-trip cleanly
// through an interface{} response field, so every response this package
// builds uses the id bytes extracted here rather than a reconstructed
// jsonrpc.ID. Returns nil if no id field is present.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
