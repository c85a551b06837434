// Package mcp adapts Model Context Protocol tool calls onto the envelope
// pipeline: a typed tool registry with reflected JSON schemas, the
// adapter that dispatches tool-call envelopes, a bridge exposing the same
// tools on an mcp-go server, and a manager for remote mcp-go servers.
package mcp

import (
	"encoding/json"
)

// ToolCall is the incoming RPC shape.
type ToolCall struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallPayload is the envelope payload carrying a tool call.
type CallPayload struct {
	ToolCall ToolCall `json:"tool_call"`
}

// ToolResponse is the result of one invocation. Handler failures are
// carried here with IsError set, inside a successful transport response;
// the adapter never turns a handler failure into a transport failure.
type ToolResponse struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ResponsePayload is the envelope payload carrying a tool response.
type ResponsePayload struct {
	ToolResponse ToolResponse `json:"tool_response"`
}

// ToolCapabilities declares what an implementation supports beyond a
// plain call.
type ToolCapabilities struct {
	Batching  bool `json:"batching"`
	Retry     bool `json:"retry"`
	Streaming bool `json:"streaming"`
}

// ToolRegistration describes one tool for discovery: the input schema is
// reflected from the Go parameter type.
type ToolRegistration struct {
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	InputSchema    json.RawMessage  `json:"input_schema"`
	ServiceID      string           `json:"service_id,omitempty"`
	ServiceVersion string           `json:"service_version,omitempty"`
	Capabilities   ToolCapabilities `json:"capabilities"`
}

// RegistrationList is published on the discovery channel at start and
// returned on request.
type RegistrationList struct {
	ServiceID string             `json:"service_id,omitempty"`
	Tools     []ToolRegistration `json:"tools"`
}

func errorResponse(message string) ToolResponse {
	return ToolResponse{Content: message, IsError: true}
}
