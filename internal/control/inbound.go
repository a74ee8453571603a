package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shaharia-lab/claude-agent-core/internal/wire"
)

// InboundCallbackTimeout bounds how long an inbound control-request handler
// waits for the application-supplied callback's future (§4.7, §6).
const InboundCallbackTimeout = 60 * time.Second

// PermissionContext is passed to the permission callback alongside the raw
// tool name and input (§4.7).
type PermissionContext struct {
	Suggestions json.RawMessage
}

// McpServer is the one-method interface named by §1 for an in-process tool
// server; its internal behavior is out of scope for the core.
type McpServer interface {
	HandleMessage(ctx context.Context, message json.RawMessage) (any, error)
}

// InboundHandlers bundles the application-supplied collaborators the
// Control Request Engine dispatches inbound control_requests to (§4.7).
// Any field may be nil: a nil PermissionHandler yields the "canUseTool
// callback is not provided" error response, and a nil Callbacks, InvokeHook
// or McpServers yields an error response to the hook_callback or
// mcp_message request.
type InboundHandlers struct {
	// PermissionHandler is invoked for can_use_tool requests. Returns the
	// raw JSON response payload to echo back to the peer.
	PermissionHandler func(ctx context.Context, toolName string, input json.RawMessage, pctx PermissionContext) (map[string]any, error)

	Callbacks *CallbackRegistry

	// InvokeHook is called with the looked-up callback and the raw
	// hook_callback fields; it is a function rather than a fixed signature
	// because hook callbacks are an application-level concrete type (§1,
	// out of scope for the core).
	InvokeHook func(ctx context.Context, fn any, input json.RawMessage, toolUseID string) (map[string]any, error)

	McpServers map[string]McpServer
}

// hookCallbackFields mirrors the subset of an inbound hook_callback
// request's fields the core needs to dispatch it (§4.7).
type hookCallbackFields struct {
	CallbackID string          `json:"callback_id"`
	Input      json.RawMessage `json:"input"`
	ToolUseID  string          `json:"tool_use_id"`
}

type canUseToolFields struct {
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input"`
	Suggestions json.RawMessage `json:"suggestions"`
}

type mcpMessageFields struct {
	ServerName string          `json:"server_name"`
	Message    json.RawMessage `json:"message"`
}

// Dispatch classifies and executes one inbound control_request, returning
// the control_response record to write back (§4.7). It never panics and
// never returns a nil record for a well-formed request: forbidden subtypes
// get a protocol-violation error response, and handler errors are caught
// and turned into error responses carrying the original request_id.
func Dispatch(ctx context.Context, req wire.InboundControlRequest, h InboundHandlers) wire.Record {
	subtype := req.Subtype()

	if wire.OutboundOnlySubtypes[subtype] {
		return wire.ControlResponseError(req.RequestID, "unexpected "+subtype+" request from peer")
	}

	switch subtype {
	case wire.SubtypeCanUseTool:
		return dispatchCanUseTool(ctx, req, h)
	case wire.SubtypeHookCallback:
		return dispatchHookCallback(ctx, req, h)
	case wire.SubtypeMcpMessage:
		return dispatchMcpMessage(ctx, req, h)
	default:
		return wire.ControlResponseError(req.RequestID, "unknown control request subtype: "+subtype)
	}
}

func dispatchCanUseTool(ctx context.Context, req wire.InboundControlRequest, h InboundHandlers) wire.Record {
	if h.PermissionHandler == nil {
		return wire.ControlResponseError(req.RequestID, "canUseTool callback is not provided")
	}

	var fields canUseToolFields
	if err := json.Unmarshal(req.Request, &fields); err != nil {
		return wire.ControlResponseError(req.RequestID, "malformed can_use_tool request: "+err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, InboundCallbackTimeout)
	defer cancel()

	resp, err := h.PermissionHandler(callCtx, fields.ToolName, fields.Input, PermissionContext{Suggestions: fields.Suggestions})
	if err != nil {
		return wire.ControlResponseError(req.RequestID, err.Error())
	}
	return wire.ControlResponseSuccess(req.RequestID, resp)
}

func dispatchHookCallback(ctx context.Context, req wire.InboundControlRequest, h InboundHandlers) wire.Record {
	var fields hookCallbackFields
	if err := json.Unmarshal(req.Request, &fields); err != nil {
		return wire.ControlResponseError(req.RequestID, "malformed hook_callback request: "+err.Error())
	}

	if h.Callbacks == nil {
		return wire.ControlResponseError(req.RequestID, "no callback_id: "+fields.CallbackID)
	}
	fn, ok := h.Callbacks.Lookup(fields.CallbackID)
	if !ok {
		return wire.ControlResponseError(req.RequestID, "no callback registered for id: "+fields.CallbackID)
	}
	if h.InvokeHook == nil {
		return wire.ControlResponseError(req.RequestID, "hook callback invoker is not provided")
	}

	callCtx, cancel := context.WithTimeout(ctx, InboundCallbackTimeout)
	defer cancel()

	resp, err := h.InvokeHook(callCtx, fn, fields.Input, fields.ToolUseID)
	if err != nil {
		return wire.ControlResponseError(req.RequestID, err.Error())
	}
	return wire.ControlResponseSuccess(req.RequestID, resp)
}

func dispatchMcpMessage(ctx context.Context, req wire.InboundControlRequest, h InboundHandlers) wire.Record {
	var fields mcpMessageFields
	if err := json.Unmarshal(req.Request, &fields); err != nil {
		return wire.ControlResponseError(req.RequestID, "malformed mcp_message request: "+err.Error())
	}
	if fields.ServerName == "" || len(fields.Message) == 0 {
		return wire.ControlResponseError(req.RequestID, "mcp_message requires server_name and message")
	}

	server, ok := h.McpServers[fields.ServerName]
	if !ok {
		return wire.ControlResponseError(req.RequestID, "unknown mcp server: "+fields.ServerName)
	}

	callCtx, cancel := context.WithTimeout(ctx, InboundCallbackTimeout)
	defer cancel()

	result, err := server.HandleMessage(callCtx, fields.Message)
	if err != nil {
		return wire.ControlResponseError(req.RequestID, err.Error())
	}
	return wire.ControlResponseSuccess(req.RequestID, map[string]any{"mcp_response": result})
}

// RecoverRequestID best-effort extracts a request_id from a raw record when
// JSON parsing of the typed envelope failed, so a ControlErrorResponse can
// still be addressed back to the peer (§4.7). Returns "" if none found.
func RecoverRequestID(raw wire.Record) string {
	id, _ := raw["request_id"].(string)
	return id
}
