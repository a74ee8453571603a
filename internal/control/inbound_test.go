package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shaharia-lab/claude-agent-core/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReq(t *testing.T, requestID string, request map[string]any) wire.InboundControlRequest {
	t.Helper()
	raw, err := json.Marshal(request)
	require.NoError(t, err)
	return wire.InboundControlRequest{Type: wire.TypeControlRequest, RequestID: requestID, Request: raw}
}

func responseField(t *testing.T, rec wire.Record, key string) any {
	t.Helper()
	resp, ok := rec["response"].(map[string]any)
	require.True(t, ok, "record has no response field: %v", rec)
	return resp[key]
}

// TestOutboundOnlyRejection is the §8 "outbound-only rejection" property.
func TestOutboundOnlyRejection(t *testing.T) {
	for _, subtype := range []string{
		wire.SubtypeInitialize, wire.SubtypeInterrupt, wire.SubtypeSetModel,
		wire.SubtypeSetPermissionMode, wire.SubtypeRewindFiles, wire.SubtypeMcpMessageStatus,
	} {
		req := newReq(t, "req_1", map[string]any{"subtype": subtype})
		resp := Dispatch(context.Background(), req, InboundHandlers{})
		assert.Equal(t, "error", responseField(t, resp, "subtype"))
		assert.Equal(t, "req_1", responseField(t, resp, "request_id"))
	}
}

func TestDispatchCanUseToolMissingHandler(t *testing.T) {
	req := newReq(t, "req_1", map[string]any{"subtype": wire.SubtypeCanUseTool, "tool_name": "Bash"})
	resp := Dispatch(context.Background(), req, InboundHandlers{})
	assert.Equal(t, "error", responseField(t, resp, "subtype"))
	assert.Equal(t, "canUseTool callback is not provided", responseField(t, resp, "error"))
}

func TestDispatchCanUseToolSuccess(t *testing.T) {
	req := newReq(t, "req_1", map[string]any{
		"subtype":   wire.SubtypeCanUseTool,
		"tool_name": "Bash",
		"input":     map[string]any{"command": "ls"},
	})

	h := InboundHandlers{
		PermissionHandler: func(_ context.Context, toolName string, input json.RawMessage, _ PermissionContext) (map[string]any, error) {
			assert.Equal(t, "Bash", toolName)
			return map[string]any{"allowed": true}, nil
		},
	}

	resp := Dispatch(context.Background(), req, h)
	assert.Equal(t, "success", responseField(t, resp, "subtype"))
	payload := responseField(t, resp, "response").(map[string]any)
	assert.Equal(t, true, payload["allowed"])
}

func TestDispatchHookCallbackUnknownID(t *testing.T) {
	req := newReq(t, "req_1", map[string]any{
		"subtype":     wire.SubtypeHookCallback,
		"callback_id": "hook_5",
	})

	reg := NewCallbackRegistry()
	resp := Dispatch(context.Background(), req, InboundHandlers{Callbacks: reg})
	assert.Equal(t, "error", responseField(t, resp, "subtype"))
	assert.Contains(t, responseField(t, resp, "error"), "hook_5")
}

func TestDispatchHookCallbackSuccess(t *testing.T) {
	reg := NewCallbackRegistry()
	id := reg.Assign("anything")

	req := newReq(t, "req_1", map[string]any{
		"subtype":     wire.SubtypeHookCallback,
		"callback_id": id,
		"tool_use_id": "tu_1",
	})

	var gotToolUseID string
	h := InboundHandlers{
		Callbacks: reg,
		InvokeHook: func(_ context.Context, fn any, _ json.RawMessage, toolUseID string) (map[string]any, error) {
			gotToolUseID = toolUseID
			return map[string]any{"decision": "approve"}, nil
		},
	}

	resp := Dispatch(context.Background(), req, h)
	assert.Equal(t, "success", responseField(t, resp, "subtype"))
	assert.Equal(t, "tu_1", gotToolUseID)
}

func TestDispatchHookCallbackInvokeError(t *testing.T) {
	reg := NewCallbackRegistry()
	id := reg.Assign("anything")

	req := newReq(t, "req_1", map[string]any{"subtype": wire.SubtypeHookCallback, "callback_id": id})
	h := InboundHandlers{
		Callbacks:  reg,
		InvokeHook: func(context.Context, any, json.RawMessage, string) (map[string]any, error) { return nil, errors.New("boom") },
	}

	resp := Dispatch(context.Background(), req, h)
	assert.Equal(t, "error", responseField(t, resp, "subtype"))
	assert.Equal(t, "boom", responseField(t, resp, "error"))
}

type fakeMcpServer struct {
	result any
	err    error
}

func (f *fakeMcpServer) HandleMessage(context.Context, json.RawMessage) (any, error) {
	return f.result, f.err
}

func TestDispatchMcpMessageUnknownServer(t *testing.T) {
	req := newReq(t, "req_1", map[string]any{
		"subtype":     wire.SubtypeMcpMessage,
		"server_name": "nope",
		"message":     map[string]any{"x": 1},
	})
	resp := Dispatch(context.Background(), req, InboundHandlers{})
	assert.Equal(t, "error", responseField(t, resp, "subtype"))
	assert.Contains(t, responseField(t, resp, "error"), "nope")
}

func TestDispatchMcpMessageSuccess(t *testing.T) {
	req := newReq(t, "req_1", map[string]any{
		"subtype":     wire.SubtypeMcpMessage,
		"server_name": "srv",
		"message":     map[string]any{"x": 1},
	})

	h := InboundHandlers{McpServers: map[string]McpServer{"srv": &fakeMcpServer{result: "ok"}}}
	resp := Dispatch(context.Background(), req, h)
	assert.Equal(t, "success", responseField(t, resp, "subtype"))
	payload := responseField(t, resp, "response").(map[string]any)
	assert.Equal(t, "ok", payload["mcp_response"])
}

func TestDispatchUnknownSubtype(t *testing.T) {
	req := newReq(t, "req_1", map[string]any{"subtype": "frobnicate"})
	resp := Dispatch(context.Background(), req, InboundHandlers{})
	assert.Equal(t, "error", responseField(t, resp, "subtype"))
	assert.Contains(t, responseField(t, resp, "error"), "frobnicate")
}

func TestRecoverRequestID(t *testing.T) {
	assert.Equal(t, "req_9", RecoverRequestID(wire.Record{"request_id": "req_9"}))
	assert.Equal(t, "", RecoverRequestID(wire.Record{}))
}
