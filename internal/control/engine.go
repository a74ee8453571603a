package control

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shaharia-lab/claude-agent-core/internal/corerr"
	"github.com/shaharia-lab/claude-agent-core/internal/wire"
)

// DefaultControlTimeout is the 60s default used by the typed convenience
// operations in §4.7 (Interrupt, SetModel, SetPermissionMode, RewindFiles,
// McpStatus).
const DefaultControlTimeout = 60 * time.Second

// Writer writes a single newline-terminated JSON line to the transport.
type Writer interface {
	Write(line string) error
}

// Engine is the outbound half of the Control Request Engine (C7): it
// serializes control requests with unique ids, awaits the correlated
// response with a timeout, and exposes the typed convenience operations.
type Engine struct {
	pending   *PendingTable
	writer    Writer
	streaming bool
	closed    *atomic.Bool
}

// NewEngine builds an Engine over writer. closed is shared with the owning
// query handler so the engine observes shutdown immediately (§4.7 step 1).
func NewEngine(writer Writer, streaming bool, closed *atomic.Bool) *Engine {
	return &Engine{
		pending:   NewPendingTable(),
		writer:    writer,
		streaming: streaming,
		closed:    closed,
	}
}

// Pending exposes the underlying table so the owning handler can AbortAll
// it during shutdown (§4.9 Close step 1).
func (e *Engine) Pending() *PendingTable { return e.pending }

// Send serializes {"type":"control_request","request_id":...,"request":{"subtype":subtype, ...payload}},
// writes it, and blocks until the correlated response arrives or timeout
// elapses (§4.7 steps 1-7).
func (e *Engine) Send(ctx context.Context, subtype string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if !e.streaming {
		return nil, &corerr.SDKError{Message: "control requests require streaming mode"}
	}
	if e.closed.Load() {
		return nil, corerr.NewClosedSDKError()
	}

	reqID := NewRequestID()
	ch := e.pending.Register(reqID)
	defer e.pending.Remove(reqID)

	env := wire.NewControlRequest(reqID, subtype, payload)
	line, err := marshalLine(env)
	if err != nil {
		return nil, &corerr.SDKError{Message: "failed to encode control request", Cause: err}
	}

	if err := e.writer.Write(line); err != nil {
		return nil, &corerr.SDKError{Message: fmt.Sprintf("failed to send %s request", subtype), Cause: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-ch:
		if c.Err != nil {
			return nil, &corerr.SDKError{Message: fmt.Sprintf("%s request failed", subtype), Cause: c.Err}
		}
		return c.Response, nil
	case <-timer.C:
		return nil, &corerr.TimeoutError{Message: "control request timeout: " + subtype}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Initialize sends the initialize control request with the caller-supplied
// timeout. payload carries the full initialize fields (systemPrompt,
// sdkMcpServers, agents, hooks, outputFormat, sandbox, ...); nil is treated
// as an empty payload.
func (e *Engine) Initialize(ctx context.Context, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return e.Send(ctx, wire.SubtypeInitialize, payload, timeout)
}

func (e *Engine) Interrupt(ctx context.Context) error {
	_, err := e.Send(ctx, wire.SubtypeInterrupt, map[string]any{}, DefaultControlTimeout)
	return err
}

func (e *Engine) SetModel(ctx context.Context, model *string) error {
	var m any
	if model != nil {
		m = *model
	}
	_, err := e.Send(ctx, wire.SubtypeSetModel, map[string]any{"model": m}, DefaultControlTimeout)
	return err
}

func (e *Engine) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := e.Send(ctx, wire.SubtypeSetPermissionMode, map[string]any{"mode": mode}, DefaultControlTimeout)
	return err
}

func (e *Engine) RewindFiles(ctx context.Context, userMessageID string) error {
	_, err := e.Send(ctx, wire.SubtypeRewindFiles, map[string]any{"user_message_id": userMessageID}, DefaultControlTimeout)
	return err
}

func (e *Engine) McpStatus(ctx context.Context) (map[string]any, error) {
	return e.Send(ctx, wire.SubtypeMcpMessageStatus, map[string]any{}, DefaultControlTimeout)
}

// HandleControlResponse routes an inbound control_response record to the
// waiting caller's pending slot (classification step in §4.6 item 1).
func (e *Engine) HandleControlResponse(resp wire.InboundControlResponse) {
	reqID := resp.Response.RequestID
	if reqID == "" {
		return
	}

	c := Completion{}
	if resp.Response.Subtype == "error" {
		c.Err = &corerr.SDKError{Message: resp.Response.Error}
	} else {
		var payload map[string]any
		if len(resp.Response.Response) > 0 {
			_ = unmarshalInto(resp.Response.Response, &payload)
		}
		c.Response = payload
	}
	e.pending.Complete(reqID, c)
}
