package claude

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shaharia-lab/claude-agent-core/internal/control"
	"github.com/shaharia-lab/claude-agent-core/internal/query"
	"github.com/shaharia-lab/claude-agent-core/internal/transport"
	"github.com/shaharia-lab/claude-agent-core/internal/wire"
)

// spawnAndStream starts the claude subprocess in bidirectional JSON-lines mode
// (--input-format stream-json --output-format stream-json --verbose) on top of
// the core's Subprocess Transport and Query Handler Lifecycle. No --print flag
// is used.
//
// On startup, an initialize control_request is written to stdin, followed by
// the user message. claude's responses stream on stdout as JSON lines.
//
// The Stream.Events() channel is closed when a TypeResult message is received,
// the subprocess exits, or ctx is cancelled. Callers should always range until
// the channel closes.
func spawnAndStream(ctx context.Context, opts *Options, prompt string) (*Stream, error) {
	h, tr, err := buildHandler(ctx, opts)
	if err != nil {
		return nil, err
	}

	stream := newStream(ctx, h, tr, opts.Logger)

	if err := stream.initialize(ctx); err != nil {
		_ = h.Close()
		return nil, err
	}

	hasBidirectional := opts.PermissionHandler != nil || len(opts.Hooks) > 0
	userRec := wire.Record(userMsg(prompt))
	sent := false
	go func() {
		err := h.StreamInput(ctx, func() (wire.Record, bool, error) {
			if sent {
				return nil, false, nil
			}
			sent = true
			return userRec, true, nil
		}, hasBidirectional)
		if err != nil {
			stream.logger().Debug("stream input closed with error", "error", err)
		}
	}()

	stream.pumpEvents()

	return stream, nil
}

// spawnSession starts the claude subprocess for a persistent, multi-turn
// Session. Unlike spawnAndStream it does not send an initial user message or
// close stdin until the session itself is closed.
func spawnSession(ctx context.Context, opts *Options) (*Stream, error) {
	h, tr, err := buildHandler(ctx, opts)
	if err != nil {
		return nil, err
	}

	stream := newStream(ctx, h, tr, opts.Logger)

	if err := stream.initialize(ctx); err != nil {
		_ = h.Close()
		return nil, err
	}

	stream.pumpEvents()

	return stream, nil
}

// buildHandler constructs and connects the transport and composes the Query
// Handler Lifecycle over it, wiring the application's permission/hook
// collaborators into the core's inbound dispatcher (C6/C7).
func buildHandler(ctx context.Context, opts *Options) (*query.Handler, *transport.Transport, error) {
	envExtra := map[string]string{"CLAUDECODE": ""}
	if opts.Thinking == ThinkingDisabled {
		envExtra["MAX_THINKING_TOKENS"] = "0"
	} else if opts.MaxThinkingTokens > 0 {
		envExtra["MAX_THINKING_TOKENS"] = fmt.Sprintf("%d", opts.MaxThinkingTokens)
	}
	for k, v := range opts.Env {
		envExtra[k] = v
	}

	tr := transport.New(transport.Config{
		Executable:     opts.ClaudeExecutable,
		Args:           opts.buildArgs(),
		Env:            envExtra,
		WorkDir:        opts.CWD,
		Entrypoint:     "sdk-go",
		SDKVersion:     SDKVersion,
		Streaming:      true,
		MaxBufferSize:  opts.MaxBufferSize,
		QueueCapacity:  opts.QueueCapacity,
		StderrCallback: opts.StderrCallback,
		Logger:         opts.Logger,
	})

	if err := tr.Connect(ctx); err != nil {
		return nil, nil, translateErr(err)
	}

	h := query.New(query.Config{
		Transport:       tr,
		Streaming:       true,
		InboundHandlers: control.InboundHandlers{},
		QueueCapacity:   opts.QueueCapacity,
		Logger:          opts.Logger,
	})

	hooksConfig := buildHooksForInitialize(opts.Hooks, h.Callbacks())
	handlers := control.InboundHandlers{
		Callbacks:         h.Callbacks(),
		PermissionHandler: adaptPermissionHandler(opts.PermissionHandler),
		InvokeHook:        invokeHookFunc,
	}
	h.SetInboundHandlers(handlers)
	h.SetInitializePayload(buildInitializePayload(opts, hooksConfig))

	if err := h.Start(ctx); err != nil {
		_ = tr.Close()
		return nil, nil, translateErr(err)
	}

	return h, tr, nil
}

// buildInitializePayload assembles the full field set sent with the
// initialize control request: system prompt, in-process/external MCP
// servers, sub-agents, hooks, structured output format, and sandbox
// settings, matching how the claude CLI's bidirectional mode expects the
// session to be configured at startup.
func buildInitializePayload(opts *Options, hooksConfig map[string]any) map[string]any {
	servers := any(map[string]any{})
	if len(opts.McpServers) > 0 {
		servers = opts.McpServers
	}

	agents := any(map[string]any{})
	if len(opts.Agents) > 0 {
		m := make(map[string]any, len(opts.Agents))
		for k, v := range opts.Agents {
			m[k] = v
		}
		agents = m
	}

	payload := map[string]any{
		"systemPrompt":       opts.SystemPrompt,
		"appendSystemPrompt": opts.AppendSystemPrompt,
		"sdkMcpServers":      servers,
		"hooks":              hooksConfig,
		"agents":             agents,
		"promptSuggestions":  false,
	}

	if opts.OutputFormat != nil {
		payload["outputFormat"] = opts.OutputFormat.Type
		if opts.OutputFormat.Schema != nil {
			payload["jsonSchema"] = opts.OutputFormat.Schema
		}
	}

	if opts.Sandbox != nil {
		payload["sandbox"] = opts.Sandbox
	}

	return payload
}

func adaptPermissionHandler(fn PermissionHandler) func(context.Context, string, json.RawMessage, control.PermissionContext) (map[string]any, error) {
	if fn == nil {
		return nil
	}
	return func(_ context.Context, toolName string, input json.RawMessage, pctx control.PermissionContext) (map[string]any, error) {
		var suggestions []PermissionUpdate
		_ = json.Unmarshal(pctx.Suggestions, &suggestions)

		result := fn(toolName, input, PermissionContext{Suggestions: suggestions})
		allowed := result.Behavior != "deny"
		resp := map[string]any{"allowed": allowed}
		if result.UpdatedInput != nil {
			resp["updatedInput"] = result.UpdatedInput
		}
		if len(result.UpdatedPermissions) > 0 {
			resp["updatedPermissions"] = result.UpdatedPermissions
		}
		if result.Message != "" {
			resp["message"] = result.Message
		}
		if result.Interrupt {
			resp["interrupt"] = true
		}
		return resp, nil
	}
}

// invokeHookFunc adapts a looked-up HookFunc (stored as `any` in the core's
// Callback Registry) to the engine's InvokeHook signature.
func invokeHookFunc(_ context.Context, fn any, input json.RawMessage, toolUseID string) (map[string]any, error) {
	hookFn, ok := fn.(boundHookFunc)
	if !ok {
		return nil, fmt.Errorf("claude: callback is not a registered hook")
	}
	output, err := hookFn(input, toolUseID)
	if err != nil {
		return nil, err
	}
	if output == nil {
		return nil, nil
	}
	b, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// userMsg builds the user message sent to stdin.
func userMsg(prompt string) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
		"parent_tool_use_id": nil,
		"session_id":         "",
	}
}
