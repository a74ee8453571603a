package claude

import (
	"encoding/json"

	"github.com/shaharia-lab/claude-agent-core/internal/control"
)

// HookEvent identifies the lifecycle event that triggered a hook callback.
type HookEvent string

const (
	HookEventPreToolUse       HookEvent = "PreToolUse"
	HookEventPostToolUse      HookEvent = "PostToolUse"
	// HookEventPostToolUseFailure fires after a tool call fails.
	HookEventPostToolUseFailure HookEvent = "PostToolUseFailure"
	HookEventNotification     HookEvent = "Notification"
	HookEventStop             HookEvent = "Stop"
	HookEventSubagentStop     HookEvent = "SubagentStop"
	// HookEventSubagentStart fires when a sub-agent is started.
	HookEventSubagentStart    HookEvent = "SubagentStart"
	HookEventPreCompact       HookEvent = "PreCompact"
	HookEventUserPromptSubmit HookEvent = "UserPromptSubmit"
	HookEventStart            HookEvent = "Start"
	HookEventPreBash          HookEvent = "PreBash"
	HookEventPostBash         HookEvent = "PostBash"
	HookEventPreEdit          HookEvent = "PreEdit"
	HookEventPostEdit         HookEvent = "PostEdit"
	HookEventSetup            HookEvent = "Setup"
	// HookEventPermissionRequest fires when Claude requests permission to use a tool.
	HookEventPermissionRequest HookEvent = "PermissionRequest"
)

// HookOutput is the return value of a HookFunc. All fields are optional.
type HookOutput struct {
	// Continue, if non-nil, controls whether the operation continues.
	Continue *bool `json:"continue,omitempty"`
	// SuppressOutput prevents the hook output from being shown to the user.
	SuppressOutput bool `json:"suppressOutput,omitempty"`
	// StopReason is the reason provided when the hook stops execution.
	StopReason string `json:"stopReason,omitempty"`
	// Decision is an approval/rejection decision ("approve", "reject", "ask").
	Decision string `json:"decision,omitempty"`
	// SystemMessage is an additional message injected into the context.
	SystemMessage string `json:"systemMessage,omitempty"`
	// Reason is the reason for the decision.
	Reason string `json:"reason,omitempty"`
	// HookSpecificOutput holds hook-type-specific structured output.
	HookSpecificOutput map[string]any `json:"hookSpecificOutput,omitempty"`
}

// HookFunc is the signature for a hook callback function.
// event is the lifecycle event, input is the raw JSON payload from the CLI,
// and toolUseID is the tool use ID (non-empty for tool-related events).
type HookFunc func(event HookEvent, input json.RawMessage, toolUseID string) (*HookOutput, error)

// HookMatcher configures one or more hook functions for a specific tool matcher pattern.
type HookMatcher struct {
	// Matcher is a glob-style pattern matching the tool name (empty = match all).
	Matcher string
	// Hooks are the callback functions to invoke when the matcher fires.
	Hooks []HookFunc
	// Timeout is the timeout in milliseconds for each hook invocation (0 = default).
	Timeout int
}

// boundHookFunc is a HookFunc with its triggering HookEvent already bound,
// the shape stored in the Callback Registry — the wire's hook_callback
// request carries only a callback_id, not the event, so the event has to
// travel with the registration instead.
type boundHookFunc func(input json.RawMessage, toolUseID string) (*HookOutput, error)

// buildHooksForInitialize converts the user-supplied hook map into the format
// expected by the claude CLI's initialize message, assigning each callback a
// stable "hook_<N>" id via reg (the core's Callback Registry, C5). Each
// matcher becomes one entry carrying all of its callback ids together under
// hookCallbackIds, not one entry per callback. Ids are consecutive within a
// matcher; events are visited in Go map order, so which event's callbacks
// are numbered first is not fixed.
func buildHooksForInitialize(hooks map[HookEvent][]HookMatcher, reg *control.CallbackRegistry) map[string]any {
	if len(hooks) == 0 {
		return map[string]any{}
	}

	hooksConfig := make(map[string]any, len(hooks))

	for event, matchers := range hooks {
		var matcherConfigs []map[string]any
		for _, matcher := range matchers {
			if len(matcher.Hooks) == 0 {
				continue
			}
			cbIDs := make([]string, 0, len(matcher.Hooks))
			for _, fn := range matcher.Hooks {
				bound := boundHookFunc(func(input json.RawMessage, toolUseID string) (*HookOutput, error) {
					return fn(event, input, toolUseID)
				})
				cbIDs = append(cbIDs, reg.Assign(bound))
			}
			cfg := map[string]any{
				"hookCallbackIds": cbIDs,
			}
			if matcher.Matcher != "" {
				cfg["matcher"] = matcher.Matcher
			}
			if matcher.Timeout > 0 {
				cfg["timeout"] = matcher.Timeout
			}
			matcherConfigs = append(matcherConfigs, cfg)
		}
		if len(matcherConfigs) > 0 {
			hooksConfig[string(event)] = matcherConfigs
		}
	}

	return hooksConfig
}
