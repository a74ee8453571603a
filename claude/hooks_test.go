package claude

import (
	"encoding/json"
	"testing"

	"github.com/shaharia-lab/claude-agent-core/internal/control"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHooksForInitializeEmpty(t *testing.T) {
	reg := control.NewCallbackRegistry()
	cfg := buildHooksForInitialize(nil, reg)
	assert.Empty(t, cfg)
}

func TestBuildHooksForInitializeAssignsSequentialIDs(t *testing.T) {
	reg := control.NewCallbackRegistry()
	var calls []HookEvent

	hookFn := func(event HookEvent, input json.RawMessage, toolUseID string) (*HookOutput, error) {
		calls = append(calls, event)
		return &HookOutput{Decision: "approve"}, nil
	}

	hooks := map[HookEvent][]HookMatcher{
		HookEventPreToolUse: {
			{Matcher: "Bash", Hooks: []HookFunc{hookFn, hookFn}},
		},
		HookEventPostToolUse: {
			{Matcher: "", Hooks: []HookFunc{hookFn}},
		},
	}

	cfg := buildHooksForInitialize(hooks, reg)
	require.Len(t, cfg, 2)

	preToolUse, ok := cfg[string(HookEventPreToolUse)].([]map[string]any)
	require.True(t, ok)
	require.Len(t, preToolUse, 1)
	assert.Equal(t, "Bash", preToolUse[0]["matcher"])

	cbIDs, ok := preToolUse[0]["hookCallbackIds"].([]string)
	require.True(t, ok)

	// Events are ranged over in map order, so either event may be numbered
	// first; the ids within each matcher are consecutive.
	postToolUse, ok := cfg[string(HookEventPostToolUse)].([]map[string]any)
	require.True(t, ok)
	require.Len(t, postToolUse, 1)
	postIDs, ok := postToolUse[0]["hookCallbackIds"].([]string)
	require.True(t, ok)
	if len(postIDs) == 1 && postIDs[0] == "hook_0" {
		require.Equal(t, []string{"hook_1", "hook_2"}, cbIDs)
	} else {
		require.Equal(t, []string{"hook_0", "hook_1"}, cbIDs)
		require.Equal(t, []string{"hook_2"}, postIDs)
	}

	fn, found := reg.Lookup(cbIDs[0])
	require.True(t, found)
	bound, ok := fn.(boundHookFunc)
	require.True(t, ok)

	out, err := bound(json.RawMessage(`{}`), "tu_1")
	require.NoError(t, err)
	assert.Equal(t, "approve", out.Decision)
	assert.Equal(t, []HookEvent{HookEventPreToolUse}, calls)
}

func TestBuildHooksForInitializeOmitsEmptyMatcherField(t *testing.T) {
	reg := control.NewCallbackRegistry()
	hooks := map[HookEvent][]HookMatcher{
		HookEventStop: {
			{Hooks: []HookFunc{func(HookEvent, json.RawMessage, string) (*HookOutput, error) { return nil, nil }}},
		},
	}

	cfg := buildHooksForInitialize(hooks, reg)
	matchers := cfg[string(HookEventStop)].([]map[string]any)
	require.Len(t, matchers, 1)
	_, hasMatcher := matchers[0]["matcher"]
	assert.False(t, hasMatcher)
}

func TestInvokeHookFuncRejectsNonHookCallback(t *testing.T) {
	_, err := invokeHookFunc(nil, "not-a-hook", json.RawMessage(`{}`), "")
	require.Error(t, err)
}
