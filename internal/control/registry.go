package control

import (
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// CallbackRegistry assigns stable ids to hook callbacks at initialization
// and looks them up by id on inbound dispatch (§4.5, §C5).
//
// Ids are allocated as "hook_<N>" with N monotonically increasing, matching
// the wire contract in §4.5 and the worked example in §8 ("hook_0",
// "hook_1"). Entries live for the handler's lifetime; Clear wipes the
// registry wholesale on initialization failure or handler close.
type CallbackRegistry struct {
	mu      sync.RWMutex
	next    int
	entries map[string]any
}

// NewCallbackRegistry creates an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{entries: make(map[string]any)}
}

// Assign stores fn under a freshly minted "hook_<N>" id and returns it.
func (r *CallbackRegistry) Assign(fn any) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("hook_%d", r.next)
	r.next++
	r.entries[id] = fn
	return id
}

// Lookup returns the callback stored under id, if any.
func (r *CallbackRegistry) Lookup(id string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.entries[id]
	return fn, ok
}

// Clear wipes the registry wholesale (initialization failure or handler
// close, §4.5).
func (r *CallbackRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]any)
	r.next = 0
}

// NewRequestID generates a request id of the form "req_" followed by a ULID.
// It has no separate counter or random-hex part (it is not of the
// "req_<n>_<hex>" form); the ULID alone makes each id unique.
func NewRequestID() string {
	return "req_" + ulid.Make().String()
}
