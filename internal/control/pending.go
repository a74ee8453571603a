// Package control implements the Pending-Request Table (C4), the Callback
// Registry (C5), and the Control Request Engine (C7), per §4.4, §4.5, and
// §4.7 of the specification.
package control

import (
	"sync"

	"github.com/shaharia-lab/claude-agent-core/internal/corerr"
)

// Completion is the one-shot result delivered to a pending slot: either a
// success payload or a terminal error.
type Completion struct {
	Response map[string]any
	Err      error
}

// PendingTable maps request_id to a one-shot completion slot, safe for
// concurrent insertion, removal, and completion (§4.4).
type PendingTable struct {
	mu      sync.Mutex
	pending map[string]chan Completion
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{pending: make(map[string]chan Completion)}
}

// Register creates and stores a one-shot slot for id, returning the channel
// the caller should await.
func (p *PendingTable) Register(id string) <-chan Completion {
	ch := make(chan Completion, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	return ch
}

// Remove deletes the slot for id without completing it (used once the
// awaiting caller has already observed a result, per §4.7 step 7).
func (p *PendingTable) Remove(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Complete delivers c to the pending slot for id, if any. Returns false if
// no such slot exists (already completed, removed, or unknown id).
func (p *PendingTable) Complete(id string, c Completion) bool {
	p.mu.Lock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case ch <- c:
	default:
	}
	return true
}

// AbortAll fails every currently-pending slot with err and clears the
// table. Called during handler shutdown and on fatal reader errors (§4.4).
func (p *PendingTable) AbortAll(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan Completion)
	p.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- Completion{Err: err}:
		default:
		}
	}
}

// Len reports the number of currently-pending slots (test/observability use).
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// ClosedError is the standard abort cause used by AbortAll on shutdown.
func ClosedError() error { return corerr.NewClosedSDKError() }
