// Package oom implements the out-of-memory collaborator: a kill policy
// run synchronously per invocation, whose verdict travels on a
// per-request resume channel, plus a per-zonelist try-set/clear guard
// against concurrent killers.
package oom

import (
	"sync"

	"github.com/google/uuid"
)

// Request describes one out_of_memory invocation; OutOfMemory builds one
// per call. Need is the number of pages the stalled allocation still
// wants; Resume receives the kill policy's verdict and is then closed.
type Request struct {
	ID      uuid.UUID
	Order   int
	Need    int
	Force   bool
	Resume  chan Verdict
}

// Verdict reports the outcome of an out_of_memory invocation.
type Verdict struct {
	Killed     bool
	VictimName string
	Freed      uint64
}

// Victim selects and kills a process (or the moral equivalent, in a
// userspace harness) given a need in pages. Implementations are supplied
// by the embedding program; the default, DefaultVictim, kills nothing
// and reports no memory freed rather than touching any real process
// table.
type Victim func(need int) Verdict

// Policy is the OOM collaborator. Exactly one out_of_memory invocation
// may be in flight per zonelist at a time — TrySetZonelistOOM enforces
// this the way the kernel's zone_scan_lock does, so a storm of failing
// allocators converges on one killer invocation instead of one each.
type Policy struct {
	mu      sync.Mutex
	owned   map[*struct{}]bool // keyed by *zonelist token, not imported to avoid a cycle
	kill    Victim
}

// New builds an OOM policy. If kill is nil, DefaultVictim is used.
func New(kill Victim) *Policy {
	if kill == nil {
		kill = DefaultVictim
	}
	return &Policy{owned: make(map[*struct{}]bool), kill: kill}
}

// ZonelistToken is an opaque handle identifying one zonelist for the
// purposes of the try-set-clear mutex; callers pass the same token (e.g.
// a pointer obtained from their zonelist.List) on every call.
type ZonelistToken = *struct{}

// TrySetZonelistOOM attempts to become the sole OOM invoker for a given
// zonelist,'s try_set_zonelist_oom/clear_zonelist_oom mutex.
// Returns false if another goroutine already holds it.
func (p *Policy) TrySetZonelistOOM(token ZonelistToken) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owned[token] {
		return false
	}
	p.owned[token] = true
	return true
}

// ClearZonelistOOM releases a previously-acquired OOM lock.
func (p *Policy) ClearZonelistOOM(token ZonelistToken) {
	p.mu.Lock()
	delete(p.owned, token)
	p.mu.Unlock()
}

// OutOfMemory runs the kill policy synchronously and returns its
// verdict. force bypasses any internal throttling a real implementation
// might apply (e.g. skip the delay after a recent kill,'s
// out_of_memory(..., force) parameter).
func (p *Policy) OutOfMemory(order int, need int, force bool) Verdict {
	req := Request{ID: uuid.New(), Order: order, Need: need, Force: force, Resume: make(chan Verdict, 1)}
	v := p.kill(req.Need)
	req.Resume <- v
	close(req.Resume)
	return v
}

// DefaultVictim is the stub policy: it kills nothing, reports no memory
// freed, and exists purely so the core allocator is independently
// testable without a real process table behind it (the Testable
// Properties require the core to not depend on a live kill policy).
func DefaultVictim(need int) Verdict {
	return Verdict{Killed: false, VictimName: "", Freed: 0}
}
