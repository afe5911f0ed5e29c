// Package dispatcher owns the set of live fold queries, keeps each
// one's materialized state converged with the chain head, and serves
// read access without blocking callers on network I/O.
package dispatcher

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/blockberries/statefold/types"
)

// Phase is a state in the per-query lifecycle state machine:
//
//	Uninitialized → Syncing → Synced → Syncing → … → Stale → Syncing → …
//
// Unsubscribed is the only externally requested terminal phase;
// Faulted is terminal too, entered when a fold hits an invariant
// violation or reducer fault. A Stale or Faulted query still serves
// its last Synced state to readers.
type Phase uint32

const (
	PhaseUninitialized Phase = iota
	PhaseSyncing
	PhaseSynced
	PhaseStale
	PhaseFaulted
	PhaseUnsubscribed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "Uninitialized"
	case PhaseSyncing:
		return "Syncing"
	case PhaseSynced:
		return "Synced"
	case PhaseStale:
		return "Stale"
	case PhaseFaulted:
		return "Faulted"
	case PhaseUnsubscribed:
		return "Unsubscribed"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(p))
	}
}

// Terminal reports whether no further sync will run in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseFaulted || p == PhaseUnsubscribed
}

// Observer receives per-query state machine transitions, for
// observability. err is non-nil for transitions into Stale and
// Faulted. Observers are called synchronously and must be fast.
type Observer func(id types.QueryID, from, to Phase, err error)

// phaseGuard tracks one query's lifecycle phase and reports
// transitions to the observer.
type phaseGuard struct {
	id      types.QueryID
	state   atomic.Uint32
	observe Observer

	mu      sync.Mutex
	lastErr error
}

func newPhaseGuard(id types.QueryID, observe Observer) *phaseGuard {
	return &phaseGuard{id: id, observe: observe}
}

func (g *phaseGuard) phase() Phase {
	return Phase(g.state.Load())
}

// err returns the error recorded by the last Stale or Faulted
// transition, cleared on success.
func (g *phaseGuard) err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

// beginSync transitions a runnable phase into Syncing. Returns false
// when the query is terminal (or already syncing, which the
// dispatcher's coalescing should have prevented).
func (g *phaseGuard) beginSync() bool {
	for {
		cur := Phase(g.state.Load())
		if cur.Terminal() || cur == PhaseSyncing {
			return false
		}
		if g.state.CompareAndSwap(uint32(cur), uint32(PhaseSyncing)) {
			g.notify(cur, PhaseSyncing, nil)
			return true
		}
	}
}

// completeSync transitions Syncing → Synced. Returns false when the
// query was unsubscribed mid-flight, in which case the caller discards
// the fold result.
func (g *phaseGuard) completeSync() bool {
	if !g.state.CompareAndSwap(uint32(PhaseSyncing), uint32(PhaseSynced)) {
		return false
	}
	g.mu.Lock()
	g.lastErr = nil
	g.mu.Unlock()
	g.notify(PhaseSyncing, PhaseSynced, nil)
	return true
}

// stall transitions Syncing → Stale, recording the sync error. The
/// query remains runnable: the next sync cycle tries again from
// scratch.
func (g *phaseGuard) stall(err error) {
	if !g.state.CompareAndSwap(uint32(PhaseSyncing), uint32(PhaseStale)) {
		return
	}
	g.mu.Lock()
	g.lastErr = err
	g.mu.Unlock()
	g.notify(PhaseSyncing, PhaseStale, err)
}

// fault transitions into the permanent Faulted phase. Unsubscribed
// still wins over Faulted.
func (g *phaseGuard) fault(err error) {
	for {
		cur := Phase(g.state.Load())
		if cur == PhaseUnsubscribed || cur == PhaseFaulted {
			return
		}
		if g.state.CompareAndSwap(uint32(cur), uint32(PhaseFaulted)) {
			g.mu.Lock()
			g.lastErr = err
			g.mu.Unlock()
			g.notify(cur, PhaseFaulted, err)
			return
		}
	}
}

// unsubscribe forces the terminal Unsubscribed phase from any state.
func (g *phaseGuard) unsubscribe() {
	for {
		cur := Phase(g.state.Load())
		if cur == PhaseUnsubscribed {
			return
		}
		if g.state.CompareAndSwap(uint32(cur), uint32(PhaseUnsubscribed)) {
			g.notify(cur, PhaseUnsubscribed, nil)
			return
		}
	}
}

func (g *phaseGuard) notify(from, to Phase, err error) {
	if g.observe != nil {
		g.observe(g.id, from, to, err)
	}
}
