// Package cache implements the two-tier snapshot store backing the
// fold engine: a volatile Unconfirmed tier for states near the chain
// head, and a write-once Confirmed tier for states buried deeper than
// the confirmation depth.
//
// Lookups are exact-match by block hash only; finding the nearest
// cached ancestor is the fold engine's job. Confirmed entries are
// immune to reorg invalidation.
package cache

import (
	"reflect"
	"sync"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/types"
)

type entry struct {
	snap types.Snapshot
	tier types.Tier
}

// Store maps block identity to fold snapshots. Safe for concurrent
// use: reads are reader-shared, writes to a given block key are
// serialized, and the divergent-confirmed-state check is atomic with
// the write.
type Store struct {
	mu      sync.RWMutex
	entries map[types.Hash]entry

	persist Persistence
	codec   statefold.StateCodec

	// equal compares two opaque fold states. Defaults to
	// reflect.DeepEqual.
	equal func(a, b any) bool
}

// New creates an in-memory store. All cached state is lost on restart
// and recomputed from genesis on first use.
func New() *Store {
	return &Store{
		entries: make(map[types.Hash]entry),
		equal:   reflect.DeepEqual,
	}
}

// NewPersistent creates a store that writes through to p, encoding
// states with the given codec. Get falls back to p on memory misses.
func NewPersistent(p Persistence, codec statefold.StateCodec) *Store {
	s := New()
	s.persist = p
	s.codec = codec
	return s
}

// SetEqualFn overrides the state comparison used by the
// divergent-confirmed-state check. Must be called before first use.
func (s *Store) SetEqualFn(eq func(a, b any) bool) {
	s.equal = eq
}

// Get performs an exact-match lookup by block hash.
func (s *Store) Get(block types.BlockID) (types.Snapshot, types.Tier, bool) {
	s.mu.RLock()
	e, ok := s.entries[block.Hash]
	s.mu.RUnlock()
	if ok {
		return e.snap, e.tier, true
	}
	if s.persist == nil {
		return types.Snapshot{}, 0, false
	}

	data, tier, ok, err := s.persist.Load(block)
	if err != nil || !ok {
		return types.Snapshot{}, 0, false
	}
	state, err := s.codec.DecodeState(data)
	if err != nil {
		return types.Snapshot{}, 0, false
	}
	snap := types.Snapshot{Block: block, State: state}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, raced := s.entries[block.Hash]; raced {
		return e.snap, e.tier, true
	}
	s.entries[block.Hash] = entry{snap: snap, tier: tier}
	return snap, tier, true
}

// Put inserts a snapshot at the given tier.
//
// Writing over an existing Confirmed entry is a no-op when the states
// match and a DivergentConfirmedStateError when they differ; the
// latter must never happen in normal operation and signals a reducer
// or ancestry bug. Unconfirmed entries are superseded in place.
func (s *Store) Put(snap types.Snapshot, tier types.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[snap.Block.Hash]; ok && e.tier == types.TierConfirmed {
		if s.equal(e.snap.State, snap.State) {
			return nil
		}
		return &statefold.DivergentConfirmedStateError{Block: snap.Block}
	}

	s.entries[snap.Block.Hash] = entry{snap: snap, tier: tier}
	return s.persistLocked(snap, tier)
}

// InvalidateUnconfirmedNotDescendingFrom removes every Unconfirmed
// entry whose block is not an ancestor of head. Confirmed entries are
// immune. Entries whose ancestry cannot be determined are removed too:
// recomputing an Unconfirmed state is always safe, serving one from an
// unknown branch is not. Returns the number of entries removed.
func (s *Store) InvalidateUnconfirmedNotDescendingFrom(head types.BlockID, anc statefold.AncestryChecker) (int, error) {
	candidates := s.unconfirmedBlocks()

	// Ancestry checks run outside the store lock.
	var doomed []types.BlockID
	for _, b := range candidates {
		ok, err := anc.IsAncestor(b, head)
		if err == nil && ok {
			continue
		}
		doomed = append(doomed, b)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, b := range doomed {
		e, ok := s.entries[b.Hash]
		if !ok || e.tier != types.TierUnconfirmed {
			continue
		}
		delete(s.entries, b.Hash)
		removed++
		if s.persist != nil {
			_ = s.persist.Delete(b)
		}
	}
	return removed, nil
}

// PromoteEligible moves Unconfirmed entries buried at least depth
// blocks below head into the Confirmed tier. Only entries on head's
// own ancestry are promoted; the rest are left for invalidation.
// Returns the number of entries promoted.
func (s *Store) PromoteEligible(head types.BlockID, depth uint64, anc statefold.AncestryChecker) (int, error) {
	var eligible []types.BlockID
	for _, b := range s.unconfirmedBlocks() {
		if head.Number < b.Number || head.Number-b.Number < depth {
			continue
		}
		ok, err := anc.IsAncestor(b, head)
		if err != nil || !ok {
			continue
		}
		eligible = append(eligible, b)
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	promoted := 0
	for _, b := range eligible {
		e, ok := s.entries[b.Hash]
		if !ok || e.tier != types.TierUnconfirmed {
			continue
		}
		e.tier = types.TierConfirmed
		s.entries[b.Hash] = e
		promoted++
		if err := s.persistLocked(e.snap, types.TierConfirmed); err != nil {
			return promoted, err
		}
	}
	return promoted, nil
}

// DropUnconfirmed clears the volatile tier. Used when the last query
// sharing this store unsubscribes. Returns the number removed.
func (s *Store) DropUnconfirmed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for hash, e := range s.entries {
		if e.tier != types.TierUnconfirmed {
			continue
		}
		delete(s.entries, hash)
		removed++
		if s.persist != nil {
			_ = s.persist.Delete(e.snap.Block)
		}
	}
	return removed
}

// HasConfirmed reports whether the block hash has a Confirmed entry.
// The blocktree uses this to pin headers against pruning.
func (s *Store) HasConfirmed(hash types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	return ok && e.tier == types.TierConfirmed
}

// Len returns the number of in-memory entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) unconfirmedBlocks() []types.BlockID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.BlockID, 0, len(s.entries))
	for _, e := range s.entries {
		if e.tier == types.TierUnconfirmed {
			out = append(out, e.snap.Block)
		}
	}
	return out
}

func (s *Store) persistLocked(snap types.Snapshot, tier types.Tier) error {
	if s.persist == nil {
		return nil
	}
	data, err := s.codec.EncodeState(snap.State)
	if err != nil {
		return err
	}
	return s.persist.Store(snap.Block, data, tier)
}
