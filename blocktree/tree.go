// Package blocktree maintains an in-memory index of known block
// headers and their parent links, and answers ancestry queries over
// them: is block A an ancestor of block B, what is their deepest
// common ancestor, which blocks lie between an ancestor and a
// descendant.
//
// The tree is append-mostly: header insertion is serialized, ancestry
// queries run concurrently against a consistent view. All walks are
// bounded by a configured maximum lookback; exceeding the bound is
// reported as an explicit error, never as a silent "false".
package blocktree

import (
	"sync"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/types"
)

// DefaultMaxLookback bounds ancestry walks when no explicit value is
// configured.
const DefaultMaxLookback = 256

// Compile-time interface check.
var _ statefold.AncestryChecker = (*Tree)(nil)

// Config parameterizes a Tree.
type Config struct {
	// Genesis anchors the tree. Inserting the genesis header never
	// requires a known parent.
	Genesis types.BlockID
	// MaxLookback bounds every ancestry walk, in blocks.
	// Zero means DefaultMaxLookback.
	MaxLookback uint64
}

// Tree is the ancestry index. Safe for concurrent use.
type Tree struct {
	mu       sync.RWMutex
	headers  map[types.Hash]types.Header
	genesis  types.BlockID
	lookback uint64
}

// New creates a tree anchored at the given genesis block.
func New(cfg Config) *Tree {
	lookback := cfg.MaxLookback
	if lookback == 0 {
		lookback = DefaultMaxLookback
	}
	t := &Tree{
		headers:  make(map[types.Hash]types.Header),
		genesis:  cfg.Genesis,
		lookback: lookback,
	}
	t.headers[cfg.Genesis.Hash] = types.Header{ID: cfg.Genesis}
	return t
}

// Genesis returns the configured genesis block.
func (t *Tree) Genesis() types.BlockID {
	return t.genesis
}

// MaxLookback returns the configured walk bound.
func (t *Tree) MaxLookback() uint64 {
	return t.lookback
}

// Insert records a block header. Re-inserting a known header is a
// no-op. If the header's parent is not tracked and the header is not
// the genesis, Insert fails with UnknownParentError: the caller must
// backfill ancestors first.
func (t *Tree) Insert(h types.Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, known := t.headers[h.ID.Hash]; known {
		return nil
	}
	if h.ID.Hash != t.genesis.Hash {
		if _, ok := t.headers[h.ID.ParentHash]; !ok {
			return &statefold.UnknownParentError{Block: h.ID}
		}
	}
	t.headers[h.ID.Hash] = h
	return nil
}

// Header returns the tracked header with the given hash.
func (t *Tree) Header(hash types.Hash) (types.Header, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.headers[hash]
	return h, ok
}

// Knows reports whether the block is tracked.
func (t *Tree) Knows(b types.BlockID) bool {
	_, ok := t.Header(b.Hash)
	return ok
}

// IsAncestor walks parent links from b upward until a is found, the
// walk reaches a's number, or the lookback bound is exceeded. Every
// block is an ancestor of itself.
func (t *Tree) IsAncestor(a, b types.BlockID) (bool, error) {
	if a.Hash == b.Hash {
		return true, nil
	}
	if a.Number >= b.Number {
		return false, nil
	}
	if b.Number-a.Number > t.lookback {
		return false, &statefold.AncestryUndeterminedError{A: a, B: b, Lookback: t.lookback}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	cur, err := t.walkToNumberLocked(b, a.Number)
	if err != nil {
		return false, err
	}
	return cur.Hash == a.Hash, nil
}

// CommonAncestor walks both chains upward in lockstep by number until
// the hashes match. Exceeding the lookback bound yields
// NoCommonAncestorError, which indicates a data-source inconsistency.
func (t *Tree) CommonAncestor(a, b types.BlockID) (types.BlockID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Bring the deeper side level with the shallower one.
	var err error
	if a.Number > b.Number {
		a, err = t.walkToNumberLocked(a, b.Number)
	} else if b.Number > a.Number {
		b, err = t.walkToNumberLocked(b, a.Number)
	}
	if err != nil {
		return types.BlockID{}, err
	}

	for steps := uint64(0); steps <= t.lookback; steps++ {
		if a.Hash == b.Hash {
			return a, nil
		}
		if a.Number == 0 {
			break
		}
		if a, err = t.parentLocked(a); err != nil {
			return types.BlockID{}, err
		}
		if b, err = t.parentLocked(b); err != nil {
			return types.BlockID{}, err
		}
	}
	return types.BlockID{}, &statefold.NoCommonAncestorError{A: a, B: b}
}

// SegmentBetween returns the blocks strictly after `from` up to and
// including `to` along to's ancestry: the half-open range
// (from.Number, to.Number]. `from` must be an ancestor of `to`.
func (t *Tree) SegmentBetween(from, to types.BlockID) (types.Segment, error) {
	if from.Hash == to.Hash {
		return nil, nil
	}
	if from.Number >= to.Number || to.Number-from.Number > t.lookback {
		return nil, &statefold.AncestryUndeterminedError{A: from, B: to, Lookback: t.lookback}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	seg := make(types.Segment, to.Number-from.Number)
	cur := to
	for i := len(seg) - 1; i >= 0; i-- {
		seg[i] = cur
		var err error
		if cur, err = t.parentLocked(cur); err != nil {
			return nil, err
		}
	}
	if cur.Hash != from.Hash {
		return nil, statefold.Invariantf("block %s (number %d) is not an ancestor of %s (number %d)",
			from.Hash.Short(), from.Number, to.Hash.Short(), to.Number)
	}
	return seg, nil
}

// PruneBelow drops headers with a number strictly below cutoff, except
// the genesis and any header the caller pins (typically blocks still
// referenced by live Confirmed cache entries).
func (t *Tree) PruneBelow(cutoff uint64, pinned func(types.Hash) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for hash, h := range t.headers {
		if h.ID.Number >= cutoff || hash == t.genesis.Hash {
			continue
		}
		if pinned != nil && pinned(hash) {
			continue
		}
		delete(t.headers, hash)
		dropped++
	}
	return dropped
}

// Len returns the number of tracked headers.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.headers)
}

// Parent resolves the parent BlockID of b, or
// AncestryUndeterminedError if the parent header is not tracked.
func (t *Tree) Parent(b types.BlockID) (types.BlockID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.parentLocked(b)
}

// parentLocked resolves the parent BlockID of b. Missing parent
// headers surface as AncestryUndeterminedError.
func (t *Tree) parentLocked(b types.BlockID) (types.BlockID, error) {
	h, ok := t.headers[b.ParentHash]
	if !ok {
		return types.BlockID{}, &statefold.AncestryUndeterminedError{A: b, B: b, Lookback: t.lookback}
	}
	return h.ID, nil
}

// walkToNumberLocked follows parent links from b down to the given
// block number.
func (t *Tree) walkToNumberLocked(b types.BlockID, number uint64) (types.BlockID, error) {
	cur := b
	for cur.Number > number {
		var err error
		if cur, err = t.parentLocked(cur); err != nil {
			return types.BlockID{}, err
		}
	}
	return cur, nil
}
