// Package engine implements the incremental state-fold computation:
// producing an application state at a target block by combining the
// nearest cached ancestor snapshot with a replay of the events between
// them, and repairing the cache when the chain reorganizes underneath
// it.
package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/blocktree"
	"github.com/blockberries/statefold/cache"
	"github.com/blockberries/statefold/types"
)

// Query is one independent fold subscription: a filter, a reducer, a
// confirmation depth, and the snapshot store caching its results.
//
// A Query is owned by its dispatcher for its lifetime; folds for one
// Query are serialized, so the unexported fields need no locking.
type Query struct {
	Filter            types.LogFilter
	Reducer           statefold.Reducer
	ConfirmationDepth uint64
	Store             *cache.Store

	// lastHead is the block of the most recent successful fold, used
	// to detect reorgs of the previously assumed head.
	lastHead *types.BlockID
}

// StateKey identifies the shareable state of a query: queries with the
// same filter and reducer implementation fold identical states and may
// share a store.
func (q *Query) StateKey() types.Hash {
	fp := q.Filter.Fingerprint()
	return types.HashOf(append(fp[:], []byte(fmt.Sprintf("%T", q.Reducer))...))
}

// Engine folds queries against one chain data source and one ancestry
// index. Safe for concurrent use across queries; folds for a single
// query must be serialized by the caller.
type Engine struct {
	log      zerolog.Logger
	accessor statefold.ChainAccessor
	tree     *blocktree.Tree
}

// New creates an engine over the given accessor and ancestry index.
func New(log zerolog.Logger, accessor statefold.ChainAccessor, tree *blocktree.Tree) *Engine {
	return &Engine{
		log:      log.With().Str("component", "fold_engine").Logger(),
		accessor: accessor,
		tree:     tree,
	}
}

// Tree returns the engine's ancestry index.
func (e *Engine) Tree() *blocktree.Tree { return e.tree }

// Extend backfills the ancestry index so that target and its ancestors
// down to an already-tracked block are known. Header fetches run
// without holding any tree lock.
func (e *Engine) Extend(ctx context.Context, target types.BlockID) error {
	var pending []types.Header

	hash := target.Hash
	for {
		if _, known := e.tree.Header(hash); known {
			break
		}
		if uint64(len(pending)) > e.tree.MaxLookback() {
			return &statefold.AncestryUndeterminedError{
				A: e.tree.Genesis(), B: target, Lookback: e.tree.MaxLookback(),
			}
		}
		h, err := e.accessor.HeaderByHash(ctx, hash)
		if err != nil {
			return fmt.Errorf("backfill header %s: %w", hash.Short(), err)
		}
		pending = append(pending, h)
		if h.ID.Number == 0 {
			break
		}
		hash = h.ID.ParentHash
	}

	// Insert oldest-first so every parent is known.
	for i := len(pending) - 1; i >= 0; i-- {
		if err := e.tree.Insert(pending[i]); err != nil {
			return err
		}
	}
	return nil
}

// Fold produces the query's state at the target block.
//
// The cheapest path is an exact cache hit. Otherwise the engine finds
// the nearest cached ancestor (or falls back to the reducer's initial
// state at genesis), replays the events in between in strict
// ascending, gap-free order, caches the result Unconfirmed, and
// promotes entries that the target buries deeper than the confirmation
// depth.
func (e *Engine) Fold(ctx context.Context, q *Query, target types.BlockID) (types.Snapshot, error) {
	if err := e.Extend(ctx, target); err != nil {
		return types.Snapshot{}, err
	}

	e.repairAfterReorg(q, target)

	if snap, _, ok := q.Store.Get(target); ok {
		q.lastHead = &target
		return snap, nil
	}

	base, baseState, err := e.findBase(q, target)
	if err != nil {
		return types.Snapshot{}, err
	}

	// Zero-length range: the base state already answers the query.
	if base.SameAs(target) {
		snap := types.Snapshot{Block: target, State: baseState}
		q.lastHead = &target
		return snap, nil
	}

	seg, err := e.tree.SegmentBetween(base, target)
	if err != nil {
		return types.Snapshot{}, err
	}
	if !seg.Contiguous() {
		return types.Snapshot{}, statefold.Invariantf(
			"replay range (%d, %d] is not gap-free", base.Number, target.Number)
	}

	perBlock, err := e.fetchEvents(ctx, q.Filter, seg)
	if err != nil {
		return types.Snapshot{}, err
	}

	e.log.Debug().
		Uint64("from", base.Number).
		Uint64("to", target.Number).
		Str("target", target.Hash.Short()).
		Msg("replaying range")

	state := baseState
	for _, b := range seg {
		state, err = q.Reducer.Apply(state, b, perBlock[b.Number])
		if err != nil {
			return types.Snapshot{}, &statefold.ReducerFaultError{Block: b, Err: err}
		}
	}

	snap := types.Snapshot{Block: target, State: state}
	if err := q.Store.Put(snap, types.TierUnconfirmed); err != nil {
		return types.Snapshot{}, err
	}
	if _, err := q.Store.PromoteEligible(target, q.ConfirmationDepth, e.tree); err != nil {
		return types.Snapshot{}, err
	}
	q.lastHead = &target
	return snap, nil
}

// repairAfterReorg drops the query's orphaned Unconfirmed entries when
// the previously assumed head is no longer an ancestor of the new
// target. Confirmed entries are untouched: by construction they only
// reference blocks deep enough to be treated as immutable.
func (e *Engine) repairAfterReorg(q *Query, target types.BlockID) {
	if q.lastHead == nil || q.lastHead.SameAs(target) {
		return
	}
	onChain, err := e.tree.IsAncestor(*q.lastHead, target)
	if err != nil || onChain {
		// Undetermined means the old head is buried beyond the
		// lookback; entries that deep are Confirmed or long gone.
		return
	}
	removed, _ := q.Store.InvalidateUnconfirmedNotDescendingFrom(target, e.tree)
	e.log.Info().
		Str("old_head", q.lastHead.Hash.Short()).
		Uint64("old_number", q.lastHead.Number).
		Str("new_head", target.Hash.Short()).
		Uint64("new_number", target.Number).
		Int("invalidated", removed).
		Msg("chain reorganization detected")
}

// findBase searches backward from target through the ancestry for the
// nearest cached snapshot. With no hit within the lookback bound it
// falls back to the reducer's initial state at genesis.
func (e *Engine) findBase(q *Query, target types.BlockID) (types.BlockID, any, error) {
	cur := target
	for steps := uint64(0); steps <= e.tree.MaxLookback(); steps++ {
		if cur.Number == 0 || cur.SameAs(e.tree.Genesis()) {
			return e.tree.Genesis(), q.Reducer.InitialState(), nil
		}
		parent, err := e.tree.Parent(cur)
		if err != nil {
			return types.BlockID{}, nil, err
		}
		if snap, _, ok := q.Store.Get(parent); ok {
			return parent, snap.State, nil
		}
		cur = parent
	}
	return types.BlockID{}, nil, &statefold.AncestryUndeterminedError{
		A: e.tree.Genesis(), B: target, Lookback: e.tree.MaxLookback(),
	}
}

// fetchEvents retrieves the filtered events for the segment, grouped
// by block number, subdividing ranges the accessor refuses to serve
// whole. Events tagged with a block hash that is not on the segment
// mean the accessor answered from a different branch mid-fetch; that
// is a transient condition and the whole fold is retried.
func (e *Engine) fetchEvents(ctx context.Context, filter types.LogFilter, seg types.Segment) (map[uint64][]types.Event, error) {
	events, err := e.logsRange(ctx, filter, seg[0].Number, seg[len(seg)-1].Number)
	if err != nil {
		return nil, err
	}

	perBlock := make(map[uint64][]types.Event)
	for _, ev := range events {
		want, ok := seg.HashAt(ev.Block.Number)
		if !ok {
			continue
		}
		if ev.Block.Hash != want {
			return nil, statefold.Transient("fetch logs", fmt.Errorf(
				"event at number %d from block %s, expected %s (reorg mid-fetch)",
				ev.Block.Number, ev.Block.Hash.Short(), want.Short()))
		}
		perBlock[ev.Block.Number] = append(perBlock[ev.Block.Number], ev)
	}
	return perBlock, nil
}

func (e *Engine) logsRange(ctx context.Context, filter types.LogFilter, from, to uint64) ([]types.Event, error) {
	batch, err := e.accessor.Logs(ctx, filter, from, to)
	if err == nil {
		return batch.Events, nil
	}
	if !statefold.IsRangeTooLarge(err) || from >= to {
		return nil, err
	}

	mid := from + (to-from)/2
	left, err := e.logsRange(ctx, filter, from, mid)
	if err != nil {
		return nil, err
	}
	right, err := e.logsRange(ctx, filter, mid+1, to)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}
