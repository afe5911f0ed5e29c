// Package statefold reconstructs application-level state from the
// event history of a fork-prone, append-only ledger, and keeps that
// state correct as new blocks arrive and as previously seen blocks are
// displaced by chain reorganizations.
//
// The core [ChainAccessor] and [Reducer] interfaces are required. All
// other interfaces are optional capabilities discovered via Go type
// assertion.
//
// The library is assembled leaves-first: a ChainAccessor feeds the
// blocktree ancestry index, which together with the cache store backs
// the fold engine, which the dispatcher drives concurrently for many
// independent queries.
package statefold

import (
	"context"

	"github.com/blockberries/statefold/types"
)

// ChainAccessor supplies block headers, event logs, and the current
// chain head from one upstream data source. Implementations are
// expected to be safe for concurrent use.
//
// Failures must be classified through the statefold error taxonomy:
// network-level conditions (timeouts, resets, rate limits) as
// [TransientError] so callers retry with backoff, missing blocks as
// [NotFoundError], and oversized log requests as [RangeTooLargeError]
// so callers subdivide.
type ChainAccessor interface {
	// Head returns the data source's current canonical chain head.
	Head(ctx context.Context) (types.BlockID, error)

	// HeaderByHash returns the header with the given hash.
	HeaderByHash(ctx context.Context, hash types.Hash) (types.Header, error)

	// HeaderByNumber returns the canonical header at the given number.
	HeaderByNumber(ctx context.Context, number uint64) (types.Header, error)

	// Logs returns every event matching the filter within block range
	// [from, to], ordered by block number then in-block index. The
	// returned batch is tagged with the BlockID of `to` as seen by the
	// accessor at fetch time.
	Logs(ctx context.Context, filter types.LogFilter, from, to uint64) (types.EventBatch, error)
}

// HeadSource is an optional capability of a ChainAccessor: a push
// channel of new chain heads. Discover it via type assertion; when a
// data source does not implement it, polling Head is the substitute.
//
// The returned channel is closed when the subscription drops; callers
// resubscribe (with backoff) or fall back to polling. The returned
// cancel function releases the subscription.
type HeadSource interface {
	SubscribeNewHeads(ctx context.Context) (<-chan types.BlockID, func(), error)
}

// Reducer is the pluggable application logic of a fold query. It must
// be deterministic and side-effect-free with respect to its inputs:
// for a fixed prior state and event list, Apply always produces the
// same state.
//
// The engine guarantees Apply is called once per block in strictly
// ascending, gap-free order along the target block's own ancestry.
// events contains only events emitted by that block and matching the
// query's filter; it may be empty.
type Reducer interface {
	// InitialState returns the fold state before any block has been
	// applied (the state "at genesis").
	InitialState() any

	// Apply folds one block's events into the state. An error
	// indicates the reducer rejected its input (malformed or
	// unexpected event data); it is propagated as a [ReducerFaultError]
	// and is fatal for the affected query, never silently skipped.
	Apply(state any, block types.BlockID, events []types.Event) (any, error)
}

// StateCodec is an optional capability of a Reducer: a byte encoding
// of its state values. It is required only to enable persistent
// caching; without it an in-memory cache is used and all state is
// recomputed from genesis on restart.
type StateCodec interface {
	EncodeState(state any) ([]byte, error)
	DecodeState(data []byte) (any, error)
}

// AncestryChecker answers whether block a is an ancestor of block b.
// Every block is an ancestor of itself. It is implemented by the
// blocktree and consumed by the cache store's reorg invalidation.
//
// An [AncestryUndeterminedError] means the local view is too shallow
// to decide; it is never reported as a plain false.
type AncestryChecker interface {
	IsAncestor(a, b types.BlockID) (bool, error)
}
