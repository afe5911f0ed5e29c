package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/blocktree"
	"github.com/blockberries/statefold/cache"
	"github.com/blockberries/statefold/engine"
	"github.com/blockberries/statefold/types"
)

// Config parameterizes retry behavior and defaults. Zero fields take
// the package defaults.
type Config struct {
	// MaxRetries is the per-sync attempt ceiling for transient
	// failures. Exceeding it surfaces SyncStalledError for that cycle.
	MaxRetries uint64
	// RetryDelay is the initial backoff delay, doubled per attempt
	// with jitter.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff delay.
	MaxRetryDelay time.Duration
	// DefaultConfirmationDepth applies to subscriptions that pass
	// depth 0.
	DefaultConfirmationDepth uint64
}

// Defaults follow the original deployment values.
const (
	DefaultMaxRetries               = 5
	DefaultRetryDelay               = time.Second
	DefaultMaxRetryDelay            = 32 * time.Second
	DefaultConfirmationDepth uint64 = 12
)

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.DefaultConfirmationDepth == 0 {
		c.DefaultConfirmationDepth = DefaultConfirmationDepth
	}
	return c
}

// PersistenceProvider hands out a cache backing per state key. It is
// implemented by badgerstore.Store.
type PersistenceProvider interface {
	Keyspace(space types.Hash) cache.Persistence
}

// Status describes a query to readers: its lifecycle phase, whether a
// state has ever been materialized, and the last sync error (nil when
// healthy). A Stale or Faulted phase is not an error for GetState; the
// last good state is still served.
type Status struct {
	Phase    Phase
	HasState bool
	LastErr  error
}

// inflight is one running sync for a query; concurrent syncs join it
// instead of starting a redundant fold.
type inflight struct {
	done chan struct{}
	snap types.Snapshot
	err  error
}

// handle is the dispatcher's per-query bookkeeping.
type handle struct {
	id    types.QueryID
	q     *engine.Query
	key   types.Hash
	guard *phaseGuard

	mu      sync.Mutex // guards inflight
	current *inflight

	resMu    sync.RWMutex
	lastSnap types.Snapshot
	hasSnap  bool
}

// storeRef tracks how many live queries share a snapshot store.
// Confirmed entries outlive the last subscriber so a later identical
// subscription resumes from them.
type storeRef struct {
	store *cache.Store
	refs  int
}

// Dispatcher orchestrates many independent fold queries against one
// shared chain data source. Distinct queries sync concurrently; syncs
// for a single query are serialized and coalesced. Safe for concurrent
// use.
type Dispatcher struct {
	log      zerolog.Logger
	accessor statefold.ChainAccessor
	engine   *engine.Engine
	cfg      Config

	observe Observer
	persist PersistenceProvider

	mu      sync.Mutex
	queries map[types.QueryID]*handle
	stores  map[types.Hash]*storeRef
}

// New creates a dispatcher over the given accessor and ancestry index.
func New(log zerolog.Logger, accessor statefold.ChainAccessor, tree *blocktree.Tree, cfg Config) *Dispatcher {
	log = log.With().Str("component", "dispatcher").Logger()
	return &Dispatcher{
		log:      log,
		accessor: accessor,
		engine:   engine.New(log, accessor, tree),
		cfg:      cfg.withDefaults(),
		queries:  make(map[types.QueryID]*handle),
		stores:   make(map[types.Hash]*storeRef),
	}
}

// SetObserver installs the state-transition hook. Must be called
// before the first Subscribe.
func (d *Dispatcher) SetObserver(o Observer) { d.observe = o }

// SetPersistence installs the cache backing. Must be called before the
// first Subscribe. Only reducers implementing statefold.StateCodec get
// persistent stores; the rest stay in-memory.
func (d *Dispatcher) SetPersistence(p PersistenceProvider) { d.persist = p }

// Subscribe registers a new query. Its initial state is computed
// lazily on the first Sync; GetState before that reports
// Uninitialized. A confirmationDepth of 0 takes the configured
// default.
func (d *Dispatcher) Subscribe(filter types.LogFilter, reducer statefold.Reducer, confirmationDepth uint64) types.QueryID {
	if confirmationDepth == 0 {
		confirmationDepth = d.cfg.DefaultConfirmationDepth
	}
	q := &engine.Query{
		Filter:            filter,
		Reducer:           reducer,
		ConfirmationDepth: confirmationDepth,
	}
	key := q.StateKey()
	id := types.NewQueryID()

	d.mu.Lock()
	ref, ok := d.stores[key]
	if !ok {
		ref = &storeRef{store: d.newStore(key, reducer)}
		d.stores[key] = ref
	}
	ref.refs++
	q.Store = ref.store
	h := &handle{
		id:    id,
		q:     q,
		key:   key,
		guard: newPhaseGuard(id, d.observe),
	}
	d.queries[id] = h
	d.mu.Unlock()

	d.log.Info().
		Str("query", string(id)).
		Uint64("confirmation_depth", confirmationDepth).
		Bool("shared_store", ok).
		Msg("query subscribed")
	return id
}

// Unsubscribe removes the query. An in-flight sync is left to finish
// and its result discarded; the query's Unconfirmed cache entries are
// released once no other query shares them.
func (d *Dispatcher) Unsubscribe(id types.QueryID) error {
	d.mu.Lock()
	h, ok := d.queries[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("unknown query %s", id)
	}
	delete(d.queries, id)
	ref := d.stores[h.key]
	ref.refs--
	release := ref.refs == 0
	d.mu.Unlock()

	h.guard.unsubscribe()
	if release {
		dropped := ref.store.DropUnconfirmed()
		d.log.Debug().
			Str("query", string(id)).
			Int("dropped_unconfirmed", dropped).
			Msg("released query cache")
	}
	d.log.Info().Str("query", string(id)).Msg("query unsubscribed")
	return nil
}

// Sync fetches the current chain head and converges every active
// query on it. Queries sync concurrently and independently: one
// query's failure never aborts another's. The returned error
// aggregates per-query failures; a head fetch failure stalls the whole
// cycle.
func (d *Dispatcher) Sync(ctx context.Context) error {
	var head types.BlockID
	err := d.withRetry(ctx, func(ctx context.Context) error {
		var err error
		head, err = d.accessor.Head(ctx)
		return err
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("head fetch stalled")
		return err
	}

	d.mu.Lock()
	handles := make([]*handle, 0, len(d.queries))
	for _, h := range d.queries {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		merr  *multierror.Error
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			if _, err := d.syncQuery(ctx, h, head); err != nil {
				errMu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("query %s: %w", h.id, err))
				errMu.Unlock()
			}
		}(h)
	}
	wg.Wait()

	d.prune(head)
	return merr.ErrorOrNil()
}

// GetState returns the most recently synchronized state for the query.
// It never triggers a fetch and never blocks on one: readers are
// decoupled from the sync path. The error is non-nil only for an
// unknown QueryID.
func (d *Dispatcher) GetState(id types.QueryID) (types.Snapshot, Status, error) {
	d.mu.Lock()
	h, ok := d.queries[id]
	d.mu.Unlock()
	if !ok {
		return types.Snapshot{}, Status{}, fmt.Errorf("unknown query %s", id)
	}

	h.resMu.RLock()
	snap, has := h.lastSnap, h.hasSnap
	h.resMu.RUnlock()
	return snap, Status{
		Phase:    h.guard.phase(),
		HasState: has,
		LastErr:  h.guard.err(),
	}, nil
}

// syncQuery runs (or joins) the single in-flight sync for a query.
func (d *Dispatcher) syncQuery(ctx context.Context, h *handle, head types.BlockID) (types.Snapshot, error) {
	h.mu.Lock()
	if f := h.current; f != nil {
		h.mu.Unlock()
		<-f.done
		return f.snap, f.err
	}
	f := &inflight{done: make(chan struct{})}
	h.current = f
	h.mu.Unlock()

	f.snap, f.err = d.runSync(ctx, h, head)

	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
	close(f.done)
	return f.snap, f.err
}

func (d *Dispatcher) runSync(ctx context.Context, h *handle, head types.BlockID) (types.Snapshot, error) {
	if !h.guard.beginSync() {
		// Terminal query: keep serving the last state, skip the fold.
		h.resMu.RLock()
		snap := h.lastSnap
		h.resMu.RUnlock()
		return snap, h.guard.err()
	}

	var snap types.Snapshot
	err := d.withRetry(ctx, func(ctx context.Context) error {
		var err error
		snap, err = d.engine.Fold(ctx, h.q, head)
		return err
	})
	if err != nil {
		if statefold.IsFatal(err) {
			h.guard.fault(err)
			d.log.Error().
				Err(err).
				Str("query", string(h.id)).
				Msg("query faulted; state frozen and sync disabled")
			return types.Snapshot{}, err
		}
		h.guard.stall(err)
		d.log.Warn().
			Err(err).
			Str("query", string(h.id)).
			Uint64("head", head.Number).
			Msg("query sync stalled")
		return types.Snapshot{}, err
	}

	// An unsubscribe that raced the fold wins: discard the result.
	if !h.guard.completeSync() {
		return types.Snapshot{}, fmt.Errorf("unknown query %s", h.id)
	}
	h.resMu.Lock()
	h.lastSnap = snap
	h.hasSnap = true
	h.resMu.Unlock()
	return snap, nil
}

// withRetry runs op with exponential backoff. Transient and structural
// failures are retried (retrying re-extends the ancestry view, which
// is the structural widening); fatal errors stop immediately;
// exhausting the ceiling wraps the last error as SyncStalledError.
func (d *Dispatcher) withRetry(ctx context.Context, op func(context.Context) error) error {
	backoff := retry.NewExponential(d.cfg.RetryDelay)
	backoff = retry.WithCappedDuration(d.cfg.MaxRetryDelay, backoff)
	backoff = retry.WithJitterPercent(15, backoff)
	backoff = retry.WithMaxRetries(d.cfg.MaxRetries, backoff)

	var attempts uint64
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := op(ctx)
		if err == nil || statefold.IsFatal(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err == nil || statefold.IsFatal(err) {
		return err
	}
	return &statefold.SyncStalledError{Attempts: attempts, Err: err}
}

// prune drops ancestry headers no live query can reach anymore, keeping
// a full lookback below the deepest confirmation depth and every block
// pinned by a Confirmed cache entry.
func (d *Dispatcher) prune(head types.BlockID) {
	d.mu.Lock()
	var maxDepth uint64
	for _, h := range d.queries {
		if h.q.ConfirmationDepth > maxDepth {
			maxDepth = h.q.ConfirmationDepth
		}
	}
	stores := make([]*cache.Store, 0, len(d.stores))
	for _, ref := range d.stores {
		stores = append(stores, ref.store)
	}
	d.mu.Unlock()

	tree := d.engine.Tree()
	margin := maxDepth + tree.MaxLookback()
	if head.Number <= margin {
		return
	}
	tree.PruneBelow(head.Number-margin, func(hash types.Hash) bool {
		for _, s := range stores {
			if s.HasConfirmed(hash) {
				return true
			}
		}
		return false
	})
}

func (d *Dispatcher) newStore(key types.Hash, reducer statefold.Reducer) *cache.Store {
	if d.persist != nil {
		if codec, ok := reducer.(statefold.StateCodec); ok {
			return cache.NewPersistent(d.persist.Keyspace(key), codec)
		}
	}
	return cache.New()
}
