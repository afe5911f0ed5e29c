package engine_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/engine"
	foldtest "github.com/blockberries/statefold/testing"
	"github.com/blockberries/statefold/types"
)

// countReducer counts matched events.
type countReducer struct{}

func (countReducer) InitialState() any { return uint64(0) }

func (countReducer) Apply(state any, _ types.BlockID, events []types.Event) (any, error) {
	return state.(uint64) + uint64(len(events)), nil
}

// faultyReducer rejects events of kind "poison".
type faultyReducer struct{}

func (faultyReducer) InitialState() any { return uint64(0) }

func (faultyReducer) Apply(state any, _ types.BlockID, events []types.Event) (any, error) {
	for _, ev := range events {
		if ev.Kind == "poison" {
			return nil, errors.New("malformed event")
		}
	}
	return state.(uint64) + uint64(len(events)), nil
}

func count(t *testing.T, snap types.Snapshot) uint64 {
	t.Helper()
	n, ok := snap.State.(uint64)
	if !ok {
		t.Fatalf("state is %T, want uint64", snap.State)
	}
	return n
}

func TestFold_ScenarioColdAndWarm(t *testing.T) {
	// Chain G -> B1(2 events) -> B2(0) -> B3(1).
	h := foldtest.NewHarness(t)
	b1 := h.Chain.Extend(2)
	h.Chain.Extend(0)
	b3 := h.Chain.Extend(1)

	// Cold fold at B3 returns count 3.
	cold := h.NewQuery(countReducer{}, 4)
	if got := count(t, h.MustFold(cold, b3)); got != 3 {
		t.Fatalf("cold fold = %d, want 3", got)
	}

	// Warm: cache B1 first, then fold B3 reusing it.
	warm := h.NewQuery(countReducer{}, 4)
	if got := count(t, h.MustFold(warm, b1)); got != 2 {
		t.Fatalf("fold at B1 = %d, want 2", got)
	}
	before := h.Chain.LogsCalls.Load()
	if got := count(t, h.MustFold(warm, b3)); got != 3 {
		t.Fatalf("warm fold = %d, want 3", got)
	}

	// The warm fold fetched only the (B1, B3] range: one Logs call.
	if calls := h.Chain.LogsCalls.Load() - before; calls != 1 {
		t.Fatalf("warm fold made %d Logs calls, want 1", calls)
	}

	// An exact cache hit makes no further accessor calls.
	before = h.Chain.LogsCalls.Load()
	if got := count(t, h.MustFold(warm, b3)); got != 3 {
		t.Fatalf("cached fold = %d, want 3", got)
	}
	if calls := h.Chain.LogsCalls.Load() - before; calls != 0 {
		t.Fatalf("cache hit made %d Logs calls, want 0", calls)
	}
}

func TestFold_Deterministic(t *testing.T) {
	h := foldtest.NewHarness(t)
	h.Chain.Extend(3)
	h.Chain.Extend(1)
	tip := h.Chain.Extend(4)

	a := h.MustFold(h.NewQuery(countReducer{}, 4), tip)
	b := h.MustFold(h.NewQuery(countReducer{}, 4), tip)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("two cold folds diverged: %v vs %v", a, b)
	}
}

func TestFold_CacheTransparency(t *testing.T) {
	h := foldtest.NewHarness(t)
	var blocks []types.BlockID
	for i := 0; i < 6; i++ {
		blocks = append(blocks, h.Chain.Extend(i%3))
	}
	tip := blocks[len(blocks)-1]

	coldSnap := h.MustFold(h.NewQuery(countReducer{}, 8), tip)

	// Warming any ancestor first must not change the result.
	for _, a := range blocks[:len(blocks)-1] {
		q := h.NewQuery(countReducer{}, 8)
		h.MustFold(q, a)
		if got := h.MustFold(q, tip); got.State != coldSnap.State {
			t.Fatalf("warm-via-%d fold = %v, want %v", a.Number, got.State, coldSnap.State)
		}
	}
}

func TestFold_ReorgScenario(t *testing.T) {
	// G -> B1(2) -> B2(0) -> B3(1), then reorg to B2'(5) -> B3'(0).
	h := foldtest.NewHarness(t)
	b1 := h.Chain.Extend(2)
	b2 := h.Chain.Extend(0)
	b3 := h.Chain.Extend(1)

	q := h.NewQuery(countReducer{}, 8)
	h.MustFold(q, b1) // cache B1 -> 2
	if got := count(t, h.MustFold(q, b3)); got != 3 {
		t.Fatalf("pre-reorg fold = %d, want 3", got)
	}

	tip := h.Chain.Reorg(2, 5, 0) // drop B2,B3; mint B2'(5), B3'(0)
	if got := count(t, h.MustFold(q, tip)); got != 7 {
		t.Fatalf("post-reorg fold = %d, want 2+5+0=7", got)
	}

	// Stale entries keyed to the orphaned branch are evicted; the
	// shared ancestor survives.
	if _, _, ok := q.Store.Get(b2); ok {
		t.Fatal("orphaned B2 entry survived the reorg")
	}
	if _, _, ok := q.Store.Get(b3); ok {
		t.Fatal("orphaned B3 entry survived the reorg")
	}
	if _, _, ok := q.Store.Get(b1); !ok {
		t.Fatal("entry at the shared ancestor must survive")
	}
}

func TestFold_ConfirmedImmutability(t *testing.T) {
	h := foldtest.NewHarness(t)
	h.Chain.Extend(1)
	b2 := h.Chain.Extend(2)
	h.Chain.Extend(0)
	h.Chain.Extend(0)
	tip := h.Chain.Extend(1)

	q := h.NewQuery(countReducer{}, 2)
	h.MustFold(q, b2)  // cache at B2
	h.MustFold(q, tip) // head buries B2 by 3 >= depth 2: promoted

	if _, tier, ok := q.Store.Get(b2); !ok || tier != types.TierConfirmed {
		t.Fatalf("B2 should be Confirmed, got tier=%v ok=%v", tier, ok)
	}
	confirmed, _, _ := q.Store.Get(b2)

	// A reorg shallower than the confirmation depth must not roll the
	// Confirmed entry back. (This is the configured confirmation
	// policy's assumption, not an absolute finality guarantee.)
	newTip := h.Chain.Reorg(1, 2)
	h.MustFold(q, newTip)

	after, tier, ok := q.Store.Get(b2)
	if !ok || tier != types.TierConfirmed {
		t.Fatal("Confirmed entry was rolled back by a shallow reorg")
	}
	if !reflect.DeepEqual(after.State, confirmed.State) {
		t.Fatalf("Confirmed state changed: %v -> %v", confirmed.State, after.State)
	}
}

func TestFold_DifferentBranchBelowConfirmed(t *testing.T) {
	// A target below a Confirmed entry's number but on a different
	// branch folds fresh from the deepest shared ancestor.
	h := foldtest.NewHarness(t)
	b1 := h.Chain.Extend(1)
	h.Chain.Extend(1)
	h.Chain.Extend(1)
	tip := h.Chain.Extend(1)

	q := h.NewQuery(countReducer{}, 1)
	h.MustFold(q, b1)
	h.MustFold(q, tip) // b1 promoted (depth 3 >= 1)

	// Fork off b1 with one block carrying 4 events.
	forkTip := h.Chain.Reorg(3, 4)
	if forkTip.Number >= tip.Number {
		t.Fatalf("fork tip %d should be below old tip %d", forkTip.Number, tip.Number)
	}
	if got := count(t, h.MustFold(q, forkTip)); got != 5 {
		t.Fatalf("fork fold = %d, want 1+4=5", got)
	}
}

func TestFold_RangeSubdivision(t *testing.T) {
	h := foldtest.NewHarness(t)
	for i := 0; i < 7; i++ {
		h.Chain.Extend(1)
	}
	h.Chain.SetRangeLimit(2)

	q := h.NewQuery(countReducer{}, 8)
	if got := count(t, h.MustFoldHead(q)); got != 7 {
		t.Fatalf("fold = %d, want 7", got)
	}
	if calls := h.Chain.LogsCalls.Load(); calls < 4 {
		t.Fatalf("expected subdivided Logs calls, got %d", calls)
	}
}

func TestFold_ZeroLengthRange(t *testing.T) {
	h := foldtest.NewHarness(t)
	q := h.NewQuery(countReducer{}, 4)

	snap := h.MustFold(q, h.Chain.Genesis())
	if got := count(t, snap); got != 0 {
		t.Fatalf("fold at genesis = %d, want initial state 0", got)
	}
	if h.Chain.LogsCalls.Load() != 0 {
		t.Fatal("zero-length fold must not fetch logs")
	}
}

func TestFold_ReducerFault(t *testing.T) {
	h := foldtest.NewHarness(t)
	h.Chain.Extend(1)
	h.Chain.ExtendEvents(types.Event{Kind: "poison"})
	tip := h.Chain.Tip()

	q := h.NewQuery(faultyReducer{}, 4)
	_, err := h.Engine.Fold(context.Background(), q, tip)

	var rf *statefold.ReducerFaultError
	if !errors.As(err, &rf) {
		t.Fatalf("expected ReducerFaultError, got %v", err)
	}
	if !statefold.IsFatal(err) {
		t.Fatal("reducer faults must classify as fatal")
	}
	// The failed fold must not have cached a partial result.
	if _, _, ok := q.Store.Get(tip); ok {
		t.Fatal("partial fold result was cached")
	}
}

func TestFold_TransientFailurePropagates(t *testing.T) {
	h := foldtest.NewHarness(t)
	tip := h.Chain.Extend(1)

	h.Chain.FailNext(1, errors.New("connection reset"))
	q := h.NewQuery(countReducer{}, 4)
	_, err := h.Engine.Fold(context.Background(), q, tip)
	if !statefold.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	// The next attempt succeeds from scratch.
	if got := count(t, h.MustFold(q, tip)); got != 1 {
		t.Fatalf("retry fold = %d, want 1", got)
	}
}

func TestQuery_StateKey(t *testing.T) {
	f := types.LogFilter{Kinds: []string{"transfer"}}
	a := engine.Query{Filter: f, Reducer: countReducer{}}
	b := engine.Query{Filter: f, Reducer: countReducer{}}
	c := engine.Query{Filter: f, Reducer: faultyReducer{}}
	d := engine.Query{Reducer: countReducer{}}

	if a.StateKey() != b.StateKey() {
		t.Fatal("identical filter+reducer must share a state key")
	}
	if a.StateKey() == c.StateKey() {
		t.Fatal("different reducers must not share a state key")
	}
	if a.StateKey() == d.StateKey() {
		t.Fatal("different filters must not share a state key")
	}
}
