package counter_test

import (
	"testing"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/example/counter"
	foldtest "github.com/blockberries/statefold/testing"
	"github.com/blockberries/statefold/types"
)

func TestReducerCompliance(t *testing.T) {
	foldtest.RunReducerCompliance(t,
		func() statefold.Reducer { return counter.Reducer{} },
		[][]types.Event{
			{{Kind: "transfer"}, {Kind: "mint"}},
			{},
			{{Kind: "transfer"}, {Kind: "transfer"}, {Kind: "burn"}},
		},
	)
}

func TestCounterFold(t *testing.T) {
	h := foldtest.NewHarness(t)
	q := h.NewQuery(counter.Reducer{}, 2)

	h.Chain.ExtendEvents(
		types.Event{Kind: "transfer"},
		types.Event{Kind: "mint"},
	)
	h.Chain.ExtendEvents(
		types.Event{Kind: "transfer"},
	)

	snap := h.MustFoldHead(q)
	s := snap.State.(counter.State)
	if s.Total != 3 {
		t.Fatalf("total = %d, want 3", s.Total)
	}
	if s.Count("transfer") != 2 || s.Count("mint") != 1 || s.Count("burn") != 0 {
		t.Fatalf("kind counts wrong: %+v", s.Kinds)
	}
}

func TestCounterSurvivesReorg(t *testing.T) {
	h := foldtest.NewHarness(t)
	q := h.NewQuery(counter.Reducer{}, 2)

	h.Chain.ExtendEvents(types.Event{Kind: "transfer"})
	h.Chain.ExtendEvents(types.Event{Kind: "transfer"})
	h.MustFoldHead(q)

	// Replace the tip with a branch carrying different events.
	h.Chain.Reorg(1, 2, 1)
	snap := h.MustFoldHead(q)
	s := snap.State.(counter.State)

	// One event from the surviving block plus three from the branch.
	if s.Total != 4 {
		t.Fatalf("total after reorg = %d, want 4", s.Total)
	}
}
