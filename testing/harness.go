package foldtest

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/blocktree"
	"github.com/blockberries/statefold/cache"
	"github.com/blockberries/statefold/engine"
	"github.com/blockberries/statefold/types"
)

// Harness wires a mock chain, an ancestry index, and a fold engine for
// component tests.
type Harness struct {
	t      *testing.T
	Chain  *Chain
	Tree   *blocktree.Tree
	Engine *engine.Engine
}

// NewHarness creates a harness with a fresh chain at genesis.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	chain := NewChain()
	tree := blocktree.New(blocktree.Config{Genesis: chain.Genesis()})
	return &Harness{
		t:      t,
		Chain:  chain,
		Tree:   tree,
		Engine: engine.New(zerolog.Nop(), chain, tree),
	}
}

// NewQuery builds a query over a fresh in-memory store, matching every
// event.
func (h *Harness) NewQuery(r statefold.Reducer, confirmationDepth uint64) *engine.Query {
	h.t.Helper()
	return &engine.Query{
		Reducer:           r,
		ConfirmationDepth: confirmationDepth,
		Store:             cache.New(),
	}
}

// MustFold folds the query at target and fails the test on error.
func (h *Harness) MustFold(q *engine.Query, target types.BlockID) types.Snapshot {
	h.t.Helper()
	snap, err := h.Engine.Fold(context.Background(), q, target)
	if err != nil {
		h.t.Fatalf("Fold(number %d): %v", target.Number, err)
	}
	return snap
}

// MustFoldHead folds the query at the chain's canonical tip.
func (h *Harness) MustFoldHead(q *engine.Query) types.Snapshot {
	h.t.Helper()
	return h.MustFold(q, h.Chain.Tip())
}
