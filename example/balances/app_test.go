package balances_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/blocktree"
	"github.com/blockberries/statefold/dispatcher"
	"github.com/blockberries/statefold/example/balances"
	foldtest "github.com/blockberries/statefold/testing"
	"github.com/blockberries/statefold/types"
)

func mint(to string, amount string) types.Event {
	return types.Event{Kind: balances.KindMint, Attributes: []types.EventAttribute{
		{Key: "to", Value: to},
		{Key: "amount", Value: amount},
	}}
}

func transfer(from, to, amount string) types.Event {
	return types.Event{Kind: balances.KindTransfer, Attributes: []types.EventAttribute{
		{Key: "from", Value: from},
		{Key: "to", Value: to},
		{Key: "amount", Value: amount},
	}}
}

func burn(from, amount string) types.Event {
	return types.Event{Kind: balances.KindBurn, Attributes: []types.EventAttribute{
		{Key: "from", Value: from},
		{Key: "amount", Value: amount},
	}}
}

func TestReducerCompliance(t *testing.T) {
	foldtest.RunReducerCompliance(t,
		func() statefold.Reducer { return balances.Reducer{} },
		[][]types.Event{
			{mint("alice", "1000")},
			{transfer("alice", "bob", "250"), burn("alice", "100")},
			{},
		},
	)
}

func TestLedgerFold(t *testing.T) {
	h := foldtest.NewHarness(t)
	q := h.NewQuery(balances.Reducer{}, 2)
	q.Filter = balances.Filter()

	h.Chain.ExtendEvents(mint("alice", "1000"))
	h.Chain.ExtendEvents(
		transfer("alice", "bob", "250"),
		burn("bob", "50"),
	)

	snap := h.MustFoldHead(q)
	s := snap.State.(balances.State)
	if got := s.Balance("alice"); got != 750 {
		t.Fatalf("alice = %d, want 750", got)
	}
	if got := s.Balance("bob"); got != 200 {
		t.Fatalf("bob = %d, want 200", got)
	}
	if s.Supply != 950 {
		t.Fatalf("supply = %d, want 950", s.Supply)
	}
	if got := s.Balance("carol"); got != 0 {
		t.Fatalf("carol = %d, want 0", got)
	}
}

func TestLedgerFilterSkipsOtherKinds(t *testing.T) {
	h := foldtest.NewHarness(t)
	q := h.NewQuery(balances.Reducer{}, 2)
	q.Filter = balances.Filter()

	h.Chain.ExtendEvents(
		mint("alice", "10"),
		types.Event{Kind: "irrelevant"},
	)

	snap := h.MustFoldHead(q)
	if s := snap.State.(balances.State); s.Supply != 10 {
		t.Fatalf("supply = %d, want 10 (unmatched kinds ignored)", s.Supply)
	}
}

func TestLedgerFaults(t *testing.T) {
	cases := []struct {
		name string
		evs  []types.Event
	}{
		{"overdraw", []types.Event{mint("alice", "10"), transfer("alice", "bob", "11")}},
		{"malformed amount", []types.Event{mint("alice", "ten")}},
		{"missing attribute", []types.Event{{Kind: balances.KindMint}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := foldtest.NewHarness(t)
			q := h.NewQuery(balances.Reducer{}, 2)
			q.Filter = balances.Filter()

			h.Chain.ExtendEvents(tc.evs...)
			_, err := h.Engine.Fold(context.Background(), q, h.Chain.Tip())
			var fault *statefold.ReducerFaultError
			if !errors.As(err, &fault) {
				t.Fatalf("Fold error = %v, want reducer fault", err)
			}
		})
	}
}

// A ledger fault freezes the query permanently: replaying the same
// chain can only fail the same way.
func TestLedgerFaultFreezesQuery(t *testing.T) {
	chain := foldtest.NewChain()
	tree := blocktree.New(blocktree.Config{Genesis: chain.Genesis()})
	d := dispatcher.New(zerolog.Nop(), chain, tree, dispatcher.Config{})

	chain.ExtendEvents(mint("alice", "100"))
	id := d.Subscribe(balances.Filter(), balances.Reducer{}, 2)
	if err := d.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	chain.ExtendEvents(transfer("alice", "bob", "500"))
	if err := d.Sync(context.Background()); err == nil {
		t.Fatal("overdraw should fail the sync")
	}

	snap, st, err := d.GetState(id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Phase != dispatcher.PhaseFaulted {
		t.Fatalf("phase = %v, want Faulted", st.Phase)
	}
	// The pre-fault state is still served.
	if !st.HasState {
		t.Fatal("pre-fault state should survive")
	}
	if got := snap.State.(balances.State).Balance("alice"); got != 100 {
		t.Fatalf("frozen alice = %d, want 100", got)
	}
}
