package foldgrpc_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/blocktree"
	"github.com/blockberries/statefold/cache"
	"github.com/blockberries/statefold/engine"
	foldgrpc "github.com/blockberries/statefold/grpc"
	foldtest "github.com/blockberries/statefold/testing"
	"github.com/blockberries/statefold/types"
)

// startServer starts a gRPC server on a random port and returns the
// listener address and a cleanup function.
func startServer(t *testing.T, chain statefold.ChainAccessor) (string, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := grpc.NewServer()
	foldgrpc.NewServer(zerolog.Nop(), chain).Register(s)

	go func() {
		_ = s.Serve(lis)
	}()

	return lis.Addr().String(), func() {
		s.GracefulStop()
	}
}

func dial(t *testing.T, addr string) *foldgrpc.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := foldgrpc.Dial(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return client
}

func TestGRPC_HeadAndHeaders(t *testing.T) {
	chain := foldtest.NewChain()
	addr, cleanup := startServer(t, chain)
	defer cleanup()

	client := dial(t, addr)
	defer client.Close()

	ctx := context.Background()
	b1 := chain.Extend(2)

	head, err := client.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if !head.SameAs(b1) {
		t.Fatalf("head = %+v, want %+v", head, b1)
	}

	byHash, err := client.HeaderByHash(ctx, b1.Hash)
	if err != nil {
		t.Fatalf("HeaderByHash: %v", err)
	}
	if !byHash.ID.SameAs(b1) {
		t.Fatalf("header = %+v, want %+v", byHash.ID, b1)
	}

	byNumber, err := client.HeaderByNumber(ctx, 1)
	if err != nil {
		t.Fatalf("HeaderByNumber: %v", err)
	}
	if byNumber.ID.Hash != b1.Hash {
		t.Fatalf("header by number = %+v, want %+v", byNumber.ID, b1)
	}
}

func TestGRPC_HeaderCache(t *testing.T) {
	chain := foldtest.NewChain()
	addr, cleanup := startServer(t, chain)
	defer cleanup()

	client := dial(t, addr)
	defer client.Close()

	ctx := context.Background()
	b1 := chain.Extend(0)

	if _, err := client.HeaderByHash(ctx, b1.Hash); err != nil {
		t.Fatalf("HeaderByHash: %v", err)
	}
	served := chain.HeaderCalls.Load()
	if _, err := client.HeaderByHash(ctx, b1.Hash); err != nil {
		t.Fatalf("HeaderByHash (cached): %v", err)
	}
	if got := chain.HeaderCalls.Load(); got != served {
		t.Fatalf("second lookup reached the server: %d calls", got-served)
	}
}

func TestGRPC_ErrorTaxonomyRoundTrip(t *testing.T) {
	chain := foldtest.NewChain()
	addr, cleanup := startServer(t, chain)
	defer cleanup()

	client := dial(t, addr)
	defer client.Close()

	ctx := context.Background()
	chain.Extend(1)

	// Unknown hash maps to NotFound.
	_, err := client.HeaderByHash(ctx, types.HashOf([]byte("nope")))
	if !statefold.IsNotFound(err) {
		t.Fatalf("unknown hash error = %v, want NotFound", err)
	}

	// Range refusal maps to RangeTooLarge, with the requested bounds
	// reconstructed for subdivision.
	chain.SetRangeLimit(1)
	chain.Extend(1)
	_, err = client.Logs(ctx, types.LogFilter{}, 0, 2)
	var tooLarge *statefold.RangeTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("wide range error = %v, want RangeTooLarge", err)
	}
	if tooLarge.From != 0 || tooLarge.To != 2 {
		t.Fatalf("bounds = %d-%d, want 0-2", tooLarge.From, tooLarge.To)
	}
	chain.SetRangeLimit(0)

	// Injected failures map to Transient.
	chain.FailNext(1, context.DeadlineExceeded)
	_, err = client.Head(ctx)
	if !statefold.IsTransient(err) {
		t.Fatalf("injected failure = %v, want Transient", err)
	}
}

func TestGRPC_NewHeadsStream(t *testing.T) {
	chain := foldtest.NewChain()
	addr, cleanup := startServer(t, chain)
	defer cleanup()

	client := dial(t, addr)
	defer client.Close()

	heads, cancel, err := client.SubscribeNewHeads(context.Background())
	if err != nil {
		t.Fatalf("SubscribeNewHeads: %v", err)
	}
	defer cancel()

	// The server-side subscription is registered asynchronously; mint
	// until an announcement comes through.
	deadline := time.After(5 * time.Second)
	for {
		tip := chain.Extend(0)
		select {
		case got := <-heads:
			if got.Number == 0 || got.Number > tip.Number {
				t.Fatalf("announced head %+v, tip %+v", got, tip)
			}
			return
		case <-deadline:
			t.Fatal("no head announcement")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGRPC_FoldThroughClient(t *testing.T) {
	chain := foldtest.NewChain()
	addr, cleanup := startServer(t, chain)
	defer cleanup()

	client := dial(t, addr)
	defer client.Close()

	chain.Extend(2)
	chain.Extend(3)

	tree := blocktree.New(blocktree.Config{Genesis: chain.Genesis()})
	eng := engine.New(zerolog.Nop(), client, tree)
	q := &engine.Query{
		Filter:            types.LogFilter{},
		Reducer:           sumReducer{},
		ConfirmationDepth: 1,
		Store:             cache.New(),
	}

	snap, err := eng.Fold(context.Background(), q, chain.Tip())
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if got := snap.State.(int); got != 5 {
		t.Fatalf("state = %d, want 5", got)
	}
}

type sumReducer struct{}

func (sumReducer) InitialState() any { return 0 }

func (sumReducer) Apply(state any, _ types.BlockID, events []types.Event) (any, error) {
	return state.(int) + len(events), nil
}
