// Package foldtest provides test utilities for statefold development:
// a scriptable in-memory chain with fork and failure injection, a test
// harness, and a reducer compliance suite.
package foldtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/types"
)

// Compile-time checks that Chain satisfies the accessor interfaces.
var (
	_ statefold.ChainAccessor = (*Chain)(nil)
	_ statefold.HeadSource    = (*Chain)(nil)
)

// Chain is a scriptable in-memory blockchain implementing
// statefold.ChainAccessor and statefold.HeadSource.
//
// Extend mints blocks on the canonical tip; Reorg rewinds the tip and
// mints a replacement branch; orphaned blocks stay resolvable by hash,
// as on a real node. FailNext injects transient failures, and
// SetRangeLimit makes Logs refuse wide ranges, to exercise the
// subdivision and retry paths.
type Chain struct {
	mu        sync.Mutex
	headers   map[types.Hash]types.Header
	events    map[types.Hash][]types.Event
	canonical []types.BlockID // index == block number
	nonce     uint64          // disambiguates sibling blocks
	start     time.Time

	failN   int
	failErr error

	rangeLimit uint64 // 0 = serve any span

	subs []chan types.BlockID

	// Call counters, for asserting cache effectiveness.
	HeadCalls   atomic.Int64
	HeaderCalls atomic.Int64
	LogsCalls   atomic.Int64
}

// NewChain creates a chain holding only its genesis block (number 0).
func NewChain() *Chain {
	c := &Chain{
		headers: make(map[types.Hash]types.Header),
		events:  make(map[types.Hash][]types.Event),
		start:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	g := types.BlockID{Hash: types.HashOf([]byte("foldtest/genesis")), Number: 0}
	c.headers[g.Hash] = types.Header{ID: g, Time: types.TimeToTimestamp(c.start)}
	c.canonical = []types.BlockID{g}
	return c
}

// Genesis returns the genesis block.
func (c *Chain) Genesis() types.BlockID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canonical[0]
}

// Tip returns the canonical head without going through the accessor
// interface (no failure injection, no call counting).
func (c *Chain) Tip() types.BlockID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canonical[len(c.canonical)-1]
}

// Extend mints one block on the canonical tip carrying nEvents events
// of kind "test", and notifies head subscribers. Returns the new tip.
func (c *Chain) Extend(nEvents int) types.BlockID {
	evs := make([]types.Event, nEvents)
	for i := range evs {
		evs[i] = types.Event{Kind: "test"}
	}
	return c.ExtendEvents(evs...)
}

// ExtendEvents mints one block on the canonical tip carrying the given
// events. Block and Index fields are stamped by the chain.
func (c *Chain) ExtendEvents(evs ...types.Event) types.BlockID {
	c.mu.Lock()
	tip := c.mintLocked(evs)
	subs := append([]chan types.BlockID(nil), c.subs...)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tip:
		default:
		}
	}
	return tip
}

// Reorg rewinds the canonical chain by drop blocks and mints one
// replacement block per element of eventsPerBlock, each carrying that
// many "test" events. The dropped blocks remain resolvable by hash.
// Returns the new tip.
func (c *Chain) Reorg(drop int, eventsPerBlock ...int) types.BlockID {
	c.mu.Lock()
	if drop >= len(c.canonical) {
		c.mu.Unlock()
		panic("foldtest: cannot reorg below genesis")
	}
	c.canonical = c.canonical[:len(c.canonical)-drop]
	var tip types.BlockID
	for _, n := range eventsPerBlock {
		evs := make([]types.Event, n)
		for i := range evs {
			evs[i] = types.Event{Kind: "test"}
		}
		tip = c.mintLocked(evs)
	}
	subs := append([]chan types.BlockID(nil), c.subs...)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tip:
		default:
		}
	}
	return tip
}

func (c *Chain) mintLocked(evs []types.Event) types.BlockID {
	parent := c.canonical[len(c.canonical)-1]
	c.nonce++
	b := types.BlockID{
		Hash:       types.HashOf([]byte(fmt.Sprintf("foldtest/%s/%d/%d", parent.Hash, parent.Number+1, c.nonce))),
		Number:     parent.Number + 1,
		ParentHash: parent.Hash,
	}
	for i := range evs {
		evs[i].Block = b
		evs[i].Index = uint32(i)
	}
	c.headers[b.Hash] = types.Header{
		ID:   b,
		Time: types.TimeToTimestamp(c.start.Add(time.Duration(b.Number) * 12 * time.Second)),
	}
	c.events[b.Hash] = evs
	c.canonical = append(c.canonical, b)
	return b
}

// FailNext makes the next n accessor calls fail with err (wrapped as
// transient if it is not already classified).
func (c *Chain) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failN = n
	c.failErr = err
}

// SetRangeLimit makes Logs fail with RangeTooLargeError for spans
// wider than limit blocks. Zero restores unlimited spans.
func (c *Chain) SetRangeLimit(limit uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rangeLimit = limit
}

func (c *Chain) injectLocked() error {
	if c.failN <= 0 {
		return nil
	}
	c.failN--
	if statefold.IsTransient(c.failErr) {
		return c.failErr
	}
	return statefold.Transient("mock chain", c.failErr)
}

// --- statefold.ChainAccessor ---

func (c *Chain) Head(_ context.Context) (types.BlockID, error) {
	c.HeadCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectLocked(); err != nil {
		return types.BlockID{}, err
	}
	return c.canonical[len(c.canonical)-1], nil
}

func (c *Chain) HeaderByHash(_ context.Context, hash types.Hash) (types.Header, error) {
	c.HeaderCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectLocked(); err != nil {
		return types.Header{}, err
	}
	h, ok := c.headers[hash]
	if !ok {
		return types.Header{}, &statefold.NotFoundError{Ref: hash.Short()}
	}
	return h, nil
}

func (c *Chain) HeaderByNumber(_ context.Context, number uint64) (types.Header, error) {
	c.HeaderCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectLocked(); err != nil {
		return types.Header{}, err
	}
	if number >= uint64(len(c.canonical)) {
		return types.Header{}, &statefold.NotFoundError{Ref: fmt.Sprintf("number %d", number)}
	}
	return c.headers[c.canonical[number].Hash], nil
}

func (c *Chain) Logs(_ context.Context, filter types.LogFilter, from, to uint64) (types.EventBatch, error) {
	c.LogsCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectLocked(); err != nil {
		return types.EventBatch{}, err
	}
	if c.rangeLimit > 0 && to-from+1 > c.rangeLimit {
		return types.EventBatch{}, &statefold.RangeTooLargeError{From: from, To: to}
	}

	batch := types.EventBatch{From: from}
	last := uint64(len(c.canonical) - 1)
	if to > last {
		to = last
	}
	for n := from; n <= to; n++ {
		for _, ev := range c.events[c.canonical[n].Hash] {
			if filter.Matches(ev) {
				batch.Events = append(batch.Events, ev)
			}
		}
	}
	batch.To = c.canonical[to]
	return batch, nil
}

// --- statefold.HeadSource ---

func (c *Chain) SubscribeNewHeads(_ context.Context) (<-chan types.BlockID, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectLocked(); err != nil {
		return nil, nil, err
	}
	ch := make(chan types.BlockID, 64)
	c.subs = append(c.subs, ch)
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}
