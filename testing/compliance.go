package foldtest

import (
	"reflect"
	"testing"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/types"
)

// RunReducerCompliance verifies that a reducer honors the contract the
// fold engine relies on: a stable initial state, deterministic Apply,
// and (when the reducer implements statefold.StateCodec) a faithful
// state encoding.
//
// sample holds per-block event lists the reducer must accept; they are
// replayed over a synthetic chain in order.
func RunReducerCompliance(t *testing.T, newReducer func() statefold.Reducer, sample [][]types.Event) {
	t.Helper()

	t.Run("InitialStateStable", func(t *testing.T) {
		r := newReducer()
		a, b := r.InitialState(), r.InitialState()
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("InitialState not stable: %v vs %v", a, b)
		}
	})

	t.Run("ApplyDeterministic", func(t *testing.T) {
		first := replay(t, newReducer(), sample)
		second := replay(t, newReducer(), sample)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("two replays diverged: %v vs %v", first, second)
		}
	})

	t.Run("StateCodecRoundTrip", func(t *testing.T) {
		r := newReducer()
		codec, ok := r.(statefold.StateCodec)
		if !ok {
			t.Skip("reducer does not implement StateCodec")
		}
		state := replay(t, r, sample)
		data, err := codec.EncodeState(state)
		if err != nil {
			t.Fatalf("EncodeState: %v", err)
		}
		back, err := codec.DecodeState(data)
		if err != nil {
			t.Fatalf("DecodeState: %v", err)
		}
		if !reflect.DeepEqual(state, back) {
			t.Fatalf("codec round-trip changed state: %v vs %v", state, back)
		}
	})
}

func replay(t *testing.T, r statefold.Reducer, sample [][]types.Event) any {
	t.Helper()
	state := r.InitialState()
	parent := types.BlockID{Hash: types.HashOf([]byte("compliance/genesis"))}
	for i, evs := range sample {
		b := types.BlockID{
			Hash:       types.HashOf([]byte{byte(i), 0xC0}),
			Number:     uint64(i + 1),
			ParentHash: parent.Hash,
		}
		for j := range evs {
			evs[j].Block = b
			evs[j].Index = uint32(j)
		}
		var err error
		state, err = r.Apply(state, b, evs)
		if err != nil {
			t.Fatalf("Apply(block %d): %v", i+1, err)
		}
		parent = b
	}
	return state
}
