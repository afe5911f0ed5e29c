// Package counter implements a minimal fold reducer that counts
// matched events, grouped by kind. It demonstrates the core Reducer
// interface plus the optional snapshot encoding that enables
// persistent caching.
package counter

import (
	"fmt"
	"sort"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/types"
)

// Compile-time interface checks.
var (
	_ statefold.Reducer    = Reducer{}
	_ statefold.StateCodec = Reducer{}
)

// KindCount is one per-kind tally. Kinds are kept sorted so equal
// states have equal encodings.
type KindCount struct {
	Kind  string `cramberry:"1"`
	Count uint64 `cramberry:"2"`
}

// State is the counter's fold state.
type State struct {
	Total uint64      `cramberry:"1"`
	Kinds []KindCount `cramberry:"2"`
}

// Count returns the tally for one kind.
func (s State) Count(kind string) uint64 {
	i := sort.Search(len(s.Kinds), func(i int) bool { return s.Kinds[i].Kind >= kind })
	if i < len(s.Kinds) && s.Kinds[i].Kind == kind {
		return s.Kinds[i].Count
	}
	return 0
}

// Reducer counts events. It is stateless; all state lives in the fold.
type Reducer struct{}

func (Reducer) InitialState() any { return State{} }

func (Reducer) Apply(state any, _ types.BlockID, events []types.Event) (any, error) {
	s := state.(State)
	next := State{
		Total: s.Total + uint64(len(events)),
		Kinds: append([]KindCount(nil), s.Kinds...),
	}
	for _, ev := range events {
		next.bump(ev.Kind)
	}
	return next, nil
}

func (s *State) bump(kind string) {
	i := sort.Search(len(s.Kinds), func(i int) bool { return s.Kinds[i].Kind >= kind })
	if i < len(s.Kinds) && s.Kinds[i].Kind == kind {
		s.Kinds[i].Count++
		return
	}
	s.Kinds = append(s.Kinds, KindCount{})
	copy(s.Kinds[i+1:], s.Kinds[i:])
	s.Kinds[i] = KindCount{Kind: kind, Count: 1}
}

// --- statefold.StateCodec ---

func (Reducer) EncodeState(state any) ([]byte, error) {
	s, ok := state.(State)
	if !ok {
		return nil, fmt.Errorf("counter: cannot encode %T", state)
	}
	return cramberry.Marshal(s)
}

func (Reducer) DecodeState(data []byte) (any, error) {
	var s State
	if err := cramberry.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("counter: decode state: %w", err)
	}
	return s, nil
}
