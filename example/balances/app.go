// Package balances implements a token ledger reducer: it folds mint,
// burn, and transfer events into per-account balances. Unlike the
// counter example it can fail: a malformed or overdrawing event is a
// deterministic reducer fault, not something a retry can fix.
//
// Event format (attribute values are decimal strings):
//
//	kind "mint":     to, amount
//	kind "burn":     from, amount
//	kind "transfer": from, to, amount
package balances

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/types"
)

// Compile-time interface checks.
var (
	_ statefold.Reducer    = Reducer{}
	_ statefold.StateCodec = Reducer{}
)

// Kinds matched by Filter.
const (
	KindMint     = "mint"
	KindBurn     = "burn"
	KindTransfer = "transfer"
)

// Account is one ledger entry. Accounts are kept sorted by name so
// equal states have equal encodings.
type Account struct {
	Name    string `cramberry:"1"`
	Balance uint64 `cramberry:"2"`
}

// State is the ledger's fold state.
type State struct {
	Accounts []Account `cramberry:"1"`
	Supply   uint64    `cramberry:"2"`
}

// Balance returns the balance of one account, zero if absent.
func (s State) Balance(name string) uint64 {
	i, ok := s.find(name)
	if !ok {
		return 0
	}
	return s.Accounts[i].Balance
}

func (s State) find(name string) (int, bool) {
	i := sort.Search(len(s.Accounts), func(i int) bool { return s.Accounts[i].Name >= name })
	return i, i < len(s.Accounts) && s.Accounts[i].Name == name
}

func (s *State) credit(name string, amount uint64) {
	i, ok := s.find(name)
	if ok {
		s.Accounts[i].Balance += amount
		return
	}
	s.Accounts = append(s.Accounts, Account{})
	copy(s.Accounts[i+1:], s.Accounts[i:])
	s.Accounts[i] = Account{Name: name, Balance: amount}
}

func (s *State) debit(name string, amount uint64) error {
	i, ok := s.find(name)
	if !ok || s.Accounts[i].Balance < amount {
		return fmt.Errorf("balances: %q overdraws by event (balance %d, amount %d)",
			name, s.Balance(name), amount)
	}
	s.Accounts[i].Balance -= amount
	return nil
}

// Filter matches exactly the ledger event kinds.
func Filter() types.LogFilter {
	return types.LogFilter{Kinds: []string{KindMint, KindBurn, KindTransfer}}
}

// Reducer folds ledger events. It is stateless; all state lives in the
// fold.
type Reducer struct{}

func (Reducer) InitialState() any { return State{} }

func (Reducer) Apply(state any, block types.BlockID, events []types.Event) (any, error) {
	s := state.(State)
	next := State{
		Accounts: append([]Account(nil), s.Accounts...),
		Supply:   s.Supply,
	}
	for _, ev := range events {
		if err := next.apply(ev); err != nil {
			return nil, fmt.Errorf("block %d event %d: %w", block.Number, ev.Index, err)
		}
	}
	return next, nil
}

func (s *State) apply(ev types.Event) error {
	amount, err := amountOf(ev)
	if err != nil {
		return err
	}
	switch ev.Kind {
	case KindMint:
		to, err := attr(ev, "to")
		if err != nil {
			return err
		}
		s.credit(to, amount)
		s.Supply += amount
	case KindBurn:
		from, err := attr(ev, "from")
		if err != nil {
			return err
		}
		if err := s.debit(from, amount); err != nil {
			return err
		}
		s.Supply -= amount
	case KindTransfer:
		from, err := attr(ev, "from")
		if err != nil {
			return err
		}
		to, err := attr(ev, "to")
		if err != nil {
			return err
		}
		if err := s.debit(from, amount); err != nil {
			return err
		}
		s.credit(to, amount)
	default:
		return fmt.Errorf("balances: unexpected event kind %q", ev.Kind)
	}
	return nil
}

func attr(ev types.Event, key string) (string, error) {
	v, ok := ev.Attribute(key)
	if !ok || v == "" {
		return "", fmt.Errorf("balances: %s event missing %q attribute", ev.Kind, key)
	}
	return v, nil
}

func amountOf(ev types.Event) (uint64, error) {
	raw, err := attr(ev, "amount")
	if err != nil {
		return 0, err
	}
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("balances: malformed amount %q: %w", raw, err)
	}
	return amount, nil
}

// --- statefold.StateCodec ---

func (Reducer) EncodeState(state any) ([]byte, error) {
	s, ok := state.(State)
	if !ok {
		return nil, fmt.Errorf("balances: cannot encode %T", state)
	}
	return cramberry.Marshal(s)
}

func (Reducer) DecodeState(data []byte) (any, error) {
	var s State
	if err := cramberry.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("balances: decode state: %w", err)
	}
	return s, nil
}
