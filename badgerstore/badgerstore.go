// Package badgerstore backs the snapshot cache with a badger key-value
// database, so Confirmed state survives restarts instead of being
// refolded from genesis.
//
// One database holds many keyspaces: queries sharing a filter+reducer
// fingerprint share a keyspace, mirroring how the dispatcher shares
// in-memory stores. Values are cramberry-encoded.
package badgerstore

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/blockberries/statefold/cache"
	"github.com/blockberries/statefold/types"
)

// Store wraps a badger database. Obtain per-query persistence handles
// with Keyspace.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a badger database at dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a non-durable database, useful in tests.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open in-memory: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Keyspace returns a cache.Persistence scoped to the given state key
// (a filter+reducer fingerprint).
func (s *Store) Keyspace(space types.Hash) cache.Persistence {
	return &keyspace{db: s.db, prefix: append([]byte("sf/"), space[:8]...)}
}

// record is the stored value layout.
type record struct {
	State []byte `cramberry:"1"`
	Tier  uint8  `cramberry:"2"`
}

type keyspace struct {
	db     *badger.DB
	prefix []byte
}

func (k *keyspace) key(b types.BlockID) []byte {
	return append(append([]byte{}, k.prefix...), b.Hash[:]...)
}

func (k *keyspace) Load(b types.BlockID) ([]byte, types.Tier, bool, error) {
	var rec record
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k.key(b))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cramberry.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("badgerstore: load block %s: %w", b.Hash.Short(), err)
	}
	return rec.State, types.Tier(rec.Tier), true, nil
}

func (k *keyspace) Store(b types.BlockID, data []byte, tier types.Tier) error {
	val, err := cramberry.Marshal(record{State: data, Tier: uint8(tier)})
	if err != nil {
		return fmt.Errorf("badgerstore: encode block %s: %w", b.Hash.Short(), err)
	}
	err = k.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k.key(b), val)
	})
	if err != nil {
		return fmt.Errorf("badgerstore: store block %s: %w", b.Hash.Short(), err)
	}
	return nil
}

func (k *keyspace) Delete(b types.BlockID) error {
	err := k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k.key(b))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("badgerstore: delete block %s: %w", b.Hash.Short(), err)
	}
	return nil
}
