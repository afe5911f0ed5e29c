package cache

import "github.com/blockberries/statefold/types"

// Persistence is the optional disk backing for a Store. Implementations
// deal in encoded state bytes; the Store pairs them with a
// statefold.StateCodec.
//
// Absence of a Persistence is acceptable: Confirmed entries are simply
// recomputed from the nearest available ancestor on first run.
type Persistence interface {
	// Load returns the encoded state and tier stored for the block,
	// with ok=false on a clean miss.
	Load(block types.BlockID) (data []byte, tier types.Tier, ok bool, err error)

	// Store writes the encoded state for the block, overwriting any
	// prior value and tier.
	Store(block types.BlockID, data []byte, tier types.Tier) error

	// Delete removes the block's entry. Deleting a missing entry is
	// not an error.
	Delete(block types.BlockID) error
}
