package types

import "fmt"

// Tier classifies a cache entry by how settled its block is.
type Tier uint8

const (
	// TierUnconfirmed entries reference blocks that may still be
	// displaced by a reorg. They can be invalidated or superseded.
	TierUnconfirmed Tier = iota
	// TierConfirmed entries reference blocks buried deeper than the
	// query's confirmation depth. They are write-once and never
	// invalidated.
	TierConfirmed
)

func (t Tier) String() string {
	switch t {
	case TierUnconfirmed:
		return "Unconfirmed"
	case TierConfirmed:
		return "Confirmed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Snapshot is an application-defined fold state plus the block it is
// valid as of. The State value is opaque to statefold; it is produced
// only by a reducer's InitialState or Apply.
type Snapshot struct {
	Block BlockID
	State any
}
