// Package types defines all core data types for statefold: block
// identity, event batches, log filters, and fold snapshots.
//
// These are plain Go structs with cramberry struct tags for
// deterministic binary serialization. Transport concerns (gRPC codec
// registration) are handled in the transport packages, and persistence
// encoding in the store packages.
package types

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Hash is a 32-byte cryptographic hash.
type Hash [32]byte

// HashOf returns the SHA-256 hash of data.
func HashOf(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// String returns the full hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 4 bytes of the hash in hex, for logging.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether the hash is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// QueryID uniquely identifies a live query registered with the
// dispatcher. IDs are never reused, even for identical parameters.
type QueryID string

// NewQueryID generates a fresh random QueryID.
func NewQueryID() QueryID {
	return QueryID(uuid.NewString())
}
