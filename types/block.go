package types

// BlockID uniquely identifies a point in the chain. Two BlockIDs refer
// to the same block iff their hashes match; Number and ParentHash are
// carried so ancestry can be walked without refetching headers.
//
// A BlockID is immutable once observed.
type BlockID struct {
	Hash       Hash   `cramberry:"1"`
	Number     uint64 `cramberry:"2"`
	ParentHash Hash   `cramberry:"3"`
}

// SameAs reports whether b and o identify the same block.
func (b BlockID) SameAs(o BlockID) bool { return b.Hash == o.Hash }

// Header is the block metadata statefold tracks: identity plus the
// block timestamp. Chain-specific header fields (state roots, bloom
// filters, ...) are deliberately not modeled here.
type Header struct {
	ID   BlockID   `cramberry:"1"`
	Time Timestamp `cramberry:"2"`
}

// Segment is an ordered run of blocks from an ancestor to a
// descendant, each element's ParentHash equal to the previous
// element's Hash.
type Segment []BlockID

// Contiguous reports whether the segment has no gaps: strictly
// ascending numbers and matching parent links throughout.
func (s Segment) Contiguous() bool {
	for i := 1; i < len(s); i++ {
		if s[i].Number != s[i-1].Number+1 || s[i].ParentHash != s[i-1].Hash {
			return false
		}
	}
	return true
}

// HashAt returns the hash of the segment element with the given block
// number, if present.
func (s Segment) HashAt(number uint64) (Hash, bool) {
	if len(s) == 0 || number < s[0].Number || number > s[len(s)-1].Number {
		return Hash{}, false
	}
	return s[number-s[0].Number].Hash, true
}
