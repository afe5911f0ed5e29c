package types

// EventAttribute is a single key-value tag within an event.
type EventAttribute struct {
	Key   string `cramberry:"1"`
	Value string `cramberry:"2"`
}

// Event is a single log entry emitted within a block, tagged with the
// BlockID that produced it.
type Event struct {
	Block      BlockID          `cramberry:"1"`
	Index      uint32           `cramberry:"2"` // position within the block
	Kind       string           `cramberry:"3"`
	Attributes []EventAttribute `cramberry:"4"`
	Data       []byte           `cramberry:"5"`
}

// Attribute returns the value of the first attribute with the given
// key, if present.
func (e Event) Attribute(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// EventBatch holds all matching log entries within a contiguous block
// range [From, To.Number], tagged with the BlockID of the upper bound
// observed at fetch time. Events are ordered by block number, then by
// index within the block.
type EventBatch struct {
	From   uint64  `cramberry:"1"`
	To     BlockID `cramberry:"2"`
	Events []Event `cramberry:"3"`
}
