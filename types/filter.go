package types

import "github.com/blockberries/cramberry/pkg/cramberry"

// LogFilter selects the events a query folds over. A zero filter
// matches every event.
type LogFilter struct {
	// Kinds restricts matching to events with one of these kinds.
	// Empty means any kind.
	Kinds []string `cramberry:"1"`
	// Attributes that must all be present with equal values.
	Attributes []EventAttribute `cramberry:"2"`
}

// Matches reports whether the event passes the filter.
func (f LogFilter) Matches(e Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, want := range f.Attributes {
		got, ok := e.Attribute(want.Key)
		if !ok || got != want.Value {
			return false
		}
	}
	return true
}

// Fingerprint returns a deterministic identity for the filter, used to
// share cached state between queries with identical parameters.
// Relies on cramberry's deterministic serialization.
func (f LogFilter) Fingerprint() Hash {
	data, err := cramberry.Marshal(f)
	if err != nil {
		// A LogFilter is always serializable; an error here is a
		// cramberry regression.
		panic("statefold: marshal LogFilter: " + err.Error())
	}
	return HashOf(data)
}
