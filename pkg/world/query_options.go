package world

// cardQueryOptions accumulates options for [CardStore.ListCards].
// Unexported — callers configure it via [CardQueryOpt] functional options.
type cardQueryOptions struct {
	cardType     CardType
	nameContains string
	limit        int
}

// CardQueryOpt is a functional option for [CardStore.ListCards].
type CardQueryOpt func(*cardQueryOptions)

// WithCardType restricts the returned cards to one type.
// The zero value (the default) returns all types.
func WithCardType(t CardType) CardQueryOpt {
	return func(o *cardQueryOptions) { o.cardType = t }
}

// WithNameContains restricts results to cards whose name contains the given
// substring, case-insensitively. Empty (the default) matches all names.
func WithNameContains(substr string) CardQueryOpt {
	return func(o *cardQueryOptions) { o.nameContains = substr }
}

// WithCardLimit caps the number of cards returned.
// A value of 0 (the default) returns all matches.
func WithCardLimit(n int) CardQueryOpt {
	return func(o *cardQueryOptions) { o.limit = n }
}

// ApplyCardQueryOpts folds opts into a resolved option set. Exported for use
// by store implementations in sub-packages.
func ApplyCardQueryOpts(opts []CardQueryOpt) (cardType CardType, nameContains string, limit int) {
	var o cardQueryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.cardType, o.nameContains, o.limit
}
