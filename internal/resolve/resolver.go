// Package resolve maps the loose entity references produced by a language
// model onto real card IDs.
//
// Models routinely return a character's display name where an ID belongs,
// invent plausible-looking UUIDs, or misspell a name they were shown one
// message earlier. The resolver absorbs all of that through an ordered chain
// of strategies, from exact to increasingly forgiving, and reports failure
// only after the fuzzy stage also comes up empty.
package resolve

import (
	"context"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/loreweave/loreweave/pkg/world"
)

// fuzzyThreshold is the minimum Jaro-Winkler score for the final stage.
// Below this, a wrong match is likelier than a typo.
const fuzzyThreshold = 0.85

// EntityRef is a model-supplied reference to a card: an ID, a name, or both,
// optionally narrowed by card type.
type EntityRef struct {
	ID   string
	Name string
	Type world.CardType
}

// Resolver resolves entity references within one story.
type Resolver struct {
	store world.Store
}

// New returns a Resolver backed by the given store.
func New(store world.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve maps ref onto a card ID within the story. cached may carry cards
// the caller already loaded this turn; pass nil to have the resolver load
// them itself. Returns (uuid.Nil, false) when nothing matches.
//
// Strategies run in order, most exact first:
//
//  1. UUID-shaped ID, verified against the story's cards
//  2. non-UUID ID reinterpreted as a name
//  3. exact (type, name) lookup
//  4. case-insensitive name across all cards
//  5. data-bag scan: name, displayName, aliases, case-insensitive
//  6. fuzzy Jaro-Winkler over names and aliases
func (r *Resolver) Resolve(ctx context.Context, storyID uuid.UUID, ref EntityRef, cached []world.Card) (uuid.UUID, bool) {
	name := strings.TrimSpace(ref.Name)

	if id := strings.TrimSpace(ref.ID); id != "" {
		if parsed, err := uuid.Parse(id); err == nil {
			if cached == nil {
				// No cache to check against. Trust the ID; the store will
				// reject it on use if it is fabricated.
				return parsed, true
			}
			for _, c := range cached {
				if c.ID == parsed {
					return parsed, true
				}
			}
			// A UUID that matches no card is fabricated. Fall through to the
			// name, if one was given.
		} else if name == "" {
			// Models sometimes put the name in the id field.
			name = id
		}
	}
	if name == "" {
		return uuid.Nil, false
	}

	if ref.Type != "" && ref.Type.IsValid() {
		if card, err := r.store.CardByName(ctx, storyID, ref.Type, name); err == nil {
			return card.ID, true
		}
	}

	cards := cached
	if cards == nil {
		loaded, err := r.store.ListCards(ctx, storyID)
		if err != nil {
			return uuid.Nil, false
		}
		cards = loaded
	}

	lower := strings.ToLower(name)
	for _, c := range cards {
		if strings.ToLower(c.Name) == lower {
			return c.ID, true
		}
	}

	for _, c := range cards {
		for _, candidate := range bagNames(c) {
			if strings.ToLower(candidate) == lower {
				return c.ID, true
			}
		}
	}

	best := uuid.Nil
	bestScore := 0.0
	for _, c := range cards {
		for _, candidate := range append([]string{c.Name}, bagNames(c)...) {
			score := matchr.JaroWinkler(lower, strings.ToLower(candidate), false)
			if score >= fuzzyThreshold && score > bestScore {
				best, bestScore = c.ID, score
			}
		}
	}
	if best != uuid.Nil {
		return best, true
	}
	return uuid.Nil, false
}

// bagNames collects the alternate names a card's data bag declares.
func bagNames(c world.Card) []string {
	var out []string
	if n, ok := c.Data["name"].(string); ok && n != "" {
		out = append(out, n)
	}
	if dn := c.Data.DisplayName(); dn != "" {
		out = append(out, dn)
	}
	out = append(out, c.Data.Aliases()...)
	return out
}
