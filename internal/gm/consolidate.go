package gm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loreweave/loreweave/internal/embedq"
	"github.com/loreweave/loreweave/pkg/structured"
	"github.com/loreweave/loreweave/pkg/world"
)

// Consolidator is the periodic card hygiene sweep. Models occasionally
// re-create a character under a differently-cased name, and long merges
// accumulate keys whose values have gone empty; neither heals through the
// normal upsert path, which merges and only adds.
type Consolidator struct {
	store     world.Store
	refresher *embedq.Refresher
	queue     *embedq.Queue
}

// NewConsolidator returns a sweep over the given store.
func NewConsolidator(store world.Store, refresher *embedq.Refresher, queue *embedq.Queue) *Consolidator {
	return &Consolidator{store: store, refresher: refresher, queue: queue}
}

// Run consolidates one story's character cards: case-insensitive duplicate
// names collapse into the oldest card (data bags merged, duplicates
// deleted), then every surviving character's bag is pruned of empty keys.
func (c *Consolidator) Run(ctx context.Context, storyID uuid.UUID) error {
	cards, err := c.store.ListCards(ctx, storyID, world.WithCardType(world.CardCharacter))
	if err != nil {
		return fmt.Errorf("gm: consolidate: list characters: %w", err)
	}

	groups := map[string][]world.Card{}
	for _, card := range cards {
		key := strings.ToLower(strings.TrimSpace(card.Name))
		groups[key] = append(groups[key], card)
	}

	for _, group := range groups {
		canonical := group[0]
		for _, card := range group[1:] {
			if card.CreatedAt.Before(canonical.CreatedAt) {
				canonical = card
			}
		}

		merged := canonical.Data
		for _, card := range group {
			if card.ID == canonical.ID {
				continue
			}
			merged = structured.MergeMaps(merged, card.Data)
		}

		pruned := structured.Prune(merged)
		changed := len(group) > 1 ||
			structured.CanonicalKey(map[string]any(canonical.Data)) != structured.CanonicalKey(pruned)
		if changed {
			if _, err := c.store.ReplaceCardData(ctx, storyID, canonical.ID, pruned); err != nil {
				return fmt.Errorf("gm: consolidate: replace data for %s: %w", canonical.Name, err)
			}
		}

		for _, card := range group {
			if card.ID == canonical.ID {
				continue
			}
			if err := c.store.DeleteCard(ctx, storyID, card.ID); err != nil {
				return fmt.Errorf("gm: consolidate: delete duplicate %s: %w", card.ID, err)
			}
			slog.Info("gm: consolidated duplicate character card",
				"story", storyID, "kept", canonical.Name, "removed", card.Name)
		}

		if changed {
			c.refresher.ScheduleCard(c.queue, storyID, canonical.ID)
		}
	}

	return nil
}
