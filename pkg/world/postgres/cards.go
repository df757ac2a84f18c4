package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/loreweave/loreweave/pkg/structured"
	"github.com/loreweave/loreweave/pkg/world"
)

// UpsertCard implements [world.CardStore]. The (story, type, name) row is
// locked while the merge runs, so two concurrent upserts of the same card
// apply their data bags one after the other instead of losing one merge.
// A fresh insert racing another insert falls through to the unique-constraint
// upsert, which keeps the operation from ever failing on a duplicate.
func (s *Store) UpsertCard(ctx context.Context, in world.CardInput) (*world.Card, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("world store: upsert card: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		existingData        []byte
		existingDescription string
	)
	err = tx.QueryRow(ctx, `
		SELECT data, description
		FROM   cards
		WHERE  story_id = $1 AND type = $2 AND name = $3
		FOR UPDATE`,
		in.StoryID, in.Type, in.Name,
	).Scan(&existingData, &existingDescription)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("world store: upsert card: read existing: %w", err)
	}

	var existing map[string]any
	if len(existingData) > 0 {
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return nil, fmt.Errorf("world store: upsert card: decode existing data: %w", err)
		}
	}

	merged := structured.MergeMaps(existing, in.Data)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("world store: upsert card: encode data: %w", err)
	}

	description := existingDescription
	if in.Description != nil {
		description = *in.Description
	}

	// Every write nulls the cached embedding. The next backfill re-embeds.
	const q = `
		INSERT INTO cards (id, story_id, type, name, description, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (story_id, type, name) DO UPDATE SET
		    description = EXCLUDED.description,
		    data        = EXCLUDED.data,
		    embedding   = NULL,
		    updated_at  = now()
		RETURNING id, story_id, type, name, description, data, embedding,
		          created_at, updated_at`

	rows, err := tx.Query(ctx, q, uuid.New(), in.StoryID, in.Type, in.Name, description, mergedJSON)
	if err != nil {
		return nil, fmt.Errorf("world store: upsert card: %w", err)
	}
	card, err := pgx.CollectOneRow(rows, scanCard)
	if err != nil {
		return nil, fmt.Errorf("world store: upsert card: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("world store: upsert card: commit: %w", err)
	}
	return &card, nil
}

// CardByID implements [world.CardStore].
func (s *Store) CardByID(ctx context.Context, storyID, id uuid.UUID) (*world.Card, error) {
	const q = cardSelect + ` WHERE story_id = $1 AND id = $2`

	rows, err := s.pool.Query(ctx, q, storyID, id)
	if err != nil {
		return nil, fmt.Errorf("world store: card by id: %w", err)
	}
	card, err := pgx.CollectOneRow(rows, scanCard)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, world.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("world store: card by id: %w", err)
	}
	return &card, nil
}

// CardByName implements [world.CardStore].
func (s *Store) CardByName(ctx context.Context, storyID uuid.UUID, typ world.CardType, name string) (*world.Card, error) {
	const q = cardSelect + ` WHERE story_id = $1 AND type = $2 AND name = $3`

	rows, err := s.pool.Query(ctx, q, storyID, typ, name)
	if err != nil {
		return nil, fmt.Errorf("world store: card by name: %w", err)
	}
	card, err := pgx.CollectOneRow(rows, scanCard)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, world.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("world store: card by name: %w", err)
	}
	return &card, nil
}

// ListCards implements [world.CardStore].
func (s *Store) ListCards(ctx context.Context, storyID uuid.UUID, opts ...world.CardQueryOpt) ([]world.Card, error) {
	cardType, nameContains, limit := world.ApplyCardQueryOpts(opts)

	args := []any{storyID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"story_id = $1"}
	if cardType != "" {
		conditions = append(conditions, "type = "+next(cardType))
	}
	if nameContains != "" {
		conditions = append(conditions, "name ILIKE "+next("%"+nameContains+"%"))
	}

	q := cardSelect + "\nWHERE " + strings.Join(conditions, "\n  AND ") + "\nORDER BY name"
	if limit > 0 {
		q += "\nLIMIT " + next(limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("world store: list cards: %w", err)
	}
	cards, err := pgx.CollectRows(rows, scanCard)
	if err != nil {
		return nil, fmt.Errorf("world store: list cards: %w", err)
	}
	if cards == nil {
		cards = []world.Card{}
	}
	return cards, nil
}

// ReplaceCardData implements [world.CardStore]. Unlike UpsertCard it does not
// merge: the stored bag is overwritten, which is how consolidation removes
// keys.
func (s *Store) ReplaceCardData(ctx context.Context, storyID, id uuid.UUID, data map[string]any) (*world.Card, error) {
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(structured.Sanitize(data))
	if err != nil {
		return nil, fmt.Errorf("world store: replace card data: encode data: %w", err)
	}

	const q = `
		UPDATE cards SET
		    data       = $3,
		    embedding  = NULL,
		    updated_at = now()
		WHERE story_id = $1 AND id = $2
		RETURNING id, story_id, type, name, description, data, embedding,
		          created_at, updated_at`

	rows, err := s.pool.Query(ctx, q, storyID, id, dataJSON)
	if err != nil {
		return nil, fmt.Errorf("world store: replace card data: %w", err)
	}
	card, err := pgx.CollectOneRow(rows, scanCard)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, world.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("world store: replace card data: %w", err)
	}
	return &card, nil
}

// DeleteCard implements [world.CardStore]. Dependent memories, relationships,
// and stats cascade at the schema level.
func (s *Store) DeleteCard(ctx context.Context, storyID, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM cards WHERE story_id = $1 AND id = $2`, storyID, id)
	if err != nil {
		return fmt.Errorf("world store: delete card: %w", err)
	}
	return nil
}

// SetCardEmbedding implements [world.CardStore].
func (s *Store) SetCardEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE cards SET embedding = $2 WHERE id = $1`,
		id, nullableVector(embedding))
	if err != nil {
		return fmt.Errorf("world store: set card embedding: %w", err)
	}
	return nil
}

// CardsMissingEmbedding implements [world.CardStore].
func (s *Store) CardsMissingEmbedding(ctx context.Context, storyID uuid.UUID) ([]world.Card, error) {
	const q = cardSelect + ` WHERE story_id = $1 AND embedding IS NULL`

	rows, err := s.pool.Query(ctx, q, storyID)
	if err != nil {
		return nil, fmt.Errorf("world store: cards missing embedding: %w", err)
	}
	cards, err := pgx.CollectRows(rows, scanCard)
	if err != nil {
		return nil, fmt.Errorf("world store: cards missing embedding: %w", err)
	}
	if cards == nil {
		cards = []world.Card{}
	}
	return cards, nil
}

// SearchCards implements [world.CardStore]. Results are ordered by ascending
// cosine distance (most similar first).
func (s *Store) SearchCards(ctx context.Context, storyID uuid.UUID, embedding []float32, limit int) ([]world.CardResult, error) {
	const q = `
		SELECT id, story_id, type, name, description, data, embedding,
		       created_at, updated_at,
		       embedding <=> $2 AS distance
		FROM   cards
		WHERE  story_id = $1 AND embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, storyID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("world store: search cards: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (world.CardResult, error) {
		var (
			cr  world.CardResult
			vec *pgvector.Vector
			raw []byte
		)
		if err := row.Scan(
			&cr.Card.ID, &cr.Card.StoryID, &cr.Card.Type, &cr.Card.Name,
			&cr.Card.Description, &raw, &vec,
			&cr.Card.CreatedAt, &cr.Card.UpdatedAt, &cr.Distance,
		); err != nil {
			return world.CardResult{}, err
		}
		if err := json.Unmarshal(raw, (*map[string]any)(&cr.Card.Data)); err != nil {
			return world.CardResult{}, err
		}
		cr.Card.Embedding = vectorSlice(vec)
		return cr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("world store: search cards: %w", err)
	}
	if results == nil {
		results = []world.CardResult{}
	}
	return results, nil
}

const cardSelect = `
	SELECT id, story_id, type, name, description, data, embedding,
	       created_at, updated_at
	FROM   cards`

// scanCard scans one cards row.
func scanCard(row pgx.CollectableRow) (world.Card, error) {
	var (
		c   world.Card
		vec *pgvector.Vector
		raw []byte
	)
	if err := row.Scan(
		&c.ID, &c.StoryID, &c.Type, &c.Name, &c.Description, &raw, &vec,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return world.Card{}, err
	}
	if err := json.Unmarshal(raw, (*map[string]any)(&c.Data)); err != nil {
		return world.Card{}, err
	}
	c.Embedding = vectorSlice(vec)
	return c, nil
}
