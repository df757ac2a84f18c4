package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/loreweave/loreweave/pkg/world"
)

// ─────────────────────────────────────────────────────────────────────────────
// Memories
// ─────────────────────────────────────────────────────────────────────────────

// RecordMemory implements [world.JournalStore].
func (s *Store) RecordMemory(ctx context.Context, in world.MemoryInput) (*world.Memory, error) {
	memories, err := s.RecordMemories(ctx, []world.MemoryInput{in})
	if err != nil {
		return nil, err
	}
	return &memories[0], nil
}

// RecordMemories implements [world.JournalStore]. Inserts run in one
// transaction; on any failure nothing is recorded.
func (s *Store) RecordMemories(ctx context.Context, ins []world.MemoryInput) ([]world.Memory, error) {
	if len(ins) == 0 {
		return []world.Memory{}, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("world store: record memories: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO character_memories
		    (id, story_id, owner_card_id, subject_card_id, message_id,
		     source, summary, context, tags, importance, decay_factor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, story_id, owner_card_id, subject_card_id, message_id,
		          source, summary, context, tags, importance, decay_factor,
		          embedding, created_at, updated_at, last_accessed_at`

	out := make([]world.Memory, 0, len(ins))
	for _, in := range ins {
		source := in.Source
		if source == "" {
			source = world.SourceSystem
		}
		importance := in.Importance
		if importance == 0 {
			importance = 1
		}
		decay := in.DecayFactor
		if decay == 0 {
			decay = 1
		}
		contextJSON, err := json.Marshal(orEmptyMap(in.Context))
		if err != nil {
			return nil, fmt.Errorf("world store: record memories: encode context: %w", err)
		}
		tags := in.Tags
		if tags == nil {
			tags = []string{}
		}

		rows, err := tx.Query(ctx, q,
			uuid.New(), in.StoryID,
			nullUUID(in.OwnerCardID), nullUUID(in.SubjectCardID), nullUUID(in.MessageID),
			source, in.Summary, contextJSON, tags, importance, decay,
		)
		if err != nil {
			return nil, fmt.Errorf("world store: record memories: %w", err)
		}
		mem, err := pgx.CollectOneRow(rows, scanMemory)
		if err != nil {
			return nil, fmt.Errorf("world store: record memories: %w", err)
		}
		out = append(out, mem)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("world store: record memories: commit: %w", err)
	}
	return out, nil
}

// TouchMemories implements [world.JournalStore].
func (s *Store) TouchMemories(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE character_memories SET last_accessed_at = now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("world store: touch memories: %w", err)
	}
	return nil
}

// ListMemories implements [world.JournalStore].
func (s *Store) ListMemories(ctx context.Context, storyID uuid.UUID, limit int) ([]world.Memory, error) {
	q := memorySelect + `
		WHERE  story_id = $1
		ORDER  BY created_at DESC`
	args := []any{storyID}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("world store: list memories: %w", err)
	}
	memories, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("world store: list memories: %w", err)
	}
	if memories == nil {
		memories = []world.Memory{}
	}
	return memories, nil
}

// SetMemoryEmbedding implements [world.JournalStore].
func (s *Store) SetMemoryEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE character_memories SET embedding = $2 WHERE id = $1`,
		id, nullableVector(embedding))
	if err != nil {
		return fmt.Errorf("world store: set memory embedding: %w", err)
	}
	return nil
}

// MemoriesMissingEmbedding implements [world.JournalStore].
func (s *Store) MemoriesMissingEmbedding(ctx context.Context, storyID uuid.UUID) ([]world.Memory, error) {
	q := memorySelect + ` WHERE story_id = $1 AND embedding IS NULL`

	rows, err := s.pool.Query(ctx, q, storyID)
	if err != nil {
		return nil, fmt.Errorf("world store: memories missing embedding: %w", err)
	}
	memories, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("world store: memories missing embedding: %w", err)
	}
	if memories == nil {
		memories = []world.Memory{}
	}
	return memories, nil
}

// SearchMemories implements [world.JournalStore]. Results are ordered by
// ascending cosine distance with importance descending as tie-break.
func (s *Store) SearchMemories(ctx context.Context, storyID uuid.UUID, embedding []float32, limit int) ([]world.MemoryResult, error) {
	const q = `
		SELECT id, story_id, owner_card_id, subject_card_id, message_id,
		       source, summary, context, tags, importance, decay_factor,
		       embedding, created_at, updated_at, last_accessed_at,
		       embedding <=> $2 AS distance
		FROM   character_memories
		WHERE  story_id = $1 AND embedding IS NOT NULL
		ORDER  BY distance, importance DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, storyID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("world store: search memories: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (world.MemoryResult, error) {
		var mr world.MemoryResult
		mem, err := scanMemoryColumns(row.Scan, &mr.Distance)
		if err != nil {
			return world.MemoryResult{}, err
		}
		mr.Memory = mem
		return mr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("world store: search memories: %w", err)
	}
	if results == nil {
		results = []world.MemoryResult{}
	}
	return results, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Relationships
// ─────────────────────────────────────────────────────────────────────────────

// UpsertRelationship implements [world.JournalStore]. Merge semantics live in
// the upsert itself: metrics shallow-merge through the jsonb || operator,
// importance never decreases, and only a non-empty summary replaces the
// stored one.
func (s *Store) UpsertRelationship(ctx context.Context, in world.RelationshipInput) (*world.Relationship, error) {
	metricsJSON, err := json.Marshal(orEmptyMap(in.Metrics))
	if err != nil {
		return nil, fmt.Errorf("world store: upsert relationship: encode metrics: %w", err)
	}
	importance := in.Importance
	if importance == 0 {
		importance = 1
	}

	const q = `
		INSERT INTO character_relationships
		    (id, story_id, source_card_id, target_card_id, summary, metrics, importance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (story_id, source_card_id, target_card_id) DO UPDATE SET
		    summary    = CASE WHEN EXCLUDED.summary <> ''
		                      THEN EXCLUDED.summary
		                      ELSE character_relationships.summary END,
		    metrics    = character_relationships.metrics || EXCLUDED.metrics,
		    importance = GREATEST(character_relationships.importance, EXCLUDED.importance),
		    embedding  = NULL,
		    updated_at = now()
		RETURNING id, story_id, source_card_id, target_card_id, summary,
		          metrics, importance, embedding, created_at, updated_at`

	rows, err := s.pool.Query(ctx, q,
		uuid.New(), in.StoryID, in.SourceCardID, in.TargetCardID,
		in.Summary, metricsJSON, importance,
	)
	if err != nil {
		return nil, fmt.Errorf("world store: upsert relationship: %w", err)
	}
	rel, err := pgx.CollectOneRow(rows, scanRelationship)
	if err != nil {
		return nil, fmt.Errorf("world store: upsert relationship: %w", err)
	}
	return &rel, nil
}

// ListRelationships implements [world.JournalStore].
func (s *Store) ListRelationships(ctx context.Context, storyID uuid.UUID) ([]world.Relationship, error) {
	q := relationshipSelect + `
		WHERE  story_id = $1
		ORDER  BY importance DESC, updated_at DESC`

	rows, err := s.pool.Query(ctx, q, storyID)
	if err != nil {
		return nil, fmt.Errorf("world store: list relationships: %w", err)
	}
	rels, err := pgx.CollectRows(rows, scanRelationship)
	if err != nil {
		return nil, fmt.Errorf("world store: list relationships: %w", err)
	}
	if rels == nil {
		rels = []world.Relationship{}
	}
	return rels, nil
}

// SetRelationshipEmbedding implements [world.JournalStore].
func (s *Store) SetRelationshipEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE character_relationships SET embedding = $2 WHERE id = $1`,
		id, nullableVector(embedding))
	if err != nil {
		return fmt.Errorf("world store: set relationship embedding: %w", err)
	}
	return nil
}

// RelationshipsMissingEmbedding implements [world.JournalStore].
func (s *Store) RelationshipsMissingEmbedding(ctx context.Context, storyID uuid.UUID) ([]world.Relationship, error) {
	q := relationshipSelect + ` WHERE story_id = $1 AND embedding IS NULL`

	rows, err := s.pool.Query(ctx, q, storyID)
	if err != nil {
		return nil, fmt.Errorf("world store: relationships missing embedding: %w", err)
	}
	rels, err := pgx.CollectRows(rows, scanRelationship)
	if err != nil {
		return nil, fmt.Errorf("world store: relationships missing embedding: %w", err)
	}
	if rels == nil {
		rels = []world.Relationship{}
	}
	return rels, nil
}

// SearchRelationships implements [world.JournalStore]. Results are ordered by
// ascending cosine distance with importance descending as tie-break.
func (s *Store) SearchRelationships(ctx context.Context, storyID uuid.UUID, embedding []float32, limit int) ([]world.RelationshipResult, error) {
	const q = `
		SELECT id, story_id, source_card_id, target_card_id, summary,
		       metrics, importance, embedding, created_at, updated_at,
		       embedding <=> $2 AS distance
		FROM   character_relationships
		WHERE  story_id = $1 AND embedding IS NOT NULL
		ORDER  BY distance, importance DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, storyID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("world store: search relationships: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (world.RelationshipResult, error) {
		var rr world.RelationshipResult
		rel, err := scanRelationshipColumns(row.Scan, &rr.Distance)
		if err != nil {
			return world.RelationshipResult{}, err
		}
		rr.Relationship = rel
		return rr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("world store: search relationships: %w", err)
	}
	if results == nil {
		results = []world.RelationshipResult{}
	}
	return results, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Stats
// ─────────────────────────────────────────────────────────────────────────────

// UpsertStat implements [world.JournalStore]. Value and confidence are
// last-write-wins, unlike relationship metrics.
func (s *Store) UpsertStat(ctx context.Context, in world.StatInput) (*world.Stat, error) {
	valueJSON, err := json.Marshal(in.Value)
	if err != nil {
		return nil, fmt.Errorf("world store: upsert stat: encode value: %w", err)
	}

	const q = `
		INSERT INTO character_stats (id, story_id, card_id, key, value, confidence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (story_id, card_id, key) DO UPDATE SET
		    value      = EXCLUDED.value,
		    confidence = EXCLUDED.confidence,
		    updated_at = now()
		RETURNING id, story_id, card_id, key, value, confidence, created_at, updated_at`

	rows, err := s.pool.Query(ctx, q,
		uuid.New(), in.StoryID, in.CardID, in.Key, valueJSON, in.Confidence)
	if err != nil {
		return nil, fmt.Errorf("world store: upsert stat: %w", err)
	}
	stat, err := pgx.CollectOneRow(rows, scanStat)
	if err != nil {
		return nil, fmt.Errorf("world store: upsert stat: %w", err)
	}
	return &stat, nil
}

// ListStats implements [world.JournalStore].
func (s *Store) ListStats(ctx context.Context, storyID uuid.UUID) ([]world.Stat, error) {
	const q = `
		SELECT id, story_id, card_id, key, value, confidence, created_at, updated_at
		FROM   character_stats
		WHERE  story_id = $1
		ORDER  BY card_id, key`

	rows, err := s.pool.Query(ctx, q, storyID)
	if err != nil {
		return nil, fmt.Errorf("world store: list stats: %w", err)
	}
	stats, err := pgx.CollectRows(rows, scanStat)
	if err != nil {
		return nil, fmt.Errorf("world store: list stats: %w", err)
	}
	if stats == nil {
		stats = []world.Stat{}
	}
	return stats, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Row scanning
// ─────────────────────────────────────────────────────────────────────────────

const memorySelect = `
	SELECT id, story_id, owner_card_id, subject_card_id, message_id,
	       source, summary, context, tags, importance, decay_factor,
	       embedding, created_at, updated_at, last_accessed_at
	FROM   character_memories`

const relationshipSelect = `
	SELECT id, story_id, source_card_id, target_card_id, summary,
	       metrics, importance, embedding, created_at, updated_at
	FROM   character_relationships`

// scanMemory scans one character_memories row without a distance column.
func scanMemory(row pgx.CollectableRow) (world.Memory, error) {
	return scanMemoryColumns(row.Scan)
}

// scanMemoryColumns scans the memory columns plus any trailing extras
// (e.g., a distance expression).
func scanMemoryColumns(scan func(...any) error, extra ...any) (world.Memory, error) {
	var (
		m                        world.Memory
		owner, subject, message  uuid.NullUUID
		contextRaw               []byte
		vec                      *pgvector.Vector
	)
	dest := []any{
		&m.ID, &m.StoryID, &owner, &subject, &message,
		&m.Source, &m.Summary, &contextRaw, &m.Tags, &m.Importance, &m.DecayFactor,
		&vec, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt,
	}
	dest = append(dest, extra...)
	if err := scan(dest...); err != nil {
		return world.Memory{}, err
	}
	m.OwnerCardID = owner.UUID
	m.SubjectCardID = subject.UUID
	m.MessageID = message.UUID
	if err := json.Unmarshal(contextRaw, &m.Context); err != nil {
		return world.Memory{}, err
	}
	m.Embedding = vectorSlice(vec)
	return m, nil
}

// scanRelationship scans one character_relationships row without a distance column.
func scanRelationship(row pgx.CollectableRow) (world.Relationship, error) {
	return scanRelationshipColumns(row.Scan)
}

// scanRelationshipColumns scans the relationship columns plus any trailing extras.
func scanRelationshipColumns(scan func(...any) error, extra ...any) (world.Relationship, error) {
	var (
		r          world.Relationship
		metricsRaw []byte
		vec        *pgvector.Vector
	)
	dest := []any{
		&r.ID, &r.StoryID, &r.SourceCardID, &r.TargetCardID, &r.Summary,
		&metricsRaw, &r.Importance, &vec, &r.CreatedAt, &r.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := scan(dest...); err != nil {
		return world.Relationship{}, err
	}
	if err := json.Unmarshal(metricsRaw, &r.Metrics); err != nil {
		return world.Relationship{}, err
	}
	r.Embedding = vectorSlice(vec)
	return r, nil
}

// scanStat scans one character_stats row.
func scanStat(row pgx.CollectableRow) (world.Stat, error) {
	var (
		st       world.Stat
		valueRaw []byte
	)
	if err := row.Scan(
		&st.ID, &st.StoryID, &st.CardID, &st.Key, &valueRaw, &st.Confidence,
		&st.CreatedAt, &st.UpdatedAt,
	); err != nil {
		return world.Stat{}, err
	}
	if err := json.Unmarshal(valueRaw, &st.Value); err != nil {
		return world.Stat{}, err
	}
	return st, nil
}

// nullUUID wraps a possibly-zero UUID for insertion into a nullable column.
func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

// orEmptyMap substitutes an empty map for nil so JSONB columns never store
// SQL-null payloads.
func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
