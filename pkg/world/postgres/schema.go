// Package postgres provides the PostgreSQL-backed implementation of the
// Loreweave world store.
//
// All tables share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	card, _ := store.UpsertCard(ctx, world.CardInput{…})
//	results, _ := store.SearchCards(ctx, storyID, queryVec, 6)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlStories = `
CREATE TABLE IF NOT EXISTS stories (
    id             UUID         PRIMARY KEY,
    user_id        TEXT         NOT NULL,
    title          TEXT         NOT NULL,
    beginning      TEXT         NOT NULL DEFAULT '',
    world          TEXT         NOT NULL DEFAULT '',
    message_count  INTEGER      NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_played_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_stories_user_id ON stories (user_id);

CREATE TABLE IF NOT EXISTS story_settings (
    story_id        UUID  PRIMARY KEY REFERENCES stories (id) ON DELETE CASCADE,
    tone            TEXT  NOT NULL DEFAULT '',
    difficulty      TEXT  NOT NULL DEFAULT '',
    narrative_style TEXT  NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS story_messages (
    id         UUID         PRIMARY KEY,
    story_id   UUID         NOT NULL REFERENCES stories (id) ON DELETE CASCADE,
    role       TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    image_url  TEXT         NOT NULL DEFAULT '',
    sequence   INTEGER      NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (story_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_story_messages_story_sequence
    ON story_messages (story_id, sequence);
`

// ddlWorld returns the card/memory/relationship/stat DDL with the embedding
// dimension substituted. The vector dimension is baked into the column type
// at schema creation time.
func ddlWorld(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS cards (
    id          UUID         PRIMARY KEY,
    story_id    UUID         NOT NULL REFERENCES stories (id) ON DELETE CASCADE,
    type        TEXT         NOT NULL,
    name        TEXT         NOT NULL,
    description TEXT         NOT NULL DEFAULT '',
    data        JSONB        NOT NULL DEFAULT '{}',
    embedding   vector(%[1]d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (story_id, type, name)
);

CREATE INDEX IF NOT EXISTS idx_cards_story_id ON cards (story_id);
CREATE INDEX IF NOT EXISTS idx_cards_embedding
    ON cards USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS character_memories (
    id               UUID         PRIMARY KEY,
    story_id         UUID         NOT NULL REFERENCES stories (id) ON DELETE CASCADE,
    owner_card_id    UUID         REFERENCES cards (id) ON DELETE CASCADE,
    subject_card_id  UUID         REFERENCES cards (id) ON DELETE CASCADE,
    message_id       UUID,
    source           TEXT         NOT NULL DEFAULT 'system',
    summary          TEXT         NOT NULL,
    context          JSONB        NOT NULL DEFAULT '{}',
    tags             TEXT[]       NOT NULL DEFAULT '{}',
    importance       INTEGER      NOT NULL DEFAULT 1,
    decay_factor     REAL         NOT NULL DEFAULT 1,
    embedding        vector(%[1]d),
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_accessed_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_character_memories_story_id
    ON character_memories (story_id);
CREATE INDEX IF NOT EXISTS idx_character_memories_embedding
    ON character_memories USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS character_relationships (
    id             UUID         PRIMARY KEY,
    story_id       UUID         NOT NULL REFERENCES stories (id) ON DELETE CASCADE,
    source_card_id UUID         NOT NULL REFERENCES cards (id) ON DELETE CASCADE,
    target_card_id UUID         NOT NULL REFERENCES cards (id) ON DELETE CASCADE,
    summary        TEXT         NOT NULL DEFAULT '',
    metrics        JSONB        NOT NULL DEFAULT '{}',
    importance     INTEGER      NOT NULL DEFAULT 1,
    embedding      vector(%[1]d),
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (story_id, source_card_id, target_card_id)
);

CREATE INDEX IF NOT EXISTS idx_character_relationships_story_id
    ON character_relationships (story_id);
CREATE INDEX IF NOT EXISTS idx_character_relationships_embedding
    ON character_relationships USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS character_stats (
    id         UUID         PRIMARY KEY,
    story_id   UUID         NOT NULL REFERENCES stories (id) ON DELETE CASCADE,
    card_id    UUID         NOT NULL REFERENCES cards (id) ON DELETE CASCADE,
    key        TEXT         NOT NULL,
    value      JSONB        NOT NULL DEFAULT 'null',
    confidence REAL         NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (story_id, card_id, key)
);

CREATE INDEX IF NOT EXISTS idx_character_stats_story_id
    ON character_stats (story_id);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires a
// manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlStories,
		ddlWorld(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
