package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/loreweave/pkg/world"
)

// CreateStory implements [world.StoryStore].
func (s *Store) CreateStory(ctx context.Context, in world.StoryInput) (*world.Story, error) {
	const q = `
		INSERT INTO stories (id, user_id, title, beginning, world)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, user_id, title, beginning, world, message_count,
		          created_at, updated_at, last_played_at`

	rows, err := s.pool.Query(ctx, q, uuid.New(), in.UserID, in.Title, in.Beginning, in.World)
	if err != nil {
		return nil, fmt.Errorf("world store: create story: %w", err)
	}
	story, err := pgx.CollectOneRow(rows, scanStory)
	if err != nil {
		return nil, fmt.Errorf("world store: create story: %w", err)
	}
	return &story, nil
}

// Story implements [world.StoryStore]. Returns [world.ErrNotFound] when the
// story does not exist.
func (s *Store) Story(ctx context.Context, id uuid.UUID) (*world.Story, error) {
	const q = `
		SELECT id, user_id, title, beginning, world, message_count,
		       created_at, updated_at, last_played_at
		FROM   stories
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("world store: get story: %w", err)
	}
	story, err := pgx.CollectOneRow(rows, scanStory)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, world.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("world store: get story: %w", err)
	}
	return &story, nil
}

// ListStories implements [world.StoryStore].
func (s *Store) ListStories(ctx context.Context, userID string) ([]world.Story, error) {
	const q = `
		SELECT id, user_id, title, beginning, world, message_count,
		       created_at, updated_at, last_played_at
		FROM   stories
		WHERE  user_id = $1
		ORDER  BY last_played_at DESC`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("world store: list stories: %w", err)
	}
	stories, err := pgx.CollectRows(rows, scanStory)
	if err != nil {
		return nil, fmt.Errorf("world store: list stories: %w", err)
	}
	if stories == nil {
		stories = []world.Story{}
	}
	return stories, nil
}

// DeleteStory implements [world.StoryStore]. All story-scoped rows cascade.
func (s *Store) DeleteStory(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM stories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("world store: delete story: %w", err)
	}
	return nil
}

// ResetStory implements [world.StoryStore]. It deletes all derived rows while
// keeping the story itself. Memories, relationships, and stats cascade from
// the card deletions or are removed directly.
func (s *Store) ResetStory(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("world store: reset story: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM character_memories WHERE story_id = $1`,
		`DELETE FROM character_relationships WHERE story_id = $1`,
		`DELETE FROM character_stats WHERE story_id = $1`,
		`DELETE FROM cards WHERE story_id = $1`,
		`DELETE FROM story_messages WHERE story_id = $1`,
		`UPDATE stories SET message_count = 0, updated_at = now() WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("world store: reset story: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("world store: reset story: commit: %w", err)
	}
	return nil
}

// StorySettings implements [world.StoryStore]. Missing rows and empty fields
// fall back to [world.DefaultSettings].
func (s *Store) StorySettings(ctx context.Context, storyID uuid.UUID) (world.Settings, error) {
	const q = `
		SELECT tone, difficulty, narrative_style
		FROM   story_settings
		WHERE  story_id = $1`

	defaults := world.DefaultSettings()

	var stored world.Settings
	err := s.pool.QueryRow(ctx, q, storyID).Scan(&stored.Tone, &stored.Difficulty, &stored.NarrativeStyle)
	if errors.Is(err, pgx.ErrNoRows) {
		return defaults, nil
	}
	if err != nil {
		return world.Settings{}, fmt.Errorf("world store: story settings: %w", err)
	}

	if stored.Tone == "" {
		stored.Tone = defaults.Tone
	}
	if stored.Difficulty == "" {
		stored.Difficulty = defaults.Difficulty
	}
	if stored.NarrativeStyle == "" {
		stored.NarrativeStyle = defaults.NarrativeStyle
	}
	return stored, nil
}

// UpsertSettings implements [world.StoryStore].
func (s *Store) UpsertSettings(ctx context.Context, storyID uuid.UUID, set world.Settings) error {
	const q = `
		INSERT INTO story_settings (story_id, tone, difficulty, narrative_style)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (story_id) DO UPDATE SET
		    tone            = EXCLUDED.tone,
		    difficulty      = EXCLUDED.difficulty,
		    narrative_style = EXCLUDED.narrative_style`

	if _, err := s.pool.Exec(ctx, q, storyID, set.Tone, set.Difficulty, set.NarrativeStyle); err != nil {
		return fmt.Errorf("world store: upsert settings: %w", err)
	}
	return nil
}

// AppendMessage implements [world.StoryStore]. The story row is locked for
// the duration of the transaction, serialising sequence allocation so two
// concurrent appends never produce duplicate or gapped sequence numbers.
func (s *Store) AppendMessage(ctx context.Context, in world.MessageInput) (*world.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("world store: append message: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT true FROM stories WHERE id = $1 FOR UPDATE`, in.StoryID,
	).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, world.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("world store: append message: lock story: %w", err)
	}

	const insert = `
		INSERT INTO story_messages (id, story_id, role, content, image_url, sequence)
		SELECT $1, $2, $3, $4, $5, COALESCE(MAX(sequence), 0) + 1
		FROM   story_messages
		WHERE  story_id = $2
		RETURNING id, story_id, role, content, image_url, sequence, created_at`

	rows, err := tx.Query(ctx, insert, uuid.New(), in.StoryID, in.Role, in.Content, in.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("world store: append message: %w", err)
	}
	msg, err := pgx.CollectOneRow(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("world store: append message: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE stories
		SET    message_count  = message_count + 1,
		       updated_at     = now(),
		       last_played_at = now()
		WHERE  id = $1`, in.StoryID)
	if err != nil {
		return nil, fmt.Errorf("world store: append message: bump story: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("world store: append message: commit: %w", err)
	}
	return &msg, nil
}

// RecentMessages implements [world.StoryStore].
func (s *Store) RecentMessages(ctx context.Context, storyID uuid.UUID, n int) ([]world.Message, error) {
	const q = `
		SELECT id, story_id, role, content, image_url, sequence, created_at
		FROM   (SELECT * FROM story_messages
		        WHERE story_id = $1
		        ORDER BY sequence DESC
		        LIMIT $2) latest
		ORDER  BY sequence ASC`

	rows, err := s.pool.Query(ctx, q, storyID, n)
	if err != nil {
		return nil, fmt.Errorf("world store: recent messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("world store: recent messages: %w", err)
	}
	if msgs == nil {
		msgs = []world.Message{}
	}
	return msgs, nil
}

// ListMessages implements [world.StoryStore].
func (s *Store) ListMessages(ctx context.Context, storyID uuid.UUID) ([]world.Message, error) {
	const q = `
		SELECT id, story_id, role, content, image_url, sequence, created_at
		FROM   story_messages
		WHERE  story_id = $1
		ORDER  BY sequence ASC`

	rows, err := s.pool.Query(ctx, q, storyID)
	if err != nil {
		return nil, fmt.Errorf("world store: list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("world store: list messages: %w", err)
	}
	if msgs == nil {
		msgs = []world.Message{}
	}
	return msgs, nil
}

// scanStory scans one stories row.
func scanStory(row pgx.CollectableRow) (world.Story, error) {
	var st world.Story
	err := row.Scan(
		&st.ID, &st.UserID, &st.Title, &st.Beginning, &st.World,
		&st.MessageCount, &st.CreatedAt, &st.UpdatedAt, &st.LastPlayedAt,
	)
	return st, err
}

// scanMessage scans one story_messages row.
func scanMessage(row pgx.CollectableRow) (world.Message, error) {
	var m world.Message
	err := row.Scan(
		&m.ID, &m.StoryID, &m.Role, &m.Content, &m.ImageURL,
		&m.Sequence, &m.CreatedAt,
	)
	return m, err
}
