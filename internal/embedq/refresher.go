package embedq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/loreweave/pkg/provider/embeddings"
	"github.com/loreweave/loreweave/pkg/world"
)

// Refresher computes and stores embeddings for rows whose cached vector has
// been nulled by a write. It is both the task factory for a [Queue] and a
// synchronous backfill helper for retrieval, which cannot search rows that
// have no vector yet.
type Refresher struct {
	store        world.Store
	provider     embeddings.Provider
	embedTimeout time.Duration
}

// RefresherOption configures a [Refresher].
type RefresherOption func(*Refresher)

// WithEmbedTimeout bounds each provider embedding call. A hung embedding
// server would otherwise stall the queue worker and block Drain. Zero or
// negative means no deadline (the default).
func WithEmbedTimeout(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		r.embedTimeout = d
	}
}

// NewRefresher returns a Refresher over the given store and provider.
func NewRefresher(store world.Store, provider embeddings.Provider, opts ...RefresherOption) *Refresher {
	r := &Refresher{store: store, provider: provider}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// embedContext derives the deadline-bounded context for one provider call.
func (r *Refresher) embedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.embedTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.embedTimeout)
}

// Key builders. Queue deduplication works on these strings, so every
// enqueue site must build them the same way.

// CardsKey is the dedup key for a per-story card sweep.
func CardsKey(storyID uuid.UUID) string { return "cards:" + storyID.String() }

// CardKey is the dedup key for a single-card refresh.
func CardKey(cardID uuid.UUID) string { return "card:" + cardID.String() }

// MemoriesKey is the dedup key for a per-story memory sweep.
func MemoriesKey(storyID uuid.UUID) string { return "memories:" + storyID.String() }

// MemoryKey is the dedup key for a single-memory refresh.
func MemoryKey(id uuid.UUID) string { return "memory:" + id.String() }

// RelationshipsKey is the dedup key for a per-story relationship sweep.
func RelationshipsKey(storyID uuid.UUID) string { return "relationships:" + storyID.String() }

// RelationshipKey is the dedup key for a single-relationship refresh.
func RelationshipKey(id uuid.UUID) string { return "relationship:" + id.String() }

// RefreshCards embeds every card in the story that is missing its vector.
func (r *Refresher) RefreshCards(ctx context.Context, storyID uuid.UUID) error {
	cards, err := r.store.CardsMissingEmbedding(ctx, storyID)
	if err != nil {
		return fmt.Errorf("embedq: list cards missing embedding: %w", err)
	}
	if len(cards) == 0 {
		return nil
	}

	texts := make([]string, len(cards))
	for i, c := range cards {
		texts[i] = c.EmbeddingText()
	}
	ectx, cancel := r.embedContext(ctx)
	vectors, err := r.provider.EmbedBatch(ectx, texts)
	cancel()
	if err != nil {
		return fmt.Errorf("embedq: embed cards: %w", err)
	}
	if len(vectors) != len(cards) {
		return fmt.Errorf("embedq: embed cards: got %d vectors for %d cards", len(vectors), len(cards))
	}

	for i, c := range cards {
		if err := r.store.SetCardEmbedding(ctx, c.ID, vectors[i]); err != nil {
			return fmt.Errorf("embedq: store card embedding %s: %w", c.ID, err)
		}
	}
	slog.Debug("embedq: refreshed card embeddings", "story", storyID, "count", len(cards))
	return nil
}

// RefreshCard embeds a single card if its vector is missing. Rows already
// embedded are skipped without error; a targeted refresh can race the story
// sweep and lose.
func (r *Refresher) RefreshCard(ctx context.Context, storyID, cardID uuid.UUID) error {
	card, err := r.store.CardByID(ctx, storyID, cardID)
	if err != nil {
		return fmt.Errorf("embedq: load card %s: %w", cardID, err)
	}
	if card.Embedding != nil {
		return nil
	}
	ectx, cancel := r.embedContext(ctx)
	vec, err := r.provider.Embed(ectx, card.EmbeddingText())
	cancel()
	if err != nil {
		return fmt.Errorf("embedq: embed card %s: %w", cardID, err)
	}
	if err := r.store.SetCardEmbedding(ctx, cardID, vec); err != nil {
		return fmt.Errorf("embedq: store card embedding %s: %w", cardID, err)
	}
	return nil
}

// RefreshMemories embeds every memory in the story that is missing its vector.
func (r *Refresher) RefreshMemories(ctx context.Context, storyID uuid.UUID) error {
	mems, err := r.store.MemoriesMissingEmbedding(ctx, storyID)
	if err != nil {
		return fmt.Errorf("embedq: list memories missing embedding: %w", err)
	}
	if len(mems) == 0 {
		return nil
	}

	texts := make([]string, len(mems))
	for i, m := range mems {
		texts[i] = m.Summary
	}
	ectx, cancel := r.embedContext(ctx)
	vectors, err := r.provider.EmbedBatch(ectx, texts)
	cancel()
	if err != nil {
		return fmt.Errorf("embedq: embed memories: %w", err)
	}
	if len(vectors) != len(mems) {
		return fmt.Errorf("embedq: embed memories: got %d vectors for %d memories", len(vectors), len(mems))
	}

	for i, m := range mems {
		if err := r.store.SetMemoryEmbedding(ctx, m.ID, vectors[i]); err != nil {
			return fmt.Errorf("embedq: store memory embedding %s: %w", m.ID, err)
		}
	}
	slog.Debug("embedq: refreshed memory embeddings", "story", storyID, "count", len(mems))
	return nil
}

// RefreshRelationships embeds every relationship in the story that is missing
// its vector.
func (r *Refresher) RefreshRelationships(ctx context.Context, storyID uuid.UUID) error {
	rels, err := r.store.RelationshipsMissingEmbedding(ctx, storyID)
	if err != nil {
		return fmt.Errorf("embedq: list relationships missing embedding: %w", err)
	}
	if len(rels) == 0 {
		return nil
	}

	texts := make([]string, len(rels))
	for i, rel := range rels {
		texts[i] = rel.EmbeddingText()
	}
	ectx, cancel := r.embedContext(ctx)
	vectors, err := r.provider.EmbedBatch(ectx, texts)
	cancel()
	if err != nil {
		return fmt.Errorf("embedq: embed relationships: %w", err)
	}
	if len(vectors) != len(rels) {
		return fmt.Errorf("embedq: embed relationships: got %d vectors for %d relationships", len(vectors), len(rels))
	}

	for i, rel := range rels {
		if err := r.store.SetRelationshipEmbedding(ctx, rel.ID, vectors[i]); err != nil {
			return fmt.Errorf("embedq: store relationship embedding %s: %w", rel.ID, err)
		}
	}
	slog.Debug("embedq: refreshed relationship embeddings", "story", storyID, "count", len(rels))
	return nil
}

// RefreshAll sweeps cards, memories, and relationships for one story. Used by
// retrieval to backfill synchronously before searching.
func (r *Refresher) RefreshAll(ctx context.Context, storyID uuid.UUID) error {
	if err := r.RefreshCards(ctx, storyID); err != nil {
		return err
	}
	if err := r.RefreshMemories(ctx, storyID); err != nil {
		return err
	}
	return r.RefreshRelationships(ctx, storyID)
}

// ScheduleCard enqueues a targeted refresh for one card plus the story sweep
// that catches anything the targeted pass misses.
func (r *Refresher) ScheduleCard(q *Queue, storyID, cardID uuid.UUID) {
	q.Enqueue(CardKey(cardID), func(ctx context.Context) error {
		return r.RefreshCard(ctx, storyID, cardID)
	})
	q.Enqueue(CardsKey(storyID), func(ctx context.Context) error {
		return r.RefreshCards(ctx, storyID)
	})
}

// ScheduleMemories enqueues a memory sweep for the story.
func (r *Refresher) ScheduleMemories(q *Queue, storyID uuid.UUID) {
	q.Enqueue(MemoriesKey(storyID), func(ctx context.Context) error {
		return r.RefreshMemories(ctx, storyID)
	})
}

// ScheduleRelationships enqueues a relationship sweep for the story.
func (r *Refresher) ScheduleRelationships(q *Queue, storyID uuid.UUID) {
	q.Enqueue(RelationshipsKey(storyID), func(ctx context.Context) error {
		return r.RefreshRelationships(ctx, storyID)
	})
}
