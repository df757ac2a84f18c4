// Package retrieval assembles the semantic context block for a narration
// turn: the cards, memories, and relationships nearest to a query in vector
// space, plus every character stat in the story.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loreweave/loreweave/internal/embedq"
	"github.com/loreweave/loreweave/pkg/provider/embeddings"
	"github.com/loreweave/loreweave/pkg/world"
)

// Default result limits per table. Tuned for prompt budget, not recall.
const (
	defaultCardLimit         = 6
	defaultMemoryLimit       = 6
	defaultRelationshipLimit = 4
)

// Context is the retrieved material for one query, ordered by ascending
// vector distance within each slice. Stats carry no vector and are returned
// in full.
type Context struct {
	Cards         []world.CardResult
	Memories      []world.MemoryResult
	Relationships []world.RelationshipResult
	Stats         []world.Stat
}

// Retriever runs similarity searches over a story's world state.
//
// Safe for concurrent use as long as its store and provider are.
type Retriever struct {
	store        world.Store
	provider     embeddings.Provider
	refresher    *embedq.Refresher
	embedTimeout time.Duration

	mu                sync.RWMutex
	cardLimit         int
	memoryLimit       int
	relationshipLimit int
}

// Option configures a [Retriever].
type Option func(*Retriever)

// WithCardLimit sets how many cards a retrieval returns at most.
func WithCardLimit(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.cardLimit = n
		}
	}
}

// WithMemoryLimit sets how many memories a retrieval returns at most.
func WithMemoryLimit(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.memoryLimit = n
		}
	}
}

// WithRelationshipLimit sets how many relationships a retrieval returns at
// most.
func WithRelationshipLimit(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.relationshipLimit = n
		}
	}
}

// WithEmbedTimeout bounds the query embedding call. Zero or negative means
// no deadline (the default).
func WithEmbedTimeout(d time.Duration) Option {
	return func(r *Retriever) {
		r.embedTimeout = d
	}
}

// SetLimits replaces the per-search result limits. Non-positive values keep
// the current limit. Safe to call while retrievals are in flight; the new
// limits apply from the next Retrieve.
func (r *Retriever) SetLimits(cards, memories, relationships int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cards > 0 {
		r.cardLimit = cards
	}
	if memories > 0 {
		r.memoryLimit = memories
	}
	if relationships > 0 {
		r.relationshipLimit = relationships
	}
}

func (r *Retriever) limits() (cards, memories, relationships int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cardLimit, r.memoryLimit, r.relationshipLimit
}

// New creates a Retriever. The refresher backfills missing row embeddings
// inline before each search, so results never silently exclude rows the
// background queue has not reached yet.
func New(store world.Store, provider embeddings.Provider, refresher *embedq.Refresher, opts ...Option) *Retriever {
	r := &Retriever{
		store:             store,
		provider:          provider,
		refresher:         refresher,
		cardLimit:         defaultCardLimit,
		memoryLimit:       defaultMemoryLimit,
		relationshipLimit: defaultRelationshipLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve embeds query once and searches cards, memories, and relationships
// with the shared vector. Every returned memory has its access time touched;
// touch failures are logged and do not fail the retrieval. An embedding
// failure does fail it: a context block built from a partial search would be
// silently wrong in a way the narrator cannot detect.
func (r *Retriever) Retrieve(ctx context.Context, storyID uuid.UUID, query string) (*Context, error) {
	ectx := ctx
	if r.embedTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, r.embedTimeout)
		defer cancel()
	}
	queryVec, err := r.provider.Embed(ectx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.refresher.RefreshCards(gctx, storyID) })
	g.Go(func() error { return r.refresher.RefreshMemories(gctx, storyID) })
	g.Go(func() error { return r.refresher.RefreshRelationships(gctx, storyID) })
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("retrieval: backfill embeddings: %w", err)
	}

	cardLimit, memoryLimit, relationshipLimit := r.limits()
	out := &Context{}
	if out.Cards, err = r.store.SearchCards(ctx, storyID, queryVec, cardLimit); err != nil {
		return nil, fmt.Errorf("retrieval: search cards: %w", err)
	}
	if out.Memories, err = r.store.SearchMemories(ctx, storyID, queryVec, memoryLimit); err != nil {
		return nil, fmt.Errorf("retrieval: search memories: %w", err)
	}
	if out.Relationships, err = r.store.SearchRelationships(ctx, storyID, queryVec, relationshipLimit); err != nil {
		return nil, fmt.Errorf("retrieval: search relationships: %w", err)
	}
	if out.Stats, err = r.store.ListStats(ctx, storyID); err != nil {
		return nil, fmt.Errorf("retrieval: list stats: %w", err)
	}

	if len(out.Memories) > 0 {
		ids := make([]uuid.UUID, len(out.Memories))
		for i, m := range out.Memories {
			ids[i] = m.Memory.ID
		}
		if err := r.store.TouchMemories(ctx, ids); err != nil {
			slog.Warn("retrieval: touch memories failed", "story", storyID, "count", len(ids), "err", err)
		}
	}

	return out, nil
}
