package embedq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/loreweave/pkg/provider/embeddings"
	embmock "github.com/loreweave/loreweave/pkg/provider/embeddings/mock"
	"github.com/loreweave/loreweave/pkg/world"
	worldmock "github.com/loreweave/loreweave/pkg/world/mock"
)

func newTestWorld(t *testing.T) (*worldmock.Store, uuid.UUID) {
	t.Helper()
	store := worldmock.NewStore()
	story, err := store.CreateStory(context.Background(), world.StoryInput{
		UserID: "tester",
		Title:  "The Sunken Vault",
	})
	if err != nil {
		t.Fatalf("CreateStory() error = %v", err)
	}
	return store, story.ID
}

func TestRefreshCards_EmbedsMissingOnly(t *testing.T) {
	ctx := context.Background()
	store, storyID := newTestWorld(t)
	provider := &embmock.Provider{
		EmbedFunc: func(text string) []float32 { return []float32{float32(len(text)), 0, 0} },
	}
	r := NewRefresher(store, provider)

	card1, err := store.UpsertCard(ctx, world.CardInput{StoryID: storyID, Type: world.CardCharacter, Name: "Mirelle"})
	if err != nil {
		t.Fatalf("UpsertCard() error = %v", err)
	}
	card2, err := store.UpsertCard(ctx, world.CardInput{StoryID: storyID, Type: world.CardEnvironment, Name: "The Sunken Vault"})
	if err != nil {
		t.Fatalf("UpsertCard() error = %v", err)
	}
	// Pre-embed one card so the sweep must skip it.
	if err := store.SetCardEmbedding(ctx, card1.ID, []float32{1, 2, 3}); err != nil {
		t.Fatalf("SetCardEmbedding() error = %v", err)
	}

	if err := r.RefreshCards(ctx, storyID); err != nil {
		t.Fatalf("RefreshCards() error = %v", err)
	}

	missing, err := store.CardsMissingEmbedding(ctx, storyID)
	if err != nil {
		t.Fatalf("CardsMissingEmbedding() error = %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("still %d cards missing embeddings after refresh", len(missing))
	}
	got, err := store.CardByID(ctx, storyID, card2.ID)
	if err != nil {
		t.Fatalf("CardByID() error = %v", err)
	}
	if got.Embedding == nil {
		t.Error("card embedding not stored")
	}
	if len(provider.EmbedBatchCalls) != 1 {
		t.Fatalf("EmbedBatch called %d times, want 1", len(provider.EmbedBatchCalls))
	}
	if n := len(provider.EmbedBatchCalls[0].Texts); n != 1 {
		t.Errorf("EmbedBatch received %d texts, want 1 (already-embedded card must be skipped)", n)
	}
}

func TestRefreshCards_NoMissingRowsSkipsProvider(t *testing.T) {
	ctx := context.Background()
	store, storyID := newTestWorld(t)
	provider := &embmock.Provider{EmbedResult: []float32{1}}
	r := NewRefresher(store, provider)

	if err := r.RefreshCards(ctx, storyID); err != nil {
		t.Fatalf("RefreshCards() error = %v", err)
	}
	if len(provider.EmbedBatchCalls) != 0 {
		t.Errorf("EmbedBatch called %d times on an empty story, want 0", len(provider.EmbedBatchCalls))
	}
}

func TestRefreshCard_SkipsAlreadyEmbedded(t *testing.T) {
	ctx := context.Background()
	store, storyID := newTestWorld(t)
	provider := &embmock.Provider{EmbedResult: []float32{9, 9}}
	r := NewRefresher(store, provider)

	card, err := store.UpsertCard(ctx, world.CardInput{StoryID: storyID, Type: world.CardItem, Name: "Tide Pearl"})
	if err != nil {
		t.Fatalf("UpsertCard() error = %v", err)
	}
	if err := store.SetCardEmbedding(ctx, card.ID, []float32{1}); err != nil {
		t.Fatalf("SetCardEmbedding() error = %v", err)
	}

	if err := r.RefreshCard(ctx, storyID, card.ID); err != nil {
		t.Fatalf("RefreshCard() error = %v", err)
	}
	if len(provider.EmbedCalls) != 0 {
		t.Errorf("Embed called %d times for an embedded card, want 0", len(provider.EmbedCalls))
	}
}

func TestRefreshMemories_StoresVectors(t *testing.T) {
	ctx := context.Background()
	store, storyID := newTestWorld(t)
	provider := &embmock.Provider{
		EmbedFunc: func(text string) []float32 { return []float32{1, float32(len(text))} },
	}
	r := NewRefresher(store, provider)

	mems, err := store.RecordMemories(ctx, []world.MemoryInput{
		{StoryID: storyID, Summary: "Mirelle pocketed the tide pearl."},
		{StoryID: storyID, Summary: "The vault door seals at high tide."},
	})
	if err != nil {
		t.Fatalf("RecordMemories() error = %v", err)
	}

	if err := r.RefreshMemories(ctx, storyID); err != nil {
		t.Fatalf("RefreshMemories() error = %v", err)
	}

	missing, err := store.MemoriesMissingEmbedding(ctx, storyID)
	if err != nil {
		t.Fatalf("MemoriesMissingEmbedding() error = %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("still %d memories missing embeddings, want 0 (recorded %d)", len(missing), len(mems))
	}
}

func TestRefreshRelationships_PropagatesProviderError(t *testing.T) {
	ctx := context.Background()
	store, storyID := newTestWorld(t)
	provider := &embmock.Provider{EmbedBatchErr: errors.New("service unavailable")}
	r := NewRefresher(store, provider)

	src, _ := store.UpsertCard(ctx, world.CardInput{StoryID: storyID, Type: world.CardCharacter, Name: "Mirelle"})
	dst, _ := store.UpsertCard(ctx, world.CardInput{StoryID: storyID, Type: world.CardCharacter, Name: "Brother Hale"})
	if _, err := store.UpsertRelationship(ctx, world.RelationshipInput{
		StoryID:      storyID,
		SourceCardID: src.ID,
		TargetCardID: dst.ID,
		Summary:      "uneasy allies",
	}); err != nil {
		t.Fatalf("UpsertRelationship() error = %v", err)
	}

	if err := r.RefreshRelationships(ctx, storyID); err == nil {
		t.Fatal("RefreshRelationships() error = nil, want provider error")
	}
	missing, err := store.RelationshipsMissingEmbedding(ctx, storyID)
	if err != nil {
		t.Fatalf("RelationshipsMissingEmbedding() error = %v", err)
	}
	if len(missing) != 1 {
		t.Errorf("relationship row lost its missing state on failure, got %d missing", len(missing))
	}
}

func TestScheduleCard_EnqueuesTargetedAndSweep(t *testing.T) {
	ctx := context.Background()
	store, storyID := newTestWorld(t)
	provider := &embmock.Provider{EmbedResult: []float32{1, 2}, EmbedBatchResult: [][]float32{{1, 2}}}
	r := NewRefresher(store, provider)

	card, err := store.UpsertCard(ctx, world.CardInput{StoryID: storyID, Type: world.CardFaction, Name: "Salt Choir"})
	if err != nil {
		t.Fatalf("UpsertCard() error = %v", err)
	}

	q := New()
	defer q.Close()
	r.ScheduleCard(q, storyID, card.ID)
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	got, err := store.CardByID(ctx, storyID, card.ID)
	if err != nil {
		t.Fatalf("CardByID() error = %v", err)
	}
	if got.Embedding == nil {
		t.Error("scheduled refresh did not store the card embedding")
	}
}

// stalledProvider blocks every call until its context is done, imitating a
// hung embedding server.
type stalledProvider struct{}

var _ embeddings.Provider = stalledProvider{}

func (stalledProvider) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledProvider) EmbedBatch(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledProvider) Dimensions() int { return 3 }
func (stalledProvider) ModelID() string { return "stalled" }

func TestRefreshCards_EmbedTimeoutSurfacesDeadline(t *testing.T) {
	ctx := context.Background()
	store, storyID := newTestWorld(t)
	if _, err := store.UpsertCard(ctx, world.CardInput{StoryID: storyID, Type: world.CardCharacter, Name: "Mirelle"}); err != nil {
		t.Fatalf("UpsertCard() error = %v", err)
	}

	r := NewRefresher(store, stalledProvider{}, WithEmbedTimeout(10*time.Millisecond))

	err := r.RefreshCards(ctx, storyID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RefreshCards() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestRefreshCard_NoTimeoutKeepsCallerContext(t *testing.T) {
	ctx := context.Background()
	store, storyID := newTestWorld(t)
	card, err := store.UpsertCard(ctx, world.CardInput{StoryID: storyID, Type: world.CardCharacter, Name: "Mirelle"})
	if err != nil {
		t.Fatalf("UpsertCard() error = %v", err)
	}

	provider := &embmock.Provider{
		EmbedFunc: func(text string) []float32 { return []float32{1, 2, 3} },
	}
	r := NewRefresher(store, provider)

	if err := r.RefreshCard(ctx, storyID, card.ID); err != nil {
		t.Fatalf("RefreshCard() error = %v", err)
	}
	got, err := store.CardByID(ctx, storyID, card.ID)
	if err != nil {
		t.Fatalf("CardByID() error = %v", err)
	}
	if got.Embedding == nil {
		t.Error("card embedding not set")
	}
}
