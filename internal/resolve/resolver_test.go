package resolve

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/loreweave/loreweave/pkg/world"
	worldmock "github.com/loreweave/loreweave/pkg/world/mock"
)

// seedWorld builds a story with a small cast and returns the cards by name.
func seedWorld(t *testing.T) (*Resolver, uuid.UUID, map[string]*world.Card) {
	t.Helper()
	ctx := context.Background()
	store := worldmock.NewStore()
	story, err := store.CreateStory(ctx, world.StoryInput{UserID: "tester", Title: "The Ashen Road"})
	if err != nil {
		t.Fatalf("CreateStory() error = %v", err)
	}

	cards := map[string]*world.Card{}
	for _, in := range []world.CardInput{
		{
			StoryID: story.ID, Type: world.CardCharacter, Name: "Seraphine of the Ash",
			Data: map[string]any{
				"displayName": "Lady Seraphine",
				"aliases":     []any{"The Ash Witch", "Sera"},
			},
		},
		{StoryID: story.ID, Type: world.CardCharacter, Name: "Dorn Ironhand"},
		{StoryID: story.ID, Type: world.CardEnvironment, Name: "The Ashen Road"},
	} {
		card, err := store.UpsertCard(ctx, in)
		if err != nil {
			t.Fatalf("UpsertCard(%q) error = %v", in.Name, err)
		}
		cards[in.Name] = card
	}
	return New(store), story.ID, cards
}

func TestResolve_Chain(t *testing.T) {
	r, storyID, cards := seedWorld(t)
	sera := cards["Seraphine of the Ash"]
	dorn := cards["Dorn Ironhand"]
	road := cards["The Ashen Road"]
	cache := []world.Card{*sera, *dorn, *road}

	tests := []struct {
		name   string
		ref    EntityRef
		wantID uuid.UUID
		wantOK bool
	}{
		{
			name:   "valid uuid id",
			ref:    EntityRef{ID: sera.ID.String()},
			wantID: sera.ID, wantOK: true,
		},
		{
			name:   "fabricated uuid falls back to name",
			ref:    EntityRef{ID: uuid.NewString(), Name: "Dorn Ironhand"},
			wantID: dorn.ID, wantOK: true,
		},
		{
			name:   "fabricated uuid without name fails",
			ref:    EntityRef{ID: uuid.NewString()},
			wantOK: false,
		},
		{
			name:   "name in the id field",
			ref:    EntityRef{ID: "Dorn Ironhand"},
			wantID: dorn.ID, wantOK: true,
		},
		{
			name:   "exact type and name",
			ref:    EntityRef{Name: "The Ashen Road", Type: world.CardEnvironment},
			wantID: road.ID, wantOK: true,
		},
		{
			name:   "case-insensitive name",
			ref:    EntityRef{Name: "dorn ironhand"},
			wantID: dorn.ID, wantOK: true,
		},
		{
			name:   "display name from data bag",
			ref:    EntityRef{Name: "lady seraphine"},
			wantID: sera.ID, wantOK: true,
		},
		{
			name:   "alias from data bag",
			ref:    EntityRef{Name: "the ash witch"},
			wantID: sera.ID, wantOK: true,
		},
		{
			name:   "fuzzy misspelling",
			ref:    EntityRef{Name: "Dorn Ironhande"},
			wantID: dorn.ID, wantOK: true,
		},
		{
			name:   "fuzzy alias misspelling",
			ref:    EntityRef{Name: "Serra"},
			wantID: sera.ID, wantOK: true,
		},
		{
			name:   "unrelated name fails",
			ref:    EntityRef{Name: "Captain Vex"},
			wantOK: false,
		},
		{
			name:   "empty ref fails",
			ref:    EntityRef{},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotOK := r.Resolve(context.Background(), storyID, tt.ref, cache)
			if gotOK != tt.wantOK {
				t.Fatalf("Resolve() ok = %v, want %v", gotOK, tt.wantOK)
			}
			if tt.wantOK && gotID != tt.wantID {
				t.Errorf("Resolve() id = %s, want %s", gotID, tt.wantID)
			}
			if !tt.wantOK && gotID != uuid.Nil {
				t.Errorf("Resolve() id = %s, want uuid.Nil on failure", gotID)
			}
		})
	}
}

func TestResolve_UUIDVerifiedAgainstCache(t *testing.T) {
	r, storyID, cards := seedWorld(t)
	dorn := cards["Dorn Ironhand"]
	cache := []world.Card{*dorn}

	// In cache: accepted.
	if id, ok := r.Resolve(context.Background(), storyID, EntityRef{ID: dorn.ID.String()}, cache); !ok || id != dorn.ID {
		t.Errorf("Resolve(cached id) = %s, %v; want %s, true", id, ok, dorn.ID)
	}

	// UUID-shaped but absent from the cache and no name: rejected rather
	// than trusted.
	if id, ok := r.Resolve(context.Background(), storyID, EntityRef{ID: uuid.NewString()}, cache); ok {
		t.Errorf("Resolve(fabricated id with cache) = %s, true; want rejection", id)
	}

	// Absent from the cache but carrying a resolvable name: falls through.
	ref := EntityRef{ID: uuid.NewString(), Name: "Seraphine of the Ash"}
	if id, ok := r.Resolve(context.Background(), storyID, ref, cache); ok {
		// The cache only held Dorn, so name resolution also runs against it.
		t.Errorf("Resolve() = %s, true; want failure against a cache without Seraphine", id)
	}
}

func TestResolve_NilCacheTrustsUUID(t *testing.T) {
	r, storyID, _ := seedWorld(t)
	id := uuid.New()
	got, ok := r.Resolve(context.Background(), storyID, EntityRef{ID: id.String()}, nil)
	if !ok || got != id {
		t.Errorf("Resolve(uuid, nil cache) = %s, %v; want %s, true", got, ok, id)
	}
}
