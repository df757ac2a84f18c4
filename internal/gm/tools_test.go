package gm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/loreweave/loreweave/internal/embedq"
	"github.com/loreweave/loreweave/internal/resolve"
	embmock "github.com/loreweave/loreweave/pkg/provider/embeddings/mock"
	"github.com/loreweave/loreweave/pkg/types"
	"github.com/loreweave/loreweave/pkg/world"
	worldmock "github.com/loreweave/loreweave/pkg/world/mock"
)

func newTestToolset(t *testing.T) (*toolset, *worldmock.Store) {
	t.Helper()
	ctx := context.Background()

	store := worldmock.NewStore()
	story, err := store.CreateStory(ctx, world.StoryInput{UserID: "tester", Title: "The Glass Fen"})
	if err != nil {
		t.Fatalf("CreateStory() error = %v", err)
	}

	queue := embedq.New()
	t.Cleanup(queue.Close)
	refresher := embedq.NewRefresher(store, &embmock.Provider{
		EmbedFunc:       func(string) []float32 { return []float32{1, 0, 0} },
		DimensionsValue: 3,
	})

	return &toolset{
		store:     store,
		resolver:  resolve.New(store),
		refresher: refresher,
		queue:     queue,
		storyID:   story.ID,
	}, store
}

func seedCharacter(t *testing.T, ts *toolset, name string, data map[string]any) *world.Card {
	t.Helper()
	card, err := ts.store.UpsertCard(context.Background(), world.CardInput{
		StoryID: ts.storyID,
		Type:    world.CardCharacter,
		Name:    name,
		Data:    data,
	})
	if err != nil {
		t.Fatalf("UpsertCard(%s) error = %v", name, err)
	}
	ts.cards = append(ts.cards, *card)
	return card
}

// ─── dispatch ────────────────────────────────────────────────────────────────

func TestDispatch_UnknownTool(t *testing.T) {
	ts, _ := newTestToolset(t)
	out := dispatch(context.Background(), ts.tools(), types.ToolCall{ID: "c1", Name: "cast_fireball"})
	if !strings.Contains(out, "error") || !strings.Contains(out, "cast_fireball") {
		t.Errorf("dispatch(unknown) = %q, want error payload naming the tool", out)
	}
}

func TestDispatch_MalformedArguments(t *testing.T) {
	ts, _ := newTestToolset(t)
	out := dispatch(context.Background(), ts.tools(), types.ToolCall{
		ID: "c1", Name: "roll_dice", Arguments: `{"notation": `,
	})
	if !strings.Contains(out, "error") {
		t.Errorf("dispatch(malformed) = %q, want error payload", out)
	}
}

func TestDispatch_UnknownFieldRejected(t *testing.T) {
	ts, _ := newTestToolset(t)
	out := dispatch(context.Background(), ts.tools(), types.ToolCall{
		ID: "c1", Name: "roll_dice", Arguments: `{"notation":"d6","advantage":true}`,
	})
	if !strings.Contains(out, "error") {
		t.Errorf("dispatch(unknown field) = %q, want error payload", out)
	}
}

func TestDispatch_EmptyArgumentsAreEmptyObject(t *testing.T) {
	ts, _ := newTestToolset(t)
	out := dispatch(context.Background(), ts.tools(), types.ToolCall{ID: "c1", Name: "summarize_story"})
	// summarize_story decodes fine with no args and then fails on the
	// missing summarizer, not on argument parsing.
	if !strings.Contains(out, "summarization is not configured") {
		t.Errorf("dispatch(summarize_story) = %q", out)
	}
}

func TestDispatch_RecoversFromPanic(t *testing.T) {
	boom := []tool{{
		name: "boom",
		run: func(context.Context, json.RawMessage) (string, error) {
			panic("wired wrong")
		},
	}}
	out := dispatch(context.Background(), boom, types.ToolCall{ID: "c1", Name: "boom"})
	if !strings.Contains(out, "error") {
		t.Errorf("dispatch(panicking tool) = %q, want error payload", out)
	}
}

// ─── individual tools ────────────────────────────────────────────────────────

func TestUpsertCardTool_CreatesAndCaches(t *testing.T) {
	ts, store := newTestToolset(t)
	out := dispatch(context.Background(), ts.tools(), types.ToolCall{
		ID: "c1", Name: "upsert_card",
		Arguments: `{"type":"item","name":"Fen Lantern","data":{"fuel":"marsh gas"}}`,
	})
	if strings.Contains(out, "error") {
		t.Fatalf("upsert_card = %q", out)
	}

	card, err := store.CardByName(context.Background(), ts.storyID, world.CardItem, "Fen Lantern")
	if err != nil {
		t.Fatalf("CardByName() error = %v", err)
	}
	if card.Data["fuel"] != "marsh gas" {
		t.Errorf("card data = %v", card.Data)
	}
	if len(ts.cards) != 1 || ts.cards[0].ID != card.ID {
		t.Error("turn card cache was not refreshed")
	}
}

func TestUpsertCardTool_MergesData(t *testing.T) {
	ts, store := newTestToolset(t)
	ctx := context.Background()
	seedCharacter(t, ts, "Maren", map[string]any{"traits": []any{"wary"}})

	out := dispatch(ctx, ts.tools(), types.ToolCall{
		ID: "c1", Name: "upsert_card",
		Arguments: `{"type":"character","name":"Maren","data":{"traits":["kind"],"home":"the fen"}}`,
	})
	if strings.Contains(out, "error") {
		t.Fatalf("upsert_card = %q", out)
	}

	card, err := store.CardByName(ctx, ts.storyID, world.CardCharacter, "Maren")
	if err != nil {
		t.Fatal(err)
	}
	traits, _ := card.Data["traits"].([]any)
	if len(traits) != 2 {
		t.Errorf("traits = %v, want accumulated [wary kind]", traits)
	}
	if card.Data["home"] != "the fen" {
		t.Errorf("home = %v", card.Data["home"])
	}
}

func TestUpsertCardTool_RejectsBadInput(t *testing.T) {
	ts, _ := newTestToolset(t)
	for name, args := range map[string]string{
		"bad type":   `{"type":"vehicle","name":"Barge"}`,
		"empty name": `{"type":"item","name":""}`,
	} {
		out := dispatch(context.Background(), ts.tools(), types.ToolCall{
			ID: "c1", Name: "upsert_card", Arguments: args,
		})
		if !strings.Contains(out, "error") {
			t.Errorf("%s: upsert_card = %q, want error payload", name, out)
		}
	}
}

func TestListCardsTool_Filters(t *testing.T) {
	ts, _ := newTestToolset(t)
	ctx := context.Background()
	seedCharacter(t, ts, "Maren", nil)
	if _, err := ts.store.UpsertCard(ctx, world.CardInput{
		StoryID: ts.storyID, Type: world.CardItem, Name: "Fen Lantern",
	}); err != nil {
		t.Fatal(err)
	}

	out := dispatch(ctx, ts.tools(), types.ToolCall{
		ID: "c1", Name: "list_cards", Arguments: `{"type":"item"}`,
	})
	var listed []map[string]any
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("list_cards output %q: %v", out, err)
	}
	if len(listed) != 1 || listed[0]["name"] != "Fen Lantern" {
		t.Errorf("filtered list = %v", listed)
	}
}

func TestRecordBackstoryTool_AppendsAndRemembers(t *testing.T) {
	ts, store := newTestToolset(t)
	ctx := context.Background()
	player := seedCharacter(t, ts, "Ishbel", map[string]any{"isPlayerCharacter": true})

	out := dispatch(ctx, ts.tools(), types.ToolCall{
		ID: "c1", Name: "record_backstory_element",
		Arguments: `{"element":"She once smuggled relics through the fen."}`,
	})
	if strings.Contains(out, "error") {
		t.Fatalf("record_backstory_element = %q", out)
	}

	card, err := store.CardByID(ctx, ts.storyID, player.ID)
	if err != nil {
		t.Fatal(err)
	}
	backstory := card.Data.Backstory()
	if len(backstory) != 1 || backstory[0] != "She once smuggled relics through the fen." {
		t.Errorf("backstory = %v", backstory)
	}

	mems, err := store.ListMemories(ctx, ts.storyID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 {
		t.Fatalf("got %d memories, want 1", len(mems))
	}
	if mems[0].Source != world.SourcePlayer || mems[0].OwnerCardID != player.ID {
		t.Errorf("memory attribution = source %q owner %s", mems[0].Source, mems[0].OwnerCardID)
	}
	if len(mems[0].Tags) != 1 || mems[0].Tags[0] != "backstory" {
		t.Errorf("memory tags = %v", mems[0].Tags)
	}
}

func TestRecordBackstoryTool_NoPlayerCard(t *testing.T) {
	ts, _ := newTestToolset(t)
	seedCharacter(t, ts, "Maren", nil)
	out := dispatch(context.Background(), ts.tools(), types.ToolCall{
		ID: "c1", Name: "record_backstory_element", Arguments: `{"element":"Born at sea."}`,
	})
	if !strings.Contains(out, "error") {
		t.Errorf("record_backstory_element without player = %q, want error payload", out)
	}
}

func TestRecordMemoryTool_ResolvesOwnerByName(t *testing.T) {
	ts, store := newTestToolset(t)
	ctx := context.Background()
	maren := seedCharacter(t, ts, "Maren", nil)

	out := dispatch(ctx, ts.tools(), types.ToolCall{
		ID: "c1", Name: "record_memory",
		Arguments: `{"summary":"Maren distrusts the ferryman.","owner_character":"Maren","importance":4}`,
	})
	if strings.Contains(out, "error") {
		t.Fatalf("record_memory = %q", out)
	}

	mems, err := store.ListMemories(ctx, ts.storyID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 {
		t.Fatalf("got %d memories, want 1", len(mems))
	}
	if mems[0].OwnerCardID != maren.ID {
		t.Errorf("owner = %s, want %s", mems[0].OwnerCardID, maren.ID)
	}
	if mems[0].Source != world.SourceDM || mems[0].Importance != 4 {
		t.Errorf("memory = source %q importance %d", mems[0].Source, mems[0].Importance)
	}
}

func TestRecordMemoryTool_UnresolvableOwnerStillRecords(t *testing.T) {
	ts, store := newTestToolset(t)
	ctx := context.Background()

	out := dispatch(ctx, ts.tools(), types.ToolCall{
		ID: "c1", Name: "record_memory",
		Arguments: `{"summary":"A bell tolls at dusk.","owner_character":"The Ferryman"}`,
	})
	if strings.Contains(out, "error") {
		t.Fatalf("record_memory = %q", out)
	}
	mems, err := store.ListMemories(ctx, ts.storyID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 {
		t.Fatalf("got %d memories, want 1", len(mems))
	}
	if mems[0].OwnerCardID != uuid.Nil {
		t.Errorf("owner = %s, want unattributed", mems[0].OwnerCardID)
	}
}

func TestUpsertStatTool(t *testing.T) {
	ts, store := newTestToolset(t)
	ctx := context.Background()
	maren := seedCharacter(t, ts, "Maren", nil)

	out := dispatch(ctx, ts.tools(), types.ToolCall{
		ID: "c1", Name: "upsert_character_stat",
		Arguments: `{"character":"Maren","key":"hp","value":12,"confidence":0.9}`,
	})
	if strings.Contains(out, "error") {
		t.Fatalf("upsert_character_stat = %q", out)
	}

	stats, err := store.ListStats(ctx, ts.storyID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].CardID != maren.ID || stats[0].Key != "hp" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestUpsertStatTool_UnknownCharacter(t *testing.T) {
	ts, _ := newTestToolset(t)
	out := dispatch(context.Background(), ts.tools(), types.ToolCall{
		ID: "c1", Name: "upsert_character_stat",
		Arguments: `{"character":"Nobody","key":"hp","value":1}`,
	})
	if !strings.Contains(out, "error") {
		t.Errorf("upsert_character_stat = %q, want error payload", out)
	}
}

func TestUpdateRelationshipTool(t *testing.T) {
	ts, store := newTestToolset(t)
	ctx := context.Background()
	maren := seedCharacter(t, ts, "Maren", nil)
	dorn := seedCharacter(t, ts, "Dorn", nil)

	out := dispatch(ctx, ts.tools(), types.ToolCall{
		ID: "c1", Name: "update_relationship",
		Arguments: `{"source_character":"Maren","target_character":"Dorn","summary":"Old rivals.","metrics":{"trust":2},"importance":3}`,
	})
	if strings.Contains(out, "error") {
		t.Fatalf("update_relationship = %q", out)
	}

	rels, err := store.ListRelationships(ctx, ts.storyID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 {
		t.Fatalf("got %d relationships, want 1", len(rels))
	}
	if rels[0].SourceCardID != maren.ID || rels[0].TargetCardID != dorn.ID {
		t.Errorf("relationship endpoints = %s -> %s", rels[0].SourceCardID, rels[0].TargetCardID)
	}
}

type stubSummarizer struct {
	text string
	err  error
}

func (s *stubSummarizer) SummarizeText(context.Context, uuid.UUID) (string, error) {
	return s.text, s.err
}

func TestSummarizeStoryTool(t *testing.T) {
	ts, _ := newTestToolset(t)
	ts.summarizer = &stubSummarizer{text: "Ishbel reached the fen."}

	out := dispatch(context.Background(), ts.tools(), types.ToolCall{ID: "c1", Name: "summarize_story"})
	if !strings.Contains(out, "Ishbel reached the fen.") {
		t.Errorf("summarize_story = %q", out)
	}
}

func TestSummarizeStoryTool_Failure(t *testing.T) {
	ts, _ := newTestToolset(t)
	ts.summarizer = &stubSummarizer{err: errors.New("model unavailable")}

	out := dispatch(context.Background(), ts.tools(), types.ToolCall{ID: "c1", Name: "summarize_story"})
	if !strings.Contains(out, "error") {
		t.Errorf("summarize_story = %q, want error payload", out)
	}
}

func TestGenerateImageTool_Stub(t *testing.T) {
	ts, _ := newTestToolset(t)
	out := dispatch(context.Background(), ts.tools(), types.ToolCall{
		ID: "c1", Name: "generate_image", Arguments: `{"prompt":"a lantern over black water"}`,
	})
	if !strings.Contains(out, "continue narrating") {
		t.Errorf("generate_image = %q", out)
	}
	if ts.imageURL != "" {
		t.Errorf("imageURL = %q, want empty", ts.imageURL)
	}
}
