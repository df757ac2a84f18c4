package gm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/loreweave/internal/embedq"
	"github.com/loreweave/loreweave/internal/resolve"
	"github.com/loreweave/loreweave/internal/retrieval"
	embmock "github.com/loreweave/loreweave/pkg/provider/embeddings/mock"
	"github.com/loreweave/loreweave/pkg/provider/llm"
	llmmock "github.com/loreweave/loreweave/pkg/provider/llm/mock"
	"github.com/loreweave/loreweave/pkg/types"
	"github.com/loreweave/loreweave/pkg/world"
	worldmock "github.com/loreweave/loreweave/pkg/world/mock"
)

// testRig bundles everything a turn test touches.
type testRig struct {
	engine  *Engine
	store   *worldmock.Store
	llm     *llmmock.Provider
	queue   *embedq.Queue
	storyID uuid.UUID
}

func newTestRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	ctx := context.Background()

	store := worldmock.NewStore()
	story, err := store.CreateStory(ctx, world.StoryInput{
		UserID: "tester", Title: "The Drowned Abbey", World: "coastal gothic",
	})
	if err != nil {
		t.Fatalf("CreateStory() error = %v", err)
	}

	embProvider := &embmock.Provider{
		EmbedFunc:       func(text string) []float32 { return []float32{float32(len(text) % 7), 1, 0} },
		DimensionsValue: 3,
	}
	llmProvider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "The abbey bells toll beneath the waves."},
	}

	refresher := embedq.NewRefresher(store, embProvider)
	queue := embedq.New()
	t.Cleanup(queue.Close)
	retriever := retrieval.New(store, embProvider, refresher)
	resolver := resolve.New(store)

	engine := New(store, llmProvider, retriever, resolver, refresher, queue, opts...)
	return &testRig{engine: engine, store: store, llm: llmProvider, queue: queue, storyID: story.ID}
}

func (r *testRig) seedPlayer(t *testing.T) *world.Card {
	t.Helper()
	card, err := r.store.UpsertCard(context.Background(), world.CardInput{
		StoryID: r.storyID,
		Type:    world.CardCharacter,
		Name:    "Ishbel Marr",
		Data:    map[string]any{"isPlayerCharacter": true},
	})
	if err != nil {
		t.Fatalf("UpsertCard(player) error = %v", err)
	}
	return card
}

func (r *testRig) messages(t *testing.T) []world.Message {
	t.Helper()
	msgs, err := r.store.ListMessages(context.Background(), r.storyID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	return msgs
}

func TestRunTurn_ContinueCommitsNarrative(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seedPlayer(t)
	worldCard, err := rig.store.UpsertCard(ctx, world.CardInput{
		StoryID: rig.storyID, Type: world.CardWorld, Name: "Saltmere Coast",
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionContinue},
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.Text == "" {
		t.Error("RunTurn() returned empty narrative")
	}

	msgs := rig.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("transcript has %d messages, want 1 (continue adds no player line)", len(msgs))
	}
	if msgs[0].Role != world.RoleDM {
		t.Errorf("message role = %q, want %q", msgs[0].Role, world.RoleDM)
	}
	if msgs[0].Content != result.Text {
		t.Errorf("committed narrative %q != returned %q", msgs[0].Content, result.Text)
	}

	// Retrieval backfilled inline, so the world card is embedded.
	got, err := rig.store.CardByID(ctx, rig.storyID, worldCard.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Embedding == nil {
		t.Error("world card embedding still nil after turn")
	}
}

func TestRunTurn_SayCommitsPlayerLine(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seedPlayer(t)

	if _, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionSay, Text: "Who rings the bells?"},
	}); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	msgs := rig.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != world.RoleYou {
		t.Errorf("first message role = %q, want %q", msgs[0].Role, world.RoleYou)
	}
	if want := `You say: "Who rings the bells?"`; msgs[0].Content != want {
		t.Errorf("player line = %q, want %q", msgs[0].Content, want)
	}
	if msgs[1].Role != world.RoleDM {
		t.Errorf("second message role = %q, want %q", msgs[1].Role, world.RoleDM)
	}
}

func TestRunTurn_ToolLoop(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seedPlayer(t)

	rig.llm.CompleteResponses = []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{
			ID: "call_1", Name: "roll_dice", Arguments: `{"notation":"d20"}`,
		}}},
		{Content: "The blade glances off the wet stone."},
	}

	result, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionDo, Text: "swing at the statue"},
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.Text != "The blade glances off the wet stone." {
		t.Errorf("narrative = %q", result.Text)
	}

	if n := len(rig.llm.CompleteCalls); n != 2 {
		t.Fatalf("Complete called %d times, want 2", n)
	}
	second := rig.llm.CompleteCalls[1].Req.Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Fatalf("last message of round 2 = %+v, want tool result for call_1", last)
	}
	if !strings.Contains(last.Content, `"total"`) {
		t.Errorf("dice result %q does not contain a total", last.Content)
	}
}

func TestRunTurn_ToolErrorContained(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seedPlayer(t)

	rig.llm.CompleteResponses = []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{
			ID: "call_1", Name: "upsert_card", Arguments: `{"type":"vehicle","name":"Ghost Barge"}`,
		}}},
		{Content: "The mist parts."},
	}

	result, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionContinue},
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v, want contained tool failure", err)
	}
	if result.Text != "The mist parts." {
		t.Errorf("narrative = %q", result.Text)
	}

	second := rig.llm.CompleteCalls[1].Req.Messages
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "error") {
		t.Errorf("tool result %q does not carry the error payload", last.Content)
	}
}

func TestRunTurn_RoundLimit(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seedPlayer(t)

	// The model never stops calling tools. The final round's text is kept.
	loop := &llm.CompletionResponse{ToolCalls: []types.ToolCall{{
		ID: "call_n", Name: "roll_dice", Arguments: `{"notation":"d6"}`,
	}}}
	rig.llm.CompleteResponses = []*llm.CompletionResponse{
		loop, loop, loop, loop,
		{Content: "Dice clatter endlessly.", ToolCalls: loop.ToolCalls},
	}

	result, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionContinue},
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.Text != "Dice clatter endlessly." {
		t.Errorf("narrative = %q", result.Text)
	}
	if n := len(rig.llm.CompleteCalls); n != maxToolRounds+1 {
		t.Errorf("Complete called %d times, want %d", n, maxToolRounds+1)
	}
}

func TestRunTurn_TextingIsEphemeral(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seedPlayer(t)

	result, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID:         rig.storyID,
		Action:          types.Action{Kind: types.ActionSay, Text: "Meet me at the pier."},
		TargetCharacter: "Brother Hale",
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.Text == "" {
		t.Error("texting turn returned no text")
	}
	if msgs := rig.messages(t); len(msgs) != 0 {
		t.Errorf("texting turn committed %d transcript messages, want 0", len(msgs))
	}

	system := rig.llm.CompleteCalls[0].Req.SystemPrompt
	if !strings.Contains(system, "Brother Hale") {
		t.Error("system prompt does not mention the texting target")
	}
}

func TestRunTurn_ExamineShortCircuits(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seedPlayer(t)

	if _, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionDo, Text: "examine the drowned altar"},
	}); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	msgs := rig.llm.CompleteCalls[0].Req.Messages
	user := msgs[len(msgs)-1]
	if !strings.Contains(user.Content, "I examine the drowned altar") {
		t.Errorf("user prompt = %q, want focused examine prompt", user.Content)
	}
	if !strings.Contains(user.Content, "Do not advance the scene") {
		t.Errorf("examine prompt does not pin the scene: %q", user.Content)
	}
}

func TestRunTurn_BackstoryReachesPrompt(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	if _, err := rig.store.UpsertCard(ctx, world.CardInput{
		StoryID: rig.storyID,
		Type:    world.CardCharacter,
		Name:    "Ishbel Marr",
		Data: map[string]any{
			"isPlayerCharacter": true,
			"backstory":         []any{"Raised by the lighthouse order."},
		},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionContinue},
	}); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	system := rig.llm.CompleteCalls[0].Req.SystemPrompt
	if !strings.Contains(system, "Raised by the lighthouse order.") {
		t.Error("player backstory missing from system prompt")
	}
}

func TestRunTurn_SystemPromptCarriesSettingsAndIDs(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	player := rig.seedPlayer(t)

	if err := rig.store.UpsertSettings(ctx, rig.storyID, world.Settings{
		Tone: "grim", Difficulty: "brutal", NarrativeStyle: "terse",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionContinue},
	}); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	system := rig.llm.CompleteCalls[0].Req.SystemPrompt
	for _, want := range []string{"grim", "brutal", "terse", player.ID.String(), "Ishbel Marr"} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestRunTurn_RetrievalFailureAbortsWithoutCommit(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seedPlayer(t)
	rig.store.Errs["SearchCards"] = errors.New("index offline")

	if _, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionContinue},
	}); err == nil {
		t.Fatal("RunTurn() error = nil, want retrieval failure")
	}
	if msgs := rig.messages(t); len(msgs) != 0 {
		t.Errorf("failed turn committed %d messages, want 0", len(msgs))
	}
	if n := len(rig.llm.CompleteCalls); n != 0 {
		t.Errorf("model was called %d times despite retrieval failure", n)
	}
}

func TestRunTurn_EmptyNarrativeIsError(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seedPlayer(t)
	rig.llm.CompleteResponse = &llm.CompletionResponse{}

	if _, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionContinue},
	}); err == nil {
		t.Fatal("RunTurn() error = nil, want empty-narrative failure")
	}
	if msgs := rig.messages(t); len(msgs) != 0 {
		t.Errorf("failed turn committed %d messages, want 0", len(msgs))
	}
}

func TestRunTurn_InvalidActionKind(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.engine.RunTurn(context.Background(), TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: "sing"},
	}); err == nil {
		t.Fatal("RunTurn() error = nil, want invalid action kind")
	}
}

func TestRunTurn_UnknownStory(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.engine.RunTurn(context.Background(), TurnRequest{
		StoryID: uuid.New(),
		Action:  types.Action{Kind: types.ActionContinue},
	})
	if !errors.Is(err, world.ErrNotFound) {
		t.Fatalf("RunTurn() error = %v, want ErrNotFound", err)
	}
}

func TestRunTurn_UnknownModelID(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.engine.RunTurn(context.Background(), TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionContinue},
		ModelID: "gpt-nonexistent",
	}); err == nil {
		t.Fatal("RunTurn() error = nil, want unknown model")
	}
}

func TestRunTurn_AlternateModel(t *testing.T) {
	alt := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "A different voice narrates."},
	}
	rig := newTestRig(t, WithModel("alt", alt))
	rig.seedPlayer(t)

	result, err := rig.engine.RunTurn(context.Background(), TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionContinue},
		ModelID: "alt",
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.Text != "A different voice narrates." {
		t.Errorf("narrative = %q, want the alternate model's output", result.Text)
	}
	if len(rig.llm.CompleteCalls) != 0 {
		t.Error("default provider was called for an alternate-model turn")
	}
	if len(alt.CompleteCalls) != 1 {
		t.Errorf("alternate provider called %d times, want 1", len(alt.CompleteCalls))
	}
}

func TestRunTurn_WritesScheduleEmbeddingRefresh(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seedPlayer(t)

	rig.llm.CompleteResponses = []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{
			ID: "call_1", Name: "upsert_card",
			Arguments: `{"type":"item","name":"Bell-Key","description":"Opens the drowned belfry."}`,
		}}},
		{Content: "You pocket the Bell-Key."},
	}

	if _, err := rig.engine.RunTurn(ctx, TurnRequest{
		StoryID: rig.storyID,
		Action:  types.Action{Kind: types.ActionDo, Text: "take the key"},
	}); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rig.queue.Drain(dctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	card, err := rig.store.CardByName(ctx, rig.storyID, world.CardItem, "Bell-Key")
	if err != nil {
		t.Fatal(err)
	}
	if card.Embedding == nil {
		t.Error("tool-created card not embedded after queue drain")
	}
}
