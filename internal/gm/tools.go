package gm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loreweave/loreweave/internal/embedq"
	"github.com/loreweave/loreweave/internal/resolve"
	"github.com/loreweave/loreweave/pkg/world"
)

// Summarizer condenses a story's recent transcript into durable state. The
// summarize_story tool delegates to it; [summary.Reconciler] is the real
// implementation.
type Summarizer interface {
	SummarizeText(ctx context.Context, storyID uuid.UUID) (string, error)
}

// toolset is the per-turn tool environment: engine services plus the
// caller-owned fields (story ID, card cache) that never come from the model.
type toolset struct {
	store      world.Store
	resolver   *resolve.Resolver
	refresher  *embedq.Refresher
	queue      *embedq.Queue
	summarizer Summarizer

	storyID uuid.UUID
	cards   []world.Card

	// imageURL is the side channel a future image backend fills; the commit
	// step attaches it to the narrator's message.
	imageURL string
}

// tools returns the bound tool list for one turn.
func (ts *toolset) tools() []tool {
	return []tool{
		{
			name:        "roll_dice",
			description: "Roll dice using standard notation like d20, 3d6, or 2d8+4. Use for any check, attack, or chance outcome.",
			parameters: objectSchema([]string{"notation"}, map[string]any{
				"notation": map[string]any{"type": "string", "description": "Dice notation, e.g. \"2d6+1\"."},
			}),
			run: ts.rollDice,
		},
		{
			name:        "upsert_card",
			description: "Create or update a world card (character, environment, item, faction, quest). Data fields merge into the existing card; arrays accumulate.",
			parameters: objectSchema([]string{"type", "name"}, map[string]any{
				"type":        map[string]any{"type": "string", "enum": []string{"character", "environment", "item", "faction", "quest"}},
				"name":        map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"data":        map[string]any{"type": "object", "description": "Free-form attributes to merge into the card."},
			}),
			run: ts.upsertCard,
		},
		{
			name:        "list_cards",
			description: "List the story's world cards, optionally filtered by type or a name fragment.",
			parameters: objectSchema(nil, map[string]any{
				"type":          map[string]any{"type": "string", "enum": []string{"character", "environment", "item", "faction", "quest"}},
				"name_contains": map[string]any{"type": "string"},
			}),
			run: ts.listCards,
		},
		{
			name:        "record_backstory_element",
			description: "Record a new fact about the player character's past. Appends to their backstory and remembers it as a memory.",
			parameters: objectSchema([]string{"element"}, map[string]any{
				"element": map[string]any{"type": "string", "description": "One backstory fact, a single sentence."},
			}),
			run: ts.recordBackstoryElement,
		},
		{
			name:        "record_memory",
			description: "Record a durable memory: a fact worth recalling in future scenes. Reference characters by name or id.",
			parameters: objectSchema([]string{"summary"}, map[string]any{
				"summary":           map[string]any{"type": "string", "description": "The fact, one sentence."},
				"owner_character":   map[string]any{"type": "string", "description": "Who holds this memory, if any."},
				"subject_character": map[string]any{"type": "string", "description": "Who the memory is about, if any."},
				"importance":        map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
				"tags":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}),
			run: ts.recordMemory,
		},
		{
			name:        "upsert_character_stat",
			description: "Set a character's stat (hp, gold, strength, ...). Last write wins.",
			parameters: objectSchema([]string{"character", "key", "value"}, map[string]any{
				"character":  map[string]any{"type": "string", "description": "Character name or id."},
				"key":        map[string]any{"type": "string"},
				"value":      map[string]any{},
				"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			}),
			run: ts.upsertCharacterStat,
		},
		{
			name:        "update_relationship",
			description: "Update the directed relationship from one character to another. Metrics merge; importance never decreases.",
			parameters: objectSchema([]string{"source_character", "target_character"}, map[string]any{
				"source_character": map[string]any{"type": "string"},
				"target_character": map[string]any{"type": "string"},
				"summary":          map[string]any{"type": "string", "description": "One line describing the relationship."},
				"metrics":          map[string]any{"type": "object", "description": "Numeric or qualitative measures such as trust or fear."},
				"importance":       map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
			}),
			run: ts.updateRelationship,
		},
		{
			name:        "summarize_story",
			description: "Condense the story so far into the long-term summary and durable memories. Use when a chapter closes.",
			parameters:  objectSchema(nil, map[string]any{}),
			run:         ts.summarizeStory,
		},
		{
			name:        "generate_image",
			description: "Generate an illustration of the current scene.",
			parameters: objectSchema([]string{"prompt"}, map[string]any{
				"prompt": map[string]any{"type": "string", "description": "Visual description of the scene."},
			}),
			run: ts.generateImage,
		},
	}
}

// resolveRef maps a model-supplied character reference onto a card ID using
// this turn's card cache.
func (ts *toolset) resolveRef(ctx context.Context, ref string) (uuid.UUID, bool) {
	if ref == "" {
		return uuid.Nil, false
	}
	return ts.resolver.Resolve(ctx, ts.storyID, resolve.EntityRef{ID: ref, Name: ref, Type: world.CardCharacter}, ts.cards)
}

func (ts *toolset) rollDice(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Notation string `json:"notation"`
	}
	if err := decodeArgs("roll_dice", args, &in); err != nil {
		return "", err
	}
	roll, err := rollDice(in.Notation)
	if err != nil {
		return "", &ToolError{Tool: "roll_dice", Err: err}
	}
	b, _ := json.Marshal(roll)
	return string(b), nil
}

func (ts *toolset) upsertCard(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Type        string         `json:"type"`
		Name        string         `json:"name"`
		Description *string        `json:"description"`
		Data        map[string]any `json:"data"`
	}
	if err := decodeArgs("upsert_card", args, &in); err != nil {
		return "", err
	}
	typ := world.CardType(in.Type)
	if !typ.IsValid() {
		return "", &ValidationError{Tool: "upsert_card", Msg: fmt.Sprintf("unknown card type %q", in.Type)}
	}
	if in.Name == "" {
		return "", &ValidationError{Tool: "upsert_card", Msg: "name must not be empty"}
	}

	card, err := ts.store.UpsertCard(ctx, world.CardInput{
		StoryID:     ts.storyID,
		Type:        typ,
		Name:        in.Name,
		Description: in.Description,
		Data:        in.Data,
	})
	if err != nil {
		return "", &ToolError{Tool: "upsert_card", Err: err}
	}
	ts.refreshCardCache(card)
	ts.refresher.ScheduleCard(ts.queue, ts.storyID, card.ID)

	b, _ := json.Marshal(map[string]any{"id": card.ID, "type": card.Type, "name": card.Name})
	return string(b), nil
}

// refreshCardCache keeps the turn's resolution cache consistent with writes
// made earlier in the same turn.
func (ts *toolset) refreshCardCache(card *world.Card) {
	for i := range ts.cards {
		if ts.cards[i].ID == card.ID {
			ts.cards[i] = *card
			return
		}
	}
	ts.cards = append(ts.cards, *card)
}

func (ts *toolset) listCards(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Type         string `json:"type"`
		NameContains string `json:"name_contains"`
	}
	if err := decodeArgs("list_cards", args, &in); err != nil {
		return "", err
	}
	var opts []world.CardQueryOpt
	if in.Type != "" {
		typ := world.CardType(in.Type)
		if !typ.IsValid() {
			return "", &ValidationError{Tool: "list_cards", Msg: fmt.Sprintf("unknown card type %q", in.Type)}
		}
		opts = append(opts, world.WithCardType(typ))
	}
	if in.NameContains != "" {
		opts = append(opts, world.WithNameContains(in.NameContains))
	}

	cards, err := ts.store.ListCards(ctx, ts.storyID, opts...)
	if err != nil {
		return "", &ToolError{Tool: "list_cards", Err: err}
	}
	out := make([]map[string]any, len(cards))
	for i, c := range cards {
		out[i] = map[string]any{"id": c.ID, "type": c.Type, "name": c.Name, "description": c.Description}
	}
	b, _ := json.Marshal(out)
	return string(b), nil
}

func (ts *toolset) recordBackstoryElement(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Element string `json:"element"`
	}
	if err := decodeArgs("record_backstory_element", args, &in); err != nil {
		return "", err
	}
	if in.Element == "" {
		return "", &ValidationError{Tool: "record_backstory_element", Msg: "element must not be empty"}
	}

	player := playerCard(ts.cards)
	if player == nil {
		return "", &ToolError{Tool: "record_backstory_element", Err: fmt.Errorf("story has no player character card")}
	}

	card, err := ts.store.UpsertCard(ctx, world.CardInput{
		StoryID: ts.storyID,
		Type:    player.Type,
		Name:    player.Name,
		Data:    map[string]any{"backstory": []any{in.Element}},
	})
	if err != nil {
		return "", &ToolError{Tool: "record_backstory_element", Err: err}
	}
	ts.refreshCardCache(card)

	if _, err := ts.store.RecordMemory(ctx, world.MemoryInput{
		StoryID:     ts.storyID,
		OwnerCardID: player.ID,
		Source:      world.SourcePlayer,
		Summary:     in.Element,
		Tags:        []string{"backstory"},
		Importance:  3,
	}); err != nil {
		return "", &ToolError{Tool: "record_backstory_element", Err: err}
	}
	ts.refresher.ScheduleCard(ts.queue, ts.storyID, card.ID)
	ts.refresher.ScheduleMemories(ts.queue, ts.storyID)

	b, _ := json.Marshal(map[string]any{"recorded": in.Element, "character": player.Name})
	return string(b), nil
}

func (ts *toolset) recordMemory(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Summary          string   `json:"summary"`
		OwnerCharacter   string   `json:"owner_character"`
		SubjectCharacter string   `json:"subject_character"`
		Importance       int      `json:"importance"`
		Tags             []string `json:"tags"`
	}
	if err := decodeArgs("record_memory", args, &in); err != nil {
		return "", err
	}
	if in.Summary == "" {
		return "", &ValidationError{Tool: "record_memory", Msg: "summary must not be empty"}
	}

	// Unresolvable references degrade to an unattributed memory rather than
	// failing: the fact itself is still worth keeping.
	owner, _ := ts.resolveRef(ctx, in.OwnerCharacter)
	subject, _ := ts.resolveRef(ctx, in.SubjectCharacter)

	mem, err := ts.store.RecordMemory(ctx, world.MemoryInput{
		StoryID:       ts.storyID,
		OwnerCardID:   owner,
		SubjectCardID: subject,
		Source:        world.SourceDM,
		Summary:       in.Summary,
		Importance:    in.Importance,
		Tags:          in.Tags,
	})
	if err != nil {
		return "", &ToolError{Tool: "record_memory", Err: err}
	}
	ts.refresher.ScheduleMemories(ts.queue, ts.storyID)

	b, _ := json.Marshal(map[string]any{"id": mem.ID, "summary": mem.Summary})
	return string(b), nil
}

func (ts *toolset) upsertCharacterStat(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Character  string  `json:"character"`
		Key        string  `json:"key"`
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence"`
	}
	if err := decodeArgs("upsert_character_stat", args, &in); err != nil {
		return "", err
	}
	if in.Key == "" {
		return "", &ValidationError{Tool: "upsert_character_stat", Msg: "key must not be empty"}
	}
	cardID, ok := ts.resolveRef(ctx, in.Character)
	if !ok {
		return "", &ToolError{Tool: "upsert_character_stat", Err: fmt.Errorf("unknown character %q", in.Character)}
	}

	stat, err := ts.store.UpsertStat(ctx, world.StatInput{
		StoryID:    ts.storyID,
		CardID:     cardID,
		Key:        in.Key,
		Value:      in.Value,
		Confidence: in.Confidence,
	})
	if err != nil {
		return "", &ToolError{Tool: "upsert_character_stat", Err: err}
	}
	b, _ := json.Marshal(map[string]any{"character": in.Character, "key": stat.Key, "value": stat.Value})
	return string(b), nil
}

func (ts *toolset) updateRelationship(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		SourceCharacter string         `json:"source_character"`
		TargetCharacter string         `json:"target_character"`
		Summary         string         `json:"summary"`
		Metrics         map[string]any `json:"metrics"`
		Importance      int            `json:"importance"`
	}
	if err := decodeArgs("update_relationship", args, &in); err != nil {
		return "", err
	}
	src, ok := ts.resolveRef(ctx, in.SourceCharacter)
	if !ok {
		return "", &ToolError{Tool: "update_relationship", Err: fmt.Errorf("unknown character %q", in.SourceCharacter)}
	}
	dst, ok := ts.resolveRef(ctx, in.TargetCharacter)
	if !ok {
		return "", &ToolError{Tool: "update_relationship", Err: fmt.Errorf("unknown character %q", in.TargetCharacter)}
	}

	rel, err := ts.store.UpsertRelationship(ctx, world.RelationshipInput{
		StoryID:      ts.storyID,
		SourceCardID: src,
		TargetCardID: dst,
		Summary:      in.Summary,
		Metrics:      in.Metrics,
		Importance:   in.Importance,
	})
	if err != nil {
		return "", &ToolError{Tool: "update_relationship", Err: err}
	}
	ts.refresher.ScheduleRelationships(ts.queue, ts.storyID)

	b, _ := json.Marshal(map[string]any{
		"source": in.SourceCharacter, "target": in.TargetCharacter, "importance": rel.Importance,
	})
	return string(b), nil
}

func (ts *toolset) summarizeStory(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct{}
	if err := decodeArgs("summarize_story", args, &in); err != nil {
		return "", err
	}
	if ts.summarizer == nil {
		return "", &ToolError{Tool: "summarize_story", Err: fmt.Errorf("summarization is not configured")}
	}
	text, err := ts.summarizer.SummarizeText(ctx, ts.storyID)
	if err != nil {
		return "", &ToolError{Tool: "summarize_story", Err: err}
	}
	b, _ := json.Marshal(map[string]string{"summary": text})
	return string(b), nil
}

// generateImage keeps the tool contract without an image backend. The
// result tells the model to narrate on, and the turn carries no image URL.
func (ts *toolset) generateImage(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeArgs("generate_image", args, &in); err != nil {
		return "", err
	}
	return errorPayload("image generation is not configured for this story; continue narrating without an illustration"), nil
}

// playerCard returns the card flagged isPlayerCharacter, or nil.
func playerCard(cards []world.Card) *world.Card {
	for i := range cards {
		if cards[i].Data.IsPlayerCharacter() {
			return &cards[i]
		}
	}
	return nil
}
