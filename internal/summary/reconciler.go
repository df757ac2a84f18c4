// Package summary condenses a story's transcript into durable world state.
//
// The reconciler runs a structured-output model call over the recent
// transcript and applies the result: a new entry on the story's long-term
// summary card, a batch of memories, character data patches, and
// relationship updates. Every character reference in the model's output is
// resolved against the live card set first, so fabricated ids never reach
// the store.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/loreweave/internal/embedq"
	"github.com/loreweave/loreweave/internal/resolve"
	"github.com/loreweave/loreweave/pkg/provider/llm"
	"github.com/loreweave/loreweave/pkg/types"
	"github.com/loreweave/loreweave/pkg/world"
)

const (
	// maxAttempts bounds the parse-retry loop. Each failed parse is fed back
	// into the conversation so the model can correct itself.
	maxAttempts = 3

	// summaryCardName is the singleton card holding the accumulated
	// long-term summary entries under data.summaries.
	summaryCardName = "Long-Term Summary"

	defaultHistoryDepth = 60
	defaultTimeout      = 60 * time.Second
)

// Result reports what one reconciliation pass produced.
type Result struct {
	Summary string

	// IDs of the rows created or updated by this pass.
	MemoryIDs       []uuid.UUID
	CharacterIDs    []uuid.UUID
	RelationshipIDs []uuid.UUID
}

// Reconciler condenses transcripts via a structured-output model call.
type Reconciler struct {
	store     world.Store
	provider  llm.Provider
	resolver  *resolve.Resolver
	refresher *embedq.Refresher
	queue     *embedq.Queue

	historyDepth int
	timeout      time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithHistoryDepth sets how many transcript messages feed the summary.
func WithHistoryDepth(n int) Option {
	return func(r *Reconciler) { r.historyDepth = n }
}

// WithTimeout bounds each model call.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

// New returns a Reconciler over the given store and model provider.
func New(store world.Store, provider llm.Provider, resolver *resolve.Resolver, refresher *embedq.Refresher, queue *embedq.Queue, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:        store,
		provider:     provider,
		resolver:     resolver,
		refresher:    refresher,
		queue:        queue,
		historyDepth: defaultHistoryDepth,
		timeout:      defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// payload is the schema the model's structured output must satisfy.
type payload struct {
	Summary             string               `json:"summary"`
	Label               string               `json:"label,omitempty"`
	Memories            []memoryPayload      `json:"memories"`
	CharacterUpdates    []characterUpdate    `json:"characterUpdates"`
	RelationshipUpdates []relationshipUpdate `json:"relationshipUpdates"`
}

type memoryPayload struct {
	Summary          string   `json:"summary"`
	OwnerCharacter   string   `json:"ownerCharacter,omitempty"`
	SubjectCharacter string   `json:"subjectCharacter,omitempty"`
	Importance       int      `json:"importance,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

type characterUpdate struct {
	Character string         `json:"character"`
	Data      map[string]any `json:"data"`
}

type relationshipUpdate struct {
	SourceCharacter string         `json:"sourceCharacter"`
	TargetCharacter string         `json:"targetCharacter"`
	Summary         string         `json:"summary,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	Importance      int            `json:"importance,omitempty"`
}

// Summarize condenses the story's recent transcript and applies the
// resulting mutations. The summary itself accumulates on the story's
// long-term summary card; earlier entries are never replaced.
func (r *Reconciler) Summarize(ctx context.Context, storyID uuid.UUID) (*Result, error) {
	story, err := r.store.Story(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("summary: load story: %w", err)
	}
	history, err := r.store.RecentMessages(ctx, storyID, r.historyDepth)
	if err != nil {
		return nil, fmt.Errorf("summary: load transcript: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("summary: story %s has no transcript to summarize", storyID)
	}
	cards, err := r.store.ListCards(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("summary: load cards: %w", err)
	}

	out, err := r.complete(ctx, story, history, cards)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, storyID, cards, out)
}

// SummarizeText runs a full reconciliation pass and returns just the
// summary text, for callers that only want the narrative condensate.
func (r *Reconciler) SummarizeText(ctx context.Context, storyID uuid.UUID) (string, error) {
	res, err := r.Summarize(ctx, storyID)
	if err != nil {
		return "", err
	}
	return res.Summary, nil
}

// complete runs the structured-output call, feeding parse failures back
// into the conversation for up to maxAttempts rounds.
func (r *Reconciler) complete(ctx context.Context, story *world.Story, history []world.Message, cards []world.Card) (*payload, error) {
	msgs := []types.Message{{Role: "user", Content: buildUserPrompt(history)}}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		resp, err := r.provider.Complete(cctx, llm.CompletionRequest{
			SystemPrompt:   buildSystemPrompt(story, cards),
			Messages:       msgs,
			ResponseFormat: &types.ResponseFormat{Name: "story_summary", Schema: responseSchema(), Strict: true},
			Temperature:    0.3,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("summary: model call: %w", err)
		}

		out, err := parsePayload(resp.Content)
		if err == nil {
			return out, nil
		}
		lastErr = err
		slog.Warn("summary: structured output parse failed",
			"story", story.ID, "attempt", attempt, "err", err)
		msgs = append(msgs,
			types.Message{Role: "assistant", Content: resp.Content},
			types.Message{Role: "user", Content: fmt.Sprintf(
				"Your previous response could not be parsed: %v. Respond again with only the JSON object, nothing else.", err)},
		)
	}
	return nil, fmt.Errorf("summary: structured output failed after %d attempts: %w", maxAttempts, lastErr)
}

// parsePayload decodes the model's response, tolerating a fenced code block
// around the JSON object.
func parsePayload(content string) (*payload, error) {
	text := strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))

	var out payload
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, fmt.Errorf("missing required field \"summary\"")
	}
	return &out, nil
}

// apply commits the reconciled payload. Character references that resolve
// to no live card are dropped rather than written with a fabricated id.
func (r *Reconciler) apply(ctx context.Context, storyID uuid.UUID, cards []world.Card, out *payload) (*Result, error) {
	result := &Result{Summary: out.Summary}

	entry := map[string]any{
		"summary":    out.Summary,
		"recordedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if out.Label != "" {
		entry["label"] = out.Label
	}
	summaryCard, err := r.store.UpsertCard(ctx, world.CardInput{
		StoryID: storyID,
		Type:    world.CardStory,
		Name:    summaryCardName,
		Data:    map[string]any{"summaries": []any{entry}},
	})
	if err != nil {
		return nil, fmt.Errorf("summary: upsert summary card: %w", err)
	}

	var memoryInputs []world.MemoryInput
	for _, m := range out.Memories {
		if strings.TrimSpace(m.Summary) == "" {
			continue
		}
		owner, _ := r.resolveRef(ctx, storyID, m.OwnerCharacter, cards)
		subject, _ := r.resolveRef(ctx, storyID, m.SubjectCharacter, cards)
		memoryInputs = append(memoryInputs, world.MemoryInput{
			StoryID:       storyID,
			OwnerCardID:   owner,
			SubjectCardID: subject,
			Source:        world.SourceSystem,
			Summary:       m.Summary,
			Importance:    m.Importance,
			Tags:          m.Tags,
		})
	}
	if len(memoryInputs) > 0 {
		mems, err := r.store.RecordMemories(ctx, memoryInputs)
		if err != nil {
			return nil, fmt.Errorf("summary: record memories: %w", err)
		}
		for _, m := range mems {
			result.MemoryIDs = append(result.MemoryIDs, m.ID)
		}
	}

	for _, cu := range out.CharacterUpdates {
		id, ok := r.resolveRef(ctx, storyID, cu.Character, cards)
		if !ok {
			slog.Warn("summary: dropping update for unknown character",
				"story", storyID, "character", cu.Character)
			continue
		}
		card := cardByID(cards, id)
		if card == nil || len(cu.Data) == 0 {
			continue
		}
		updated, err := r.store.UpsertCard(ctx, world.CardInput{
			StoryID: storyID,
			Type:    card.Type,
			Name:    card.Name,
			Data:    cu.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("summary: update character %s: %w", card.Name, err)
		}
		result.CharacterIDs = append(result.CharacterIDs, updated.ID)
		r.refresher.ScheduleCard(r.queue, storyID, updated.ID)
	}

	for _, ru := range out.RelationshipUpdates {
		src, ok := r.resolveRef(ctx, storyID, ru.SourceCharacter, cards)
		if !ok {
			slog.Warn("summary: dropping relationship with unknown source",
				"story", storyID, "character", ru.SourceCharacter)
			continue
		}
		dst, ok := r.resolveRef(ctx, storyID, ru.TargetCharacter, cards)
		if !ok {
			slog.Warn("summary: dropping relationship with unknown target",
				"story", storyID, "character", ru.TargetCharacter)
			continue
		}
		rel, err := r.store.UpsertRelationship(ctx, world.RelationshipInput{
			StoryID:      storyID,
			SourceCardID: src,
			TargetCardID: dst,
			Summary:      ru.Summary,
			Metrics:      ru.Metrics,
			Importance:   ru.Importance,
		})
		if err != nil {
			return nil, fmt.Errorf("summary: update relationship: %w", err)
		}
		result.RelationshipIDs = append(result.RelationshipIDs, rel.ID)
	}

	r.refresher.ScheduleCard(r.queue, storyID, summaryCard.ID)
	if len(result.MemoryIDs) > 0 {
		r.refresher.ScheduleMemories(r.queue, storyID)
	}
	if len(result.RelationshipIDs) > 0 {
		r.refresher.ScheduleRelationships(r.queue, storyID)
	}
	return result, nil
}

func (r *Reconciler) resolveRef(ctx context.Context, storyID uuid.UUID, ref string, cards []world.Card) (uuid.UUID, bool) {
	if strings.TrimSpace(ref) == "" {
		return uuid.Nil, false
	}
	return r.resolver.Resolve(ctx, storyID, resolve.EntityRef{ID: ref, Name: ref, Type: world.CardCharacter}, cards)
}

func cardByID(cards []world.Card, id uuid.UUID) *world.Card {
	for i := range cards {
		if cards[i].ID == id {
			return &cards[i]
		}
	}
	return nil
}

// buildSystemPrompt frames the reconciliation task and lists the live
// characters so the model references real names.
func buildSystemPrompt(story *world.Story, cards []world.Card) string {
	var b strings.Builder
	b.WriteString("You are the archivist for an ongoing tabletop-style story. ")
	b.WriteString("Condense the transcript below into durable state.\n\n")
	fmt.Fprintf(&b, "Story: %s\n", story.Title)
	if story.World != "" {
		fmt.Fprintf(&b, "World: %s\n", story.World)
	}

	var names []string
	for _, c := range cards {
		if c.Type == world.CardCharacter {
			names = append(names, c.Name)
		}
	}
	if len(names) > 0 {
		fmt.Fprintf(&b, "Known characters: %s\n", strings.Join(names, ", "))
	}

	b.WriteString(`
Produce a JSON object with:
- "summary": a few paragraphs covering the events so far.
- "label": an optional short chapter title.
- "memories": durable one-sentence facts worth recalling later, each with
  optional ownerCharacter/subjectCharacter (use known character names only),
  importance 1-5, and tags.
- "characterUpdates": per-character data patches (new attributes learned).
- "relationshipUpdates": directed character-to-character relationship
  changes with metrics and importance 1-5.
Only reference characters from the known list. Respond with the JSON object only.`)
	return b.String()
}

func buildUserPrompt(history []world.Message) string {
	var b strings.Builder
	b.WriteString("Transcript:\n")
	for _, msg := range history {
		role := "Player"
		if msg.Role == world.RoleDM {
			role = "Narrator"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, msg.Content)
	}
	return b.String()
}

// responseSchema is the JSON Schema enforced on the model's output.
func responseSchema() map[string]any {
	characterRef := map[string]any{"type": "string"}
	return map[string]any{
		"type":     "object",
		"required": []string{"summary"},
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
			"label":   map[string]any{"type": "string"},
			"memories": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"summary"},
					"properties": map[string]any{
						"summary":          map[string]any{"type": "string"},
						"ownerCharacter":   characterRef,
						"subjectCharacter": characterRef,
						"importance":       map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
						"tags":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
			},
			"characterUpdates": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"character", "data"},
					"properties": map[string]any{
						"character": characterRef,
						"data":      map[string]any{"type": "object"},
					},
				},
			},
			"relationshipUpdates": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"sourceCharacter", "targetCharacter"},
					"properties": map[string]any{
						"sourceCharacter": characterRef,
						"targetCharacter": characterRef,
						"summary":         map[string]any{"type": "string"},
						"metrics":         map[string]any{"type": "object"},
						"importance":      map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
					},
				},
			},
		},
	}
}
