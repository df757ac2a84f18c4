// Package world defines the persistent world-state model for Loreweave stories
// and the storage interfaces over it.
//
// The model is organised around a single root aggregate:
//
//   - Story: one play-through. Everything below is scoped by story ID and
//     cascade-deletes with it.
//   - Card ([CardStore]): typed, named world entities whose free-form data
//     bags deep-merge on upsert.
//   - Memory / Relationship / Stat ([JournalStore]): the append-only fact log,
//     directed relationship edges between character cards, and per-character
//     key/value stats.
//   - Message ([StoryStore]): the ordered story transcript, sequenced
//     transactionally at the storage layer.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, in-memory, …) without depending on
// loreweave internals.
//
// Every implementation must be safe for concurrent use.
package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a story, card, or other referenced entity does
// not exist. Callers distinguish it with errors.Is.
var ErrNotFound = errors.New("world: not found")

// ─────────────────────────────────────────────────────────────────────────────
// Story types
// ─────────────────────────────────────────────────────────────────────────────

// Story is the root aggregate for one play-through.
type Story struct {
	// ID is the unique story identifier.
	ID uuid.UUID

	// UserID is the opaque authenticated owner ID supplied by the caller.
	UserID string

	// Title is the player-chosen story title.
	Title string

	// Beginning is the key of the opening scenario this story started from.
	Beginning string

	// World is the key of the setting the story plays in.
	World string

	// MessageCount is the denormalised number of transcript messages.
	MessageCount int

	// CreatedAt is when the story was created.
	CreatedAt time.Time

	// UpdatedAt is when any story-scoped row last changed.
	UpdatedAt time.Time

	// LastPlayedAt is when the last turn ran.
	LastPlayedAt time.Time
}

// StoryInput carries the fields required to create a [Story].
type StoryInput struct {
	UserID    string
	Title     string
	Beginning string
	World     string
}

// Settings holds the per-story narration knobs. Absent rows read back as
// [DefaultSettings].
type Settings struct {
	// Tone sets the emotional register of the narration (e.g., "heroic", "grim").
	Tone string

	// Difficulty controls how punishing the narrator plays consequences.
	Difficulty string

	// NarrativeStyle selects the prose style (e.g., "cinematic", "terse").
	NarrativeStyle string
}

// DefaultSettings returns the settings applied to stories that never set any.
func DefaultSettings() Settings {
	return Settings{
		Tone:           "heroic",
		Difficulty:     "normal",
		NarrativeStyle: "cinematic",
	}
}

// MessageRole identifies the speaker of a transcript message.
type MessageRole string

const (
	// RoleYou marks a message originating from the player.
	RoleYou MessageRole = "you"

	// RoleDM marks a message from the narrator.
	RoleDM MessageRole = "dm"
)

// Message is one entry in a story's ordered transcript.
type Message struct {
	// ID is the unique message identifier.
	ID uuid.UUID

	// StoryID scopes the message to its story.
	StoryID uuid.UUID

	// Role identifies the speaker.
	Role MessageRole

	// Content is the message text.
	Content string

	// ImageURL is an optional illustration attached to a narrator message.
	ImageURL string

	// Sequence is the strictly increasing per-story order, assigned
	// transactionally at insert time. No gaps, no duplicates.
	Sequence int

	// CreatedAt is when the message was appended.
	CreatedAt time.Time
}

// MessageInput carries the fields required to append a [Message].
// Sequence is assigned by the store.
type MessageInput struct {
	StoryID  uuid.UUID
	Role     MessageRole
	Content  string
	ImageURL string
}

// ─────────────────────────────────────────────────────────────────────────────
// Card types
// ─────────────────────────────────────────────────────────────────────────────

// CardType classifies a world card.
type CardType string

const (
	CardStory       CardType = "story"
	CardCharacter   CardType = "character"
	CardEnvironment CardType = "environment"
	CardItem        CardType = "item"
	CardFaction     CardType = "faction"
	CardQuest       CardType = "quest"
	CardWorld       CardType = "world"
	CardBeginning   CardType = "beginning"
)

// IsValid reports whether t is a recognised card type.
func (t CardType) IsValid() bool {
	switch t {
	case CardStory, CardCharacter, CardEnvironment, CardItem,
		CardFaction, CardQuest, CardWorld, CardBeginning:
		return true
	}
	return false
}

// Card is a typed, named world entity. (StoryID, Type, Name) is unique;
// upsert-by-name is the only creation path and repeated upserts deep-merge
// the Data bag rather than replace it.
type Card struct {
	// ID is the unique card identifier.
	ID uuid.UUID

	// StoryID scopes the card to its story.
	StoryID uuid.UUID

	// Type classifies the card.
	Type CardType

	// Name is the canonical display name, unique per (story, type).
	Name string

	// Description is optional free prose about the card.
	Description string

	// Data holds the card's mergeable attribute bag.
	Data CardData

	// Embedding is the cached vector for Name+Description+Data. Nil means the
	// card changed since it was last embedded and needs a refresh.
	Embedding []float32

	// CreatedAt is when the card was first upserted.
	CreatedAt time.Time

	// UpdatedAt is when the card last changed.
	UpdatedAt time.Time
}

// EmbeddingText renders the card into the canonical text that gets embedded:
// name, description, then the data bag as sorted "key: value" lines. Changing
// this format invalidates every cached card vector, so treat it as stable.
func (c Card) EmbeddingText() string {
	var b strings.Builder
	b.WriteString(string(c.Type))
	b.WriteString(": ")
	b.WriteString(c.Name)
	if c.Description != "" {
		b.WriteString("\n")
		b.WriteString(c.Description)
	}
	keys := make([]string, 0, len(c.Data))
	for k := range c.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, c.Data[k])
	}
	return b.String()
}

// CardData is a card's free-form attribute bag. The well-known fields below
// have typed accessors; everything else stays reachable through the map so the
// narrator can invent attributes the schema never anticipated.
type CardData map[string]any

// Aliases returns the card's alternate names, if any.
func (d CardData) Aliases() []string {
	return stringList(d["aliases"])
}

// DisplayName returns the card's override display name, if set.
func (d CardData) DisplayName() string {
	s, _ := d["displayName"].(string)
	return s
}

// IsPlayerCharacter reports whether this card is the player's own character.
func (d CardData) IsPlayerCharacter() bool {
	b, _ := d["isPlayerCharacter"].(bool)
	return b
}

// Backstory returns the recorded backstory elements for a character card.
func (d CardData) Backstory() []string {
	return stringList(d["backstory"])
}

// Summaries returns the accumulated long-term summary entries on the
// singleton summary card.
func (d CardData) Summaries() []any {
	arr, _ := d["summaries"].([]any)
	return arr
}

// stringList coerces a JSON array value into []string, skipping non-strings.
func stringList(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, elem := range arr {
		if s, ok := elem.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// CardInput carries the fields for [CardStore.UpsertCard].
type CardInput struct {
	StoryID uuid.UUID
	Type    CardType
	Name    string

	// Description replaces the stored description when non-nil.
	Description *string

	// Data is deep-merged into the stored bag. May be nil.
	Data map[string]any
}

// CardResult pairs a retrieved card with its vector-space distance from the
// query embedding. Lower Distance values indicate higher semantic similarity.
type CardResult struct {
	Card     Card
	Distance float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Memory / Relationship / Stat types
// ─────────────────────────────────────────────────────────────────────────────

// MemorySource identifies what produced a memory.
type MemorySource string

const (
	SourcePlayer MemorySource = "player"
	SourceDM     MemorySource = "dm"
	SourceNPC    MemorySource = "npc"
	SourceSystem MemorySource = "system"
	SourceWorld  MemorySource = "world"
)

// IsValid reports whether s is a recognised memory source.
func (s MemorySource) IsValid() bool {
	switch s {
	case SourcePlayer, SourceDM, SourceNPC, SourceSystem, SourceWorld:
		return true
	}
	return false
}

// Memory is an immutable, timestamped fact about the world. Content never
// changes after creation; retrieval only "touches" LastAccessedAt as a cheap
// recency signal separate from importance.
type Memory struct {
	// ID is the unique memory identifier.
	ID uuid.UUID

	// StoryID scopes the memory to its story.
	StoryID uuid.UUID

	// OwnerCardID is the character this memory belongs to, when known.
	OwnerCardID uuid.UUID

	// SubjectCardID is the character this memory is about, when known.
	SubjectCardID uuid.UUID

	// MessageID links the memory to the transcript message that produced it.
	MessageID uuid.UUID

	// Source identifies what produced the memory.
	Source MemorySource

	// Summary is the one-sentence fact.
	Summary string

	// Context holds free-form supporting detail.
	Context map[string]any

	// Tags are free-form labels for filtering.
	Tags []string

	// Importance is the curated significance weight (>= 1).
	Importance int

	// DecayFactor scales relevance decay over time (1 = no extra decay).
	DecayFactor float64

	// Embedding is the cached vector for Summary. Nil means refresh needed.
	Embedding []float32

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
}

// MemoryInput carries the fields for [JournalStore.RecordMemory].
// Zero-value Source defaults to [SourceSystem]; zero Importance defaults to 1;
// zero DecayFactor defaults to 1.
type MemoryInput struct {
	StoryID       uuid.UUID
	OwnerCardID   uuid.UUID
	SubjectCardID uuid.UUID
	MessageID     uuid.UUID
	Source        MemorySource
	Summary       string
	Context       map[string]any
	Tags          []string
	Importance    int
	DecayFactor   float64
}

// MemoryResult pairs a retrieved memory with its vector-space distance.
type MemoryResult struct {
	Memory   Memory
	Distance float64
}

// Relationship is a directed edge between two character cards.
// (StoryID, SourceCardID, TargetCardID) is unique; re-upsert shallow-merges
// Metrics and keeps the maximum of old and new Importance, so a relationship
// never regresses in recorded significance from a lower-priority update.
type Relationship struct {
	ID           uuid.UUID
	StoryID      uuid.UUID
	SourceCardID uuid.UUID
	TargetCardID uuid.UUID

	// Summary is an optional one-line description of the relationship.
	Summary string

	// Metrics holds free-form numeric or qualitative measures (trust, fear, …).
	Metrics map[string]any

	// Importance is the curated significance weight. Never decreases.
	Importance int

	// Embedding is the cached vector for Summary+Metrics. Nil means refresh needed.
	Embedding []float32

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EmbeddingText renders the relationship summary plus its metrics as sorted
// "key: value" lines, matching the format used when the vector was cached.
func (r Relationship) EmbeddingText() string {
	var b strings.Builder
	b.WriteString(r.Summary)
	keys := make([]string, 0, len(r.Metrics))
	for k := range r.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, r.Metrics[k])
	}
	return b.String()
}

// RelationshipInput carries the fields for [JournalStore.UpsertRelationship].
// An empty Summary leaves any stored summary untouched.
type RelationshipInput struct {
	StoryID      uuid.UUID
	SourceCardID uuid.UUID
	TargetCardID uuid.UUID
	Summary      string
	Metrics      map[string]any
	Importance   int
}

// RelationshipResult pairs a retrieved relationship with its vector distance.
type RelationshipResult struct {
	Relationship Relationship
	Distance     float64
}

// Stat is a scoped key/value fact about one character card.
// (StoryID, CardID, Key) is unique; re-upsert replaces value and confidence
// (last-write-wins, unlike relationships).
type Stat struct {
	ID      uuid.UUID
	StoryID uuid.UUID
	CardID  uuid.UUID

	// Key names the stat (e.g., "strength", "reputation.harbor").
	Key string

	// Value is the stat's JSON value.
	Value any

	// Confidence is the narrator's confidence in the value (0.0–1.0).
	Confidence float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatInput carries the fields for [JournalStore.UpsertStat].
type StatInput struct {
	StoryID    uuid.UUID
	CardID     uuid.UUID
	Key        string
	Value      any
	Confidence float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Store interfaces
// ─────────────────────────────────────────────────────────────────────────────

// StoryStore manages stories, their settings, and the ordered transcript.
//
// Implementations must be safe for concurrent use.
type StoryStore interface {
	// CreateStory inserts a new story and returns it.
	CreateStory(ctx context.Context, in StoryInput) (*Story, error)

	// Story retrieves a story by ID. Returns ErrNotFound when absent.
	Story(ctx context.Context, id uuid.UUID) (*Story, error)

	// ListStories returns all stories owned by userID, most recently played
	// first. Returns an empty (non-nil) slice when none exist.
	ListStories(ctx context.Context, userID string) ([]Story, error)

	// DeleteStory removes the story and everything scoped to it.
	// Deleting a non-existent story is not an error.
	DeleteStory(ctx context.Context, id uuid.UUID) error

	// ResetStory removes all cards, memories, relationships, stats, and
	// messages for the story while keeping the story row itself.
	ResetStory(ctx context.Context, id uuid.UUID) error

	// StorySettings returns the story's settings, falling back to
	// [DefaultSettings] field-wise when the row is absent or fields are empty.
	StorySettings(ctx context.Context, storyID uuid.UUID) (Settings, error)

	// UpsertSettings stores the story's settings, replacing any existing row.
	UpsertSettings(ctx context.Context, storyID uuid.UUID, s Settings) error

	// AppendMessage appends a transcript message, assigning the next sequence
	// number transactionally, and bumps the story's message count and
	// last-played timestamp. Safe under concurrent appends to the same story.
	AppendMessage(ctx context.Context, in MessageInput) (*Message, error)

	// RecentMessages returns the last n messages in chronological order.
	// Returns an empty (non-nil) slice when the transcript is empty.
	RecentMessages(ctx context.Context, storyID uuid.UUID, n int) ([]Message, error)

	// ListMessages returns the full transcript in sequence order.
	// Returns an empty (non-nil) slice when the transcript is empty.
	ListMessages(ctx context.Context, storyID uuid.UUID) ([]Message, error)
}

// CardStore manages world cards and their cached embeddings.
//
// Implementations must be safe for concurrent use.
type CardStore interface {
	// UpsertCard creates or merges a card keyed by (StoryID, Type, Name).
	// On merge, in.Data is deep-merged into the stored bag, a non-nil
	// Description replaces the stored one, and the cached embedding is nulled
	// so the next backfill re-embeds the card. The atomicity of the upsert is
	// delegated to the storage layer's unique constraint.
	UpsertCard(ctx context.Context, in CardInput) (*Card, error)

	// CardByID retrieves a card by ID within a story.
	// Returns ErrNotFound when absent.
	CardByID(ctx context.Context, storyID, id uuid.UUID) (*Card, error)

	// CardByName retrieves a card by its exact (type, name) key.
	// Returns ErrNotFound when absent.
	CardByName(ctx context.Context, storyID uuid.UUID, typ CardType, name string) (*Card, error)

	// ListCards returns the story's cards filtered by opts, ordered by name.
	// Returns an empty (non-nil) slice when none match.
	ListCards(ctx context.Context, storyID uuid.UUID, opts ...CardQueryOpt) ([]Card, error)

	// ReplaceCardData overwrites a card's data bag wholesale, bypassing merge
	// semantics. The consolidation sweep uses it to drop keys that merging
	// could never remove. Nulls the cached embedding. Returns ErrNotFound
	// when the card does not exist.
	ReplaceCardData(ctx context.Context, storyID, id uuid.UUID, data map[string]any) (*Card, error)

	// DeleteCard removes a card and cascades to dependent memories,
	// relationships, and stats. Deleting a non-existent card is not an error.
	DeleteCard(ctx context.Context, storyID, id uuid.UUID) error

	// SetCardEmbedding stores the card's embedding vector.
	SetCardEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error

	// CardsMissingEmbedding returns all cards in the story whose cached
	// embedding is nil. Returns an empty (non-nil) slice when none are missing.
	CardsMissingEmbedding(ctx context.Context, storyID uuid.UUID) ([]Card, error)

	// SearchCards returns the limit cards nearest to embedding within the
	// story, ordered by ascending vector distance. Cards without an embedding
	// are excluded. Returns an empty (non-nil) slice when none match.
	SearchCards(ctx context.Context, storyID uuid.UUID, embedding []float32, limit int) ([]CardResult, error)
}

// JournalStore manages memories, relationships, and stats.
//
// Implementations must be safe for concurrent use.
type JournalStore interface {
	// RecordMemory inserts one memory, applying input defaults.
	RecordMemory(ctx context.Context, in MemoryInput) (*Memory, error)

	// RecordMemories inserts a batch of memories, applying input defaults.
	// Returns the inserted memories in input order.
	RecordMemories(ctx context.Context, ins []MemoryInput) ([]Memory, error)

	// TouchMemories updates LastAccessedAt for the given memories.
	// Best effort: unknown IDs are ignored.
	TouchMemories(ctx context.Context, ids []uuid.UUID) error

	// ListMemories returns the story's memories, most recent first, capped at
	// limit (0 means no cap). Returns an empty (non-nil) slice when none exist.
	ListMemories(ctx context.Context, storyID uuid.UUID, limit int) ([]Memory, error)

	// SetMemoryEmbedding stores the memory's embedding vector.
	SetMemoryEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error

	// MemoriesMissingEmbedding returns all memories in the story whose cached
	// embedding is nil. Returns an empty (non-nil) slice when none are missing.
	MemoriesMissingEmbedding(ctx context.Context, storyID uuid.UUID) ([]Memory, error)

	// SearchMemories returns the limit memories nearest to embedding within
	// the story, ordered by ascending vector distance with importance
	// descending as tie-break. Returns an empty (non-nil) slice when none match.
	SearchMemories(ctx context.Context, storyID uuid.UUID, embedding []float32, limit int) ([]MemoryResult, error)

	// UpsertRelationship creates or merges a directed edge keyed by
	// (StoryID, SourceCardID, TargetCardID). On merge, Metrics shallow-merge,
	// Importance takes the maximum of old and new, a non-empty Summary
	// replaces the stored one, and the cached embedding is nulled.
	UpsertRelationship(ctx context.Context, in RelationshipInput) (*Relationship, error)

	// ListRelationships returns the story's relationships ordered by
	// importance descending. Returns an empty (non-nil) slice when none exist.
	ListRelationships(ctx context.Context, storyID uuid.UUID) ([]Relationship, error)

	// SetRelationshipEmbedding stores the relationship's embedding vector.
	SetRelationshipEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error

	// RelationshipsMissingEmbedding returns all relationships in the story
	// whose cached embedding is nil. Returns an empty (non-nil) slice when
	// none are missing.
	RelationshipsMissingEmbedding(ctx context.Context, storyID uuid.UUID) ([]Relationship, error)

	// SearchRelationships returns the limit relationships nearest to embedding
	// within the story, ordered by ascending vector distance with importance
	// descending as tie-break. Returns an empty (non-nil) slice when none match.
	SearchRelationships(ctx context.Context, storyID uuid.UUID, embedding []float32, limit int) ([]RelationshipResult, error)

	// UpsertStat creates or replaces a stat keyed by (StoryID, CardID, Key).
	// Value and Confidence are last-write-wins.
	UpsertStat(ctx context.Context, in StatInput) (*Stat, error)

	// ListStats returns all stats for the story ordered by card and key.
	// Returns an empty (non-nil) slice when none exist.
	ListStats(ctx context.Context, storyID uuid.UUID) ([]Stat, error)
}

// Store combines all storage layers behind one interface.
type Store interface {
	StoryStore
	CardStore
	JournalStore
}
