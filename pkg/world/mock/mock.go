// Package mock provides an in-memory [world.Store] for tests.
//
// Unlike a fixed-response stub, [Store] is a real implementation over maps:
// upserted cards can be read back, message sequences increment, and vector
// searches rank by cosine distance computed in process. Tests that exercise
// multi-step flows (record then retrieve, upsert then merge) work against it
// without a database.
//
// Every method records a [Call] for assertion, and [Store.Errs] injects
// per-method failures:
//
//	store := mock.NewStore()
//	store.Errs["SearchCards"] = errors.New("boom")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("UpsertCard"); got != 2 {
//	    t.Errorf("expected 2 UpsertCard calls, got %d", got)
//	}
package mock

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/loreweave/pkg/structured"
	"github.com/loreweave/loreweave/pkg/world"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is an in-memory [world.Store]. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	calls []Call

	// Errs maps a method name to an error that method returns instead of
	// performing its operation. Nil map means no injected failures.
	Errs map[string]error

	stories       map[uuid.UUID]world.Story
	settings      map[uuid.UUID]world.Settings
	messages      map[uuid.UUID][]world.Message
	cards         map[uuid.UUID]world.Card
	memories      map[uuid.UUID]world.Memory
	relationships map[uuid.UUID]world.Relationship
	stats         map[uuid.UUID]world.Stat
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		Errs:          map[string]error{},
		stories:       map[uuid.UUID]world.Story{},
		settings:      map[uuid.UUID]world.Settings{},
		messages:      map[uuid.UUID][]world.Message{},
		cards:         map[uuid.UUID]world.Card{},
		memories:      map[uuid.UUID]world.Memory{},
		relationships: map[uuid.UUID]world.Relationship{},
		stats:         map[uuid.UUID]world.Stat{},
	}
}

// Calls returns a copy of all recorded method invocations.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored data or Errs.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// record appends a call and returns any injected error for the method.
// Callers must hold s.mu.
func (s *Store) record(method string, args ...any) error {
	s.calls = append(s.calls, Call{Method: method, Args: args})
	return s.Errs[method]
}

// ─────────────────────────────────────────────────────────────────────────────
// StoryStore
// ─────────────────────────────────────────────────────────────────────────────

// CreateStory implements [world.StoryStore].
func (s *Store) CreateStory(_ context.Context, in world.StoryInput) (*world.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateStory", in); err != nil {
		return nil, err
	}
	now := time.Now()
	story := world.Story{
		ID:           uuid.New(),
		UserID:       in.UserID,
		Title:        in.Title,
		Beginning:    in.Beginning,
		World:        in.World,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastPlayedAt: now,
	}
	s.stories[story.ID] = story
	return &story, nil
}

// Story implements [world.StoryStore].
func (s *Store) Story(_ context.Context, id uuid.UUID) (*world.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("Story", id); err != nil {
		return nil, err
	}
	story, ok := s.stories[id]
	if !ok {
		return nil, world.ErrNotFound
	}
	return &story, nil
}

// ListStories implements [world.StoryStore].
func (s *Store) ListStories(_ context.Context, userID string) ([]world.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListStories", userID); err != nil {
		return nil, err
	}
	out := []world.Story{}
	for _, story := range s.stories {
		if story.UserID == userID {
			out = append(out, story)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastPlayedAt.After(out[j].LastPlayedAt)
	})
	return out, nil
}

// DeleteStory implements [world.StoryStore].
func (s *Store) DeleteStory(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("DeleteStory", id); err != nil {
		return err
	}
	delete(s.stories, id)
	delete(s.settings, id)
	delete(s.messages, id)
	s.purgeStory(id)
	return nil
}

// ResetStory implements [world.StoryStore].
func (s *Store) ResetStory(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ResetStory", id); err != nil {
		return err
	}
	delete(s.messages, id)
	s.purgeStory(id)
	if story, ok := s.stories[id]; ok {
		story.MessageCount = 0
		story.UpdatedAt = time.Now()
		s.stories[id] = story
	}
	return nil
}

// purgeStory drops all cards, memories, relationships, and stats of a story.
// Callers must hold s.mu.
func (s *Store) purgeStory(id uuid.UUID) {
	for k, v := range s.cards {
		if v.StoryID == id {
			delete(s.cards, k)
		}
	}
	for k, v := range s.memories {
		if v.StoryID == id {
			delete(s.memories, k)
		}
	}
	for k, v := range s.relationships {
		if v.StoryID == id {
			delete(s.relationships, k)
		}
	}
	for k, v := range s.stats {
		if v.StoryID == id {
			delete(s.stats, k)
		}
	}
}

// StorySettings implements [world.StoryStore].
func (s *Store) StorySettings(_ context.Context, storyID uuid.UUID) (world.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("StorySettings", storyID); err != nil {
		return world.Settings{}, err
	}
	stored, ok := s.settings[storyID]
	defaults := world.DefaultSettings()
	if !ok {
		return defaults, nil
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
func (s *Store) UpsertSettings(_ context.Context, storyID uuid.UUID, settings world.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("UpsertSettings", storyID, settings); err != nil {
		return err
	}
	s.settings[storyID] = settings
	return nil
}

// AppendMessage implements [world.StoryStore].
func (s *Store) AppendMessage(_ context.Context, in world.MessageInput) (*world.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("AppendMessage", in); err != nil {
		return nil, err
	}
	story, ok := s.stories[in.StoryID]
	if !ok {
		return nil, world.ErrNotFound
	}
	msg := world.Message{
		ID:        uuid.New(),
		StoryID:   in.StoryID,
		Role:      in.Role,
		Content:   in.Content,
		ImageURL:  in.ImageURL,
		Sequence:  len(s.messages[in.StoryID]) + 1,
		CreatedAt: time.Now(),
	}
	s.messages[in.StoryID] = append(s.messages[in.StoryID], msg)
	story.MessageCount = len(s.messages[in.StoryID])
	story.UpdatedAt = msg.CreatedAt
	story.LastPlayedAt = msg.CreatedAt
	s.stories[in.StoryID] = story
	return &msg, nil
}

// RecentMessages implements [world.StoryStore].
func (s *Store) RecentMessages(_ context.Context, storyID uuid.UUID, n int) ([]world.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RecentMessages", storyID, n); err != nil {
		return nil, err
	}
	all := s.messages[storyID]
	if n > len(all) {
		n = len(all)
	}
	out := make([]world.Message, n)
	copy(out, all[len(all)-n:])
	return out, nil
}

// ListMessages implements [world.StoryStore].
func (s *Store) ListMessages(_ context.Context, storyID uuid.UUID) ([]world.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListMessages", storyID); err != nil {
		return nil, err
	}
	all := s.messages[storyID]
	out := make([]world.Message, len(all))
	copy(out, all)
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// CardStore
// ─────────────────────────────────────────────────────────────────────────────

// UpsertCard implements [world.CardStore]. Data bags deep-merge through
// [structured.MergeMaps], matching the durable store's behavior.
func (s *Store) UpsertCard(_ context.Context, in world.CardInput) (*world.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("UpsertCard", in); err != nil {
		return nil, err
	}
	now := time.Now()
	for id, c := range s.cards {
		if c.StoryID == in.StoryID && c.Type == in.Type && c.Name == in.Name {
			c.Data = structured.MergeMaps(c.Data, in.Data)
			if in.Description != nil {
				c.Description = *in.Description
			}
			c.Embedding = nil
			c.UpdatedAt = now
			s.cards[id] = c
			return &c, nil
		}
	}
	card := world.Card{
		ID:        uuid.New(),
		StoryID:   in.StoryID,
		Type:      in.Type,
		Name:      in.Name,
		Data:      structured.MergeMaps(nil, in.Data),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Description != nil {
		card.Description = *in.Description
	}
	s.cards[card.ID] = card
	return &card, nil
}

// CardByID implements [world.CardStore].
func (s *Store) CardByID(_ context.Context, storyID, id uuid.UUID) (*world.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CardByID", storyID, id); err != nil {
		return nil, err
	}
	card, ok := s.cards[id]
	if !ok || card.StoryID != storyID {
		return nil, world.ErrNotFound
	}
	return &card, nil
}

// CardByName implements [world.CardStore].
func (s *Store) CardByName(_ context.Context, storyID uuid.UUID, typ world.CardType, name string) (*world.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CardByName", storyID, typ, name); err != nil {
		return nil, err
	}
	for _, c := range s.cards {
		if c.StoryID == storyID && c.Type == typ && c.Name == name {
			return &c, nil
		}
	}
	return nil, world.ErrNotFound
}

// ListCards implements [world.CardStore].
func (s *Store) ListCards(_ context.Context, storyID uuid.UUID, opts ...world.CardQueryOpt) ([]world.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListCards", storyID, opts); err != nil {
		return nil, err
	}
	cardType, nameContains, limit := world.ApplyCardQueryOpts(opts)
	out := []world.Card{}
	for _, c := range s.cards {
		if c.StoryID != storyID {
			continue
		}
		if cardType != "" && c.Type != cardType {
			continue
		}
		if nameContains != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(nameContains)) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReplaceCardData implements [world.CardStore].
func (s *Store) ReplaceCardData(_ context.Context, storyID, id uuid.UUID, data map[string]any) (*world.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ReplaceCardData", storyID, id, data); err != nil {
		return nil, err
	}
	card, ok := s.cards[id]
	if !ok || card.StoryID != storyID {
		return nil, world.ErrNotFound
	}
	sanitized, _ := structured.Sanitize(data).(map[string]any)
	if sanitized == nil {
		sanitized = map[string]any{}
	}
	card.Data = sanitized
	card.Embedding = nil
	card.UpdatedAt = time.Now()
	s.cards[id] = card
	return &card, nil
}

// DeleteCard implements [world.CardStore].
func (s *Store) DeleteCard(_ context.Context, storyID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("DeleteCard", storyID, id); err != nil {
		return err
	}
	card, ok := s.cards[id]
	if !ok || card.StoryID != storyID {
		return nil
	}
	delete(s.cards, id)
	for k, m := range s.memories {
		if m.OwnerCardID == id || m.SubjectCardID == id {
			delete(s.memories, k)
		}
	}
	for k, r := range s.relationships {
		if r.SourceCardID == id || r.TargetCardID == id {
			delete(s.relationships, k)
		}
	}
	for k, st := range s.stats {
		if st.CardID == id {
			delete(s.stats, k)
		}
	}
	return nil
}

// SetCardEmbedding implements [world.CardStore].
func (s *Store) SetCardEmbedding(_ context.Context, id uuid.UUID, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetCardEmbedding", id, embedding); err != nil {
		return err
	}
	card, ok := s.cards[id]
	if !ok {
		return world.ErrNotFound
	}
	card.Embedding = embedding
	s.cards[id] = card
	return nil
}

// CardsMissingEmbedding implements [world.CardStore].
func (s *Store) CardsMissingEmbedding(_ context.Context, storyID uuid.UUID) ([]world.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CardsMissingEmbedding", storyID); err != nil {
		return nil, err
	}
	out := []world.Card{}
	for _, c := range s.cards {
		if c.StoryID == storyID && c.Embedding == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SearchCards implements [world.CardStore].
func (s *Store) SearchCards(_ context.Context, storyID uuid.UUID, embedding []float32, limit int) ([]world.CardResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SearchCards", storyID, embedding, limit); err != nil {
		return nil, err
	}
	out := []world.CardResult{}
	for _, c := range s.cards {
		if c.StoryID != storyID || c.Embedding == nil {
			continue
		}
		out = append(out, world.CardResult{Card: c, Distance: cosineDistance(embedding, c.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// JournalStore
// ─────────────────────────────────────────────────────────────────────────────

// RecordMemory implements [world.JournalStore].
func (s *Store) RecordMemory(ctx context.Context, in world.MemoryInput) (*world.Memory, error) {
	out, err := s.RecordMemories(ctx, []world.MemoryInput{in})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// RecordMemories implements [world.JournalStore].
func (s *Store) RecordMemories(_ context.Context, ins []world.MemoryInput) ([]world.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RecordMemories", ins); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]world.Memory, 0, len(ins))
	for _, in := range ins {
		m := world.Memory{
			ID:             uuid.New(),
			StoryID:        in.StoryID,
			OwnerCardID:    in.OwnerCardID,
			SubjectCardID:  in.SubjectCardID,
			MessageID:      in.MessageID,
			Source:         in.Source,
			Summary:        in.Summary,
			Context:        in.Context,
			Tags:           in.Tags,
			Importance:     in.Importance,
			DecayFactor:    in.DecayFactor,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastAccessedAt: now,
		}
		if m.Source == "" {
			m.Source = world.SourceSystem
		}
		if m.Importance < 1 {
			m.Importance = 1
		}
		if m.DecayFactor == 0 {
			m.DecayFactor = 1
		}
		if m.Tags == nil {
			m.Tags = []string{}
		}
		s.memories[m.ID] = m
		out = append(out, m)
	}
	return out, nil
}

// TouchMemories implements [world.JournalStore].
func (s *Store) TouchMemories(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("TouchMemories", ids); err != nil {
		return err
	}
	now := time.Now()
	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			m.LastAccessedAt = now
			s.memories[id] = m
		}
	}
	return nil
}

// ListMemories implements [world.JournalStore].
func (s *Store) ListMemories(_ context.Context, storyID uuid.UUID, limit int) ([]world.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListMemories", storyID, limit); err != nil {
		return nil, err
	}
	out := []world.Memory{}
	for _, m := range s.memories {
		if m.StoryID == storyID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetMemoryEmbedding implements [world.JournalStore].
func (s *Store) SetMemoryEmbedding(_ context.Context, id uuid.UUID, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetMemoryEmbedding", id, embedding); err != nil {
		return err
	}
	m, ok := s.memories[id]
	if !ok {
		return world.ErrNotFound
	}
	m.Embedding = embedding
	s.memories[id] = m
	return nil
}

// MemoriesMissingEmbedding implements [world.JournalStore].
func (s *Store) MemoriesMissingEmbedding(_ context.Context, storyID uuid.UUID) ([]world.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("MemoriesMissingEmbedding", storyID); err != nil {
		return nil, err
	}
	out := []world.Memory{}
	for _, m := range s.memories {
		if m.StoryID == storyID && m.Embedding == nil {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SearchMemories implements [world.JournalStore].
func (s *Store) SearchMemories(_ context.Context, storyID uuid.UUID, embedding []float32, limit int) ([]world.MemoryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SearchMemories", storyID, embedding, limit); err != nil {
		return nil, err
	}
	out := []world.MemoryResult{}
	for _, m := range s.memories {
		if m.StoryID != storyID || m.Embedding == nil {
			continue
		}
		out = append(out, world.MemoryResult{Memory: m, Distance: cosineDistance(embedding, m.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Memory.Importance > out[j].Memory.Importance
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertRelationship implements [world.JournalStore].
func (s *Store) UpsertRelationship(_ context.Context, in world.RelationshipInput) (*world.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("UpsertRelationship", in); err != nil {
		return nil, err
	}
	now := time.Now()
	importance := in.Importance
	if importance < 1 {
		importance = 1
	}
	for id, r := range s.relationships {
		if r.StoryID == in.StoryID && r.SourceCardID == in.SourceCardID && r.TargetCardID == in.TargetCardID {
			if in.Summary != "" {
				r.Summary = in.Summary
			}
			merged := make(map[string]any, len(r.Metrics)+len(in.Metrics))
			for k, v := range r.Metrics {
				merged[k] = v
			}
			for k, v := range in.Metrics {
				merged[k] = v
			}
			r.Metrics = merged
			if importance > r.Importance {
				r.Importance = importance
			}
			r.Embedding = nil
			r.UpdatedAt = now
			s.relationships[id] = r
			return &r, nil
		}
	}
	rel := world.Relationship{
		ID:           uuid.New(),
		StoryID:      in.StoryID,
		SourceCardID: in.SourceCardID,
		TargetCardID: in.TargetCardID,
		Summary:      in.Summary,
		Metrics:      make(map[string]any, len(in.Metrics)),
		Importance:   importance,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for k, v := range in.Metrics {
		rel.Metrics[k] = v
	}
	s.relationships[rel.ID] = rel
	return &rel, nil
}

// ListRelationships implements [world.JournalStore].
func (s *Store) ListRelationships(_ context.Context, storyID uuid.UUID) ([]world.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListRelationships", storyID); err != nil {
		return nil, err
	}
	out := []world.Relationship{}
	for _, r := range s.relationships {
		if r.StoryID == storyID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// SetRelationshipEmbedding implements [world.JournalStore].
func (s *Store) SetRelationshipEmbedding(_ context.Context, id uuid.UUID, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetRelationshipEmbedding", id, embedding); err != nil {
		return err
	}
	r, ok := s.relationships[id]
	if !ok {
		return world.ErrNotFound
	}
	r.Embedding = embedding
	s.relationships[id] = r
	return nil
}

// RelationshipsMissingEmbedding implements [world.JournalStore].
func (s *Store) RelationshipsMissingEmbedding(_ context.Context, storyID uuid.UUID) ([]world.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RelationshipsMissingEmbedding", storyID); err != nil {
		return nil, err
	}
	out := []world.Relationship{}
	for _, r := range s.relationships {
		if r.StoryID == storyID && r.Embedding == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SearchRelationships implements [world.JournalStore].
func (s *Store) SearchRelationships(_ context.Context, storyID uuid.UUID, embedding []float32, limit int) ([]world.RelationshipResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SearchRelationships", storyID, embedding, limit); err != nil {
		return nil, err
	}
	out := []world.RelationshipResult{}
	for _, r := range s.relationships {
		if r.StoryID != storyID || r.Embedding == nil {
			continue
		}
		out = append(out, world.RelationshipResult{Relationship: r, Distance: cosineDistance(embedding, r.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Relationship.Importance > out[j].Relationship.Importance
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertStat implements [world.JournalStore].
func (s *Store) UpsertStat(_ context.Context, in world.StatInput) (*world.Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("UpsertStat", in); err != nil {
		return nil, err
	}
	now := time.Now()
	for id, st := range s.stats {
		if st.StoryID == in.StoryID && st.CardID == in.CardID && st.Key == in.Key {
			st.Value = in.Value
			st.Confidence = in.Confidence
			st.UpdatedAt = now
			s.stats[id] = st
			return &st, nil
		}
	}
	stat := world.Stat{
		ID:         uuid.New(),
		StoryID:    in.StoryID,
		CardID:     in.CardID,
		Key:        in.Key,
		Value:      in.Value,
		Confidence: in.Confidence,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.stats[stat.ID] = stat
	return &stat, nil
}

// ListStats implements [world.JournalStore].
func (s *Store) ListStats(_ context.Context, storyID uuid.UUID) ([]world.Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListStats", storyID); err != nil {
		return nil, err
	}
	out := []world.Stat{}
	for _, st := range s.stats {
		if st.StoryID == storyID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CardID != out[j].CardID {
			return out[i].CardID.String() < out[j].CardID.String()
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// cosineDistance returns 1 - cosine similarity, matching pgvector's <=> operator.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// Ensure Store satisfies the interface at compile time.
var _ world.Store = (*Store)(nil)
