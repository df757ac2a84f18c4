// Package gm runs the narrator's turn loop: retrieve context, prompt the
// model with a bound tool set, execute the tool calls it returns, and commit
// the narrative to the transcript.
package gm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/loreweave/internal/embedq"
	"github.com/loreweave/loreweave/internal/observe"
	"github.com/loreweave/loreweave/internal/resolve"
	"github.com/loreweave/loreweave/internal/retrieval"
	"github.com/loreweave/loreweave/pkg/provider/llm"
	"github.com/loreweave/loreweave/pkg/types"
	"github.com/loreweave/loreweave/pkg/world"
)

// maxToolRounds caps tool dispatch iterations per turn. When the model is
// still calling tools after this many rounds, the turn commits whatever
// narrative text it has.
const maxToolRounds = 4

// TurnRequest is one player input driving a turn.
type TurnRequest struct {
	StoryID uuid.UUID
	Action  types.Action

	// TargetCharacter switches the turn into a private one-on-one exchange
	// with the named character. Texting turns are ephemeral: nothing is
	// committed to the transcript.
	TargetCharacter string

	// ModelID selects an alternative model registered with [WithModel].
	// Empty uses the engine default.
	ModelID string
}

// TurnResult is the narrator's output for one turn.
type TurnResult struct {
	Text     string
	ImageURL string
}

// Engine orchestrates turns. Safe for concurrent use; concurrent turns in
// the same story are not serialized and race at the storage layer, which
// assigns transcript sequence numbers transactionally.
type Engine struct {
	store      world.Store
	provider   llm.Provider
	models     map[string]llm.Provider
	retriever  *retrieval.Retriever
	resolver   *resolve.Resolver
	refresher  *embedq.Refresher
	queue      *embedq.Queue
	summarizer Summarizer
	metrics    *observe.Metrics

	historyDepth int
	temperature  float64
	llmTimeout   time.Duration
}

// Option configures an [Engine].
type Option func(*Engine)

// WithSummarizer wires the summarize_story tool to a reconciler.
func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// WithModel registers an alternative model selectable per turn via
// [TurnRequest.ModelID].
func WithModel(id string, p llm.Provider) Option {
	return func(e *Engine) { e.models[id] = p }
}

// WithHistoryDepth sets how many recent transcript messages feed the
// retrieval query and the conversation window. Default 12.
func WithHistoryDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyDepth = n
		}
	}
}

// WithTemperature sets the narration sampling temperature. Default 0.8.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithLLMTimeout bounds each individual model call. Default 60s.
func WithLLMTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.llmTimeout = d
		}
	}
}

// WithMetrics records turn latency and tool-call counts.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a turn engine.
func New(
	store world.Store,
	provider llm.Provider,
	retriever *retrieval.Retriever,
	resolver *resolve.Resolver,
	refresher *embedq.Refresher,
	queue *embedq.Queue,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:        store,
		provider:     provider,
		models:       map[string]llm.Provider{},
		retriever:    retriever,
		resolver:     resolver,
		refresher:    refresher,
		queue:        queue,
		historyDepth: 12,
		temperature:  0.8,
		llmTimeout:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunTurn executes one turn. Errors during retrieval or prompting abort the
// turn with nothing committed; errors inside individual tool calls are
// contained and fed back to the model as that tool's result.
func (e *Engine) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	start := time.Now()
	result, err := e.runTurn(ctx, req)
	if e.metrics != nil {
		e.metrics.ObserveTurn(ctx, time.Since(start), err == nil)
	}
	return result, err
}

func (e *Engine) runTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if !req.Action.Kind.IsValid() {
		return nil, fmt.Errorf("gm: invalid action kind %q", req.Action.Kind)
	}
	provider := e.provider
	if req.ModelID != "" {
		p, ok := e.models[req.ModelID]
		if !ok {
			return nil, fmt.Errorf("gm: unknown model %q", req.ModelID)
		}
		provider = p
	}

	story, err := e.store.Story(ctx, req.StoryID)
	if err != nil {
		return nil, fmt.Errorf("gm: load story: %w", err)
	}
	settings, err := e.store.StorySettings(ctx, req.StoryID)
	if err != nil {
		return nil, fmt.Errorf("gm: load settings: %w", err)
	}
	cards, err := e.store.ListCards(ctx, req.StoryID)
	if err != nil {
		return nil, fmt.Errorf("gm: load cards: %w", err)
	}
	history, err := e.store.RecentMessages(ctx, req.StoryID, e.historyDepth)
	if err != nil {
		return nil, fmt.Errorf("gm: load transcript: %w", err)
	}

	backstory := playerBackstory(cards)
	query := retrievalQuery(history, backstory, req.Action.Text, req.TargetCharacter)

	retrStart := time.Now()
	retrieved, err := e.retriever.Retrieve(ctx, req.StoryID, query)
	if err != nil {
		return nil, fmt.Errorf("gm: retrieve context: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveRetrieval(ctx, time.Since(retrStart))
	}

	system := buildSystemPrompt(promptInput{
		story:     story,
		settings:  settings,
		beginning: beginningCard(cards),
		retrieved: retrieved,
		cards:     cards,
		target:    req.TargetCharacter,
		backstory: backstory,
	})

	user := userPrompt(req.Action)
	if entity, ok := examineTarget(req.Action); ok {
		user = examinePrompt(entity)
	}

	messages := make([]types.Message, 0, len(history)+1)
	for _, m := range history {
		role := "user"
		if m.Role == world.RoleDM {
			role = "assistant"
		}
		messages = append(messages, types.Message{Role: role, Content: m.Content})
	}
	messages = append(messages, types.Message{Role: "user", Content: user})

	ts := &toolset{
		store:      e.store,
		resolver:   e.resolver,
		refresher:  e.refresher,
		queue:      e.queue,
		summarizer: e.summarizer,
		storyID:    req.StoryID,
		cards:      cards,
	}
	boundTools := ts.tools()

	narrative, err := e.toolLoop(ctx, provider, system, messages, ts, boundTools)
	if err != nil {
		return nil, err
	}
	if narrative == "" {
		return nil, fmt.Errorf("gm: model produced no narrative text")
	}

	result := &TurnResult{Text: narrative, ImageURL: ts.imageURL}
	if req.TargetCharacter != "" {
		// Texting turns leave no trace in the transcript.
		return result, nil
	}

	if player := playerActionText(req.Action); player != "" {
		if _, err := e.store.AppendMessage(ctx, world.MessageInput{
			StoryID: req.StoryID,
			Role:    world.RoleYou,
			Content: player,
		}); err != nil {
			return nil, fmt.Errorf("gm: commit player action: %w", err)
		}
	}
	if _, err := e.store.AppendMessage(ctx, world.MessageInput{
		StoryID:  req.StoryID,
		Role:     world.RoleDM,
		Content:  narrative,
		ImageURL: result.ImageURL,
	}); err != nil {
		return nil, fmt.Errorf("gm: commit narrative: %w", err)
	}
	return result, nil
}

// toolLoop runs the prompting/dispatch cycle. Tool calls execute in the
// order the model returned them; each result goes back as a tool message.
func (e *Engine) toolLoop(ctx context.Context, provider llm.Provider, system string, messages []types.Message, ts *toolset, boundTools []tool) (string, error) {
	var narrative string

	for round := 0; round <= maxToolRounds; round++ {
		resp, err := e.complete(ctx, provider, llm.CompletionRequest{
			Messages:     messages,
			Tools:        definitions(boundTools),
			Temperature:  e.temperature,
			SystemPrompt: system,
		})
		if err != nil {
			return "", fmt.Errorf("gm: completion: %w", err)
		}
		if resp.Content != "" {
			narrative = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			return narrative, nil
		}
		if round == maxToolRounds {
			slog.Warn("gm: tool round limit reached", "story", ts.storyID, "rounds", maxToolRounds)
			return narrative, nil
		}

		messages = append(messages, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if e.metrics != nil {
				e.metrics.AddToolCall(ctx, call.Name)
			}
			messages = append(messages, types.Message{
				Role:       "tool",
				Content:    dispatch(ctx, boundTools, call),
				ToolCallID: call.ID,
			})
		}
	}
	return narrative, nil
}

func (e *Engine) complete(ctx context.Context, provider llm.Provider, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, e.llmTimeout)
	defer cancel()
	return provider.Complete(cctx, req)
}

// retrievalQuery builds the similarity query from the turn's inputs.
func retrievalQuery(history []world.Message, backstory, actionText, target string) string {
	var parts []string
	for _, m := range history {
		parts = append(parts, m.Content)
	}
	if backstory != "" {
		parts = append(parts, backstory)
	}
	if actionText != "" {
		parts = append(parts, actionText)
	}
	if target != "" {
		parts = append(parts, "speaking privately with "+target)
	}
	return strings.Join(parts, "\n")
}

// playerBackstory joins the player card's backstory elements into one line.
func playerBackstory(cards []world.Card) string {
	player := playerCard(cards)
	if player == nil {
		return ""
	}
	return strings.Join(player.Data.Backstory(), " ")
}

// beginningCard returns the story's opening-scenario seed card, if present.
func beginningCard(cards []world.Card) *world.Card {
	for i := range cards {
		if cards[i].Type == world.CardBeginning {
			return &cards[i]
		}
	}
	return nil
}

// examineTarget reports whether the action is an "examine <entity>" request.
func examineTarget(action types.Action) (string, bool) {
	if action.Kind != types.ActionDo {
		return "", false
	}
	lower := strings.ToLower(action.Text)
	if !strings.HasPrefix(lower, "examine ") {
		return "", false
	}
	entity := strings.TrimSpace(action.Text[len("examine "):])
	if entity == "" {
		return "", false
	}
	return entity, true
}

// playerActionText renders the committed transcript line for the player's
// action. Continue actions add no player message.
func playerActionText(action types.Action) string {
	switch action.Kind {
	case types.ActionSay:
		return fmt.Sprintf("You say: %q", action.Text)
	case types.ActionDo:
		return "You do: " + action.Text
	default:
		return ""
	}
}
