package gm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loreweave/loreweave/internal/retrieval"
	"github.com/loreweave/loreweave/pkg/types"
	"github.com/loreweave/loreweave/pkg/world"
)

const personaPrompt = `You are the Dungeon Master of an ongoing interactive story. You narrate the
world, voice every character except the player's, and adjudicate outcomes.
Write vivid second-person prose addressed to the player. Never speak for the
player character or decide their feelings. Keep scenes moving: end each
narration at a moment that invites the player's next action.

Use your tools to keep the world consistent: roll dice for uncertain
outcomes, record important facts as memories, keep character cards and
relationships up to date. When you reference a character in a tool call, use
the id from the character table when one exists.`

const worldRulesPrompt = `Rules:
- Consequences are real. Dice decide uncertain outcomes; honor the roll.
- Never contradict established facts from the context block or transcript.
- Introduce new named characters and places with an upsert_card call.
- Keep narration under five paragraphs unless the scene demands more.`

const textingPrompt = `This is a private exchange: the player is speaking one on one with %s,
away from the main scene. Respond entirely in %s's voice, first person, as a
short message. No scene narration, no tool calls unless a durable fact is
established.`

// promptInput collects everything the system prompt is assembled from.
type promptInput struct {
	story     *world.Story
	settings  world.Settings
	beginning *world.Card
	retrieved *retrieval.Context
	cards     []world.Card

	// target is the character name for texting mode, empty otherwise.
	target string

	// backstory is injected verbatim when retrieval ranking dropped it.
	backstory string
}

// buildSystemPrompt assembles the full system message for a turn.
func buildSystemPrompt(in promptInput) string {
	var b strings.Builder
	b.WriteString(personaPrompt)
	b.WriteString("\n\n")
	b.WriteString(worldRulesPrompt)

	fmt.Fprintf(&b, "\n\nNarration settings: tone %s, difficulty %s, style %s.",
		in.settings.Tone, in.settings.Difficulty, in.settings.NarrativeStyle)

	if in.story != nil && in.story.World != "" {
		fmt.Fprintf(&b, "\nWorld: %s.", in.story.World)
	}
	if in.beginning != nil {
		if seed, err := json.Marshal(in.beginning.Data); err == nil && len(in.beginning.Data) > 0 {
			fmt.Fprintf(&b, "\n\nOpening scenario:\n%s", seed)
		}
	}

	if in.target != "" {
		b.WriteString("\n\n")
		fmt.Fprintf(&b, textingPrompt, in.target, in.target)
	}

	if block := contextBlock(in.retrieved, in.backstory); block != "" {
		b.WriteString("\n\n## Story context\n")
		b.WriteString(block)
	}

	if table := characterTable(in.cards); table != "" {
		b.WriteString("\n\n## Character ids\n")
		b.WriteString(table)
	}

	return b.String()
}

// contextBlock flattens retrieved cards, memories, relationships, and stats
// into the prompt's context section. backstory, when non-empty, is appended
// verbatim so ranking can never silently drop the player's past.
func contextBlock(rc *retrieval.Context, backstory string) string {
	if rc == nil {
		return backstoryLine(backstory)
	}
	var b strings.Builder

	for _, c := range rc.Cards {
		fmt.Fprintf(&b, "[%s] %s", c.Card.Type, c.Card.Name)
		if c.Card.Description != "" {
			b.WriteString(": ")
			b.WriteString(c.Card.Description)
		}
		b.WriteString("\n")
	}
	for _, m := range rc.Memories {
		fmt.Fprintf(&b, "[memory] %s\n", m.Memory.Summary)
	}
	for _, r := range rc.Relationships {
		if r.Relationship.Summary != "" {
			fmt.Fprintf(&b, "[relationship] %s\n", r.Relationship.Summary)
		}
	}
	for _, s := range rc.Stats {
		fmt.Fprintf(&b, "[stat] %s = %v\n", s.Key, s.Value)
	}

	if backstory != "" && !strings.Contains(b.String(), backstory) {
		b.WriteString(backstoryLine(backstory))
	}
	return strings.TrimRight(b.String(), "\n")
}

func backstoryLine(backstory string) string {
	if backstory == "" {
		return ""
	}
	return "[backstory] " + backstory + "\n"
}

// characterTable renders the id lookup table for tool calls.
func characterTable(cards []world.Card) string {
	var b strings.Builder
	for _, c := range cards {
		if c.Type != world.CardCharacter {
			continue
		}
		fmt.Fprintf(&b, "%s = %s", c.Name, c.ID)
		if c.Data.IsPlayerCharacter() {
			b.WriteString(" (player)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// userPrompt renders the player's action as the turn's user message.
func userPrompt(action types.Action) string {
	switch action.Kind {
	case types.ActionSay:
		return fmt.Sprintf("I say: %q", action.Text)
	case types.ActionDo:
		return "I do: " + action.Text
	default:
		return "Continue the story."
	}
}

// examinePrompt is the focused inspection variant for "examine <entity>"
// actions: the narrator describes one thing in detail instead of advancing
// the scene.
func examinePrompt(entity string) string {
	return fmt.Sprintf("I examine %s closely. Describe it in rich detail using everything known about it. Do not advance the scene or introduce new events.", entity)
}
