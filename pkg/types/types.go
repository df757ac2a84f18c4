// Package types defines the shared types used across all Loreweave packages.
//
// These types form the lingua franca between providers, the retrieval layer,
// and the turn orchestrator. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here
// to avoid circular imports.
package types

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ResponseFormat constrains the model's output to a named JSON schema.
// Used by the structured-output path of the summary reconciler.
type ResponseFormat struct {
	// Name is the schema's identifier (required by some providers).
	Name string

	// Schema is the JSON Schema the response must conform to.
	Schema map[string]any

	// Strict requests provider-side schema enforcement where supported.
	Strict bool
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStructuredOutput indicates native JSON-schema response support.
	SupportsStructuredOutput bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// ActionKind classifies a player action submitted to the turn loop.
type ActionKind string

const (
	// ActionDo is a physical action taken by the player character.
	ActionDo ActionKind = "do"

	// ActionSay is spoken dialogue from the player character.
	ActionSay ActionKind = "say"

	// ActionContinue asks the narrator to advance the scene without input.
	ActionContinue ActionKind = "continue"
)

// IsValid reports whether k is a recognised action kind.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionDo, ActionSay, ActionContinue:
		return true
	}
	return false
}

// Action is one player input driving a single turn.
type Action struct {
	// Kind selects how Text is framed to the narrator.
	Kind ActionKind

	// Text is the action or dialogue content. Empty for ActionContinue.
	Text string
}
