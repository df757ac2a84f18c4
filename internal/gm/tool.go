package gm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loreweave/loreweave/pkg/types"
)

// tool binds a model-facing definition to its handler. Handlers receive only
// the model-supplied argument JSON; the story ID and every other
// caller-owned field are closed over by the toolset, so the model cannot
// forge or omit them.
type tool struct {
	name        string
	description string
	parameters  map[string]any
	run         func(ctx context.Context, args json.RawMessage) (string, error)
}

// definitions renders the bound tool set for the completion request.
func definitions(tools []tool) []types.ToolDefinition {
	defs := make([]types.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = types.ToolDefinition{
			Name:        t.name,
			Description: t.description,
			Parameters:  t.parameters,
		}
	}
	return defs
}

// dispatch executes one tool call and always produces a result string for
// the model, even on failure. Unknown tools, argument validation failures,
// handler errors, and handler panics are all serialized back as an error
// payload so the model can recover narratively instead of the turn dying.
func dispatch(ctx context.Context, tools []tool, call types.ToolCall) (result string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gm: tool panicked", "tool", call.Name, "panic", r)
			result = errorPayload(fmt.Sprintf("tool %s failed internally", call.Name))
		}
	}()

	for _, t := range tools {
		if t.name != call.Name {
			continue
		}
		out, err := t.run(ctx, json.RawMessage(call.Arguments))
		if err != nil {
			slog.Warn("gm: tool call failed", "tool", call.Name, "err", err)
			return errorPayload(err.Error())
		}
		return out
	}

	slog.Warn("gm: model called unknown tool", "tool", call.Name)
	return errorPayload(fmt.Sprintf("unknown tool %q", call.Name))
}

// errorPayload wraps msg in the error envelope tool results use on failure.
func errorPayload(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// decodeArgs strictly unmarshals model-supplied JSON into dst. Unknown
// fields are rejected: a misspelled argument silently ignored would make
// the model believe the call succeeded as intended.
func decodeArgs(toolName string, args json.RawMessage, dst any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Tool: toolName, Msg: err.Error()}
	}
	return nil
}

// objectSchema builds the JSON-schema parameter object shared by all tool
// definitions.
func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
