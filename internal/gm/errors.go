package gm

import "fmt"

// ValidationError reports malformed model-supplied tool arguments. It is
// never propagated out of a turn: the dispatcher serializes it back to the
// model as the tool's result so the model can correct itself.
type ValidationError struct {
	Tool string
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gm: tool %s: invalid arguments: %s", e.Tool, e.Msg)
}

// ToolError wraps a failure inside a single tool execution. Contained like
// [ValidationError]: one broken tool call must not abort the whole turn.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("gm: tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }
