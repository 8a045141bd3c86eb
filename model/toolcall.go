package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type (
	// ToolCall captures a tool invocation requested by the model. Arguments
	// holds the raw JSON text exactly as generated: the model may hallucinate
	// invalid JSON or parameters outside the tool schema, so parsing is
	// deferred to the point of actual invocation via Args, never performed at
	// construction.
	ToolCall struct {
		// ID is the provider-assigned call identifier, echoed back in the
		// tool result message.
		ID string
		// Name identifies the tool to invoke.
		Name string
		// Arguments is the raw JSON argument text generated by the model.
		Arguments string
	}

	// ToolCallResult is the outcome of one executed tool call. Exactly one
	// result is produced per proposed call, including on failure, in which
	// case Content holds an error marker.
	ToolCallResult struct {
		// Call is the originating tool call.
		Call ToolCall
		// IsError reports whether the invocation failed.
		IsError bool
		// Content is the JSON-encoded return value, or an error marker when
		// IsError is set.
		Content string
	}
)

// Args parses the raw argument text into a structured mapping. It fails with
// a wrapped error when the model generated malformed JSON.
func (t ToolCall) Args() (map[string]any, error) {
	if strings.TrimSpace(t.Arguments) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(t.Arguments), &args); err != nil {
		return nil, fmt.Errorf("tool %s: parse arguments: %w", t.Name, err)
	}
	return args, nil
}

// String renders the call as name(key=value, ...) for logs and diagnostics.
// Malformed arguments are rendered raw.
func (t ToolCall) String() string {
	args, err := t.Args()
	if err != nil {
		return fmt.Sprintf("%s(%s)", t.Name, t.Arguments)
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return fmt.Sprintf("%s(%s)", t.Name, strings.Join(pairs, ", "))
}
