package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/flume/model"
)

type (
	// Tool is a named callable the model may invoke during a tool-use loop.
	// The function receives the parsed argument mapping and returns a value
	// serializable to JSON. A non-serializable return value is treated as a
	// tool failure.
	Tool struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// Schema is the JSON Schema for the tool's input parameters. When set,
		// parsed arguments are validated against it before invocation.
		Schema map[string]any
		// Fn executes the tool.
		Fn func(ctx context.Context, args map[string]any) (any, error)

		compileOnce sync.Once
		compiled    *jsonschema.Schema
		compileErr  error
	}

	// Toolbox maps tool names to their implementations for one thread.
	Toolbox map[string]*Tool
)

// NewToolbox indexes the given tools by name.
func NewToolbox(tools ...*Tool) Toolbox {
	tb := make(Toolbox, len(tools))
	for _, t := range tools {
		tb[t.Name] = t
	}
	return tb
}

// Definitions renders the toolbox as the schema list passed to providers.
// Order is not significant to providers, so map iteration order is fine.
func (tb Toolbox) Definitions() []model.ToolDefinition {
	if len(tb) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(tb))
	for _, t := range tb {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema,
		})
	}
	return defs
}

// Invoke parses the call's raw arguments, validates them against the tool's
// schema when one is declared and executes the function. Argument parse
// failures, schema violations, execution errors and non-serializable return
// values are all reported as errors; the caller converts them into
// tool_call_failed chunks and error-marked results.
func (t *Tool) Invoke(ctx context.Context, call model.ToolCall) (string, error) {
	args, err := call.Args()
	if err != nil {
		return "", err
	}
	if t.Schema != nil {
		schema, err := t.schema()
		if err != nil {
			return "", fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
		}
		if err := schema.Validate(normalize(args)); err != nil {
			return "", fmt.Errorf("tool %s: invalid arguments: %w", t.Name, err)
		}
	}
	out, err := t.Fn(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", t.Name, err)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("tool %s: serialize result: %w", t.Name, err)
	}
	return string(encoded), nil
}

// schema compiles the declared schema exactly once; the loop invokes tools
// concurrently, so the cache must be safe for parallel first use.
func (t *Tool) schema() (*jsonschema.Schema, error) {
	t.compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", normalize(t.Schema)); err != nil {
			t.compileErr = err
			return
		}
		t.compiled, t.compileErr = c.Compile("schema.json")
	})
	return t.compiled, t.compileErr
}

// normalize round-trips a value through JSON so the validator sees the
// generic document shape it expects (float64 numbers, map[string]any).
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return v
	}
	return doc
}
