// Package anthropic provides a model.Runner backed by the Anthropic Claude
// Messages API. It translates canonical requests into anthropic.Message calls
// using github.com/anthropics/anthropic-sdk-go and normalizes the streaming
// events (text deltas, tool use blocks, usage, stop reasons) into canonical
// chunks.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/flume/model"
)

// ProviderName identifies this runner in logs and conflict reports.
const ProviderName = "anthropic"

const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the runner. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Runner implements model.Runner on top of Anthropic Claude Messages.
	Runner struct {
		msg    MessagesClient
		models []model.ModelInfo
	}
)

// Per-million-token pricing from the Anthropic model catalogue.
var defaultModels = []model.ModelInfo{
	{
		Name:    "claude-sonnet-4-5",
		Aliases: []string{"sonnet", "claude-sonnet"},
		Cost:    model.ModelCost{PromptPer1M: 3, CompletionPer1M: 15},
	},
	{
		Name:    "claude-opus-4-1",
		Aliases: []string{"opus", "claude-opus"},
		Cost:    model.ModelCost{PromptPer1M: 15, CompletionPer1M: 75},
	},
	{
		Name:    "claude-haiku-4-5",
		Aliases: []string{"haiku", "claude-haiku"},
		Cost:    model.ModelCost{PromptPer1M: 1, CompletionPer1M: 5},
	},
}

// New builds an Anthropic-backed runner from the provided Messages client.
func New(msg MessagesClient) (*Runner, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	return &Runner{msg: msg, models: defaultModels}, nil
}

// NewFromAPIKey constructs a runner using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string) (*Runner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages)
}

// Name implements model.Runner.
func (r *Runner) Name() string { return ProviderName }

// Models implements model.Runner.
func (r *Runner) Models() []model.ModelInfo {
	return append([]model.ModelInfo(nil), r.models...)
}

// CostUSD implements model.Runner.
func (r *Runner) CostUSD(modelName string, usage model.CompletionUsage) float64 {
	info, ok := model.FindModel(r.models, modelName)
	if !ok {
		return 0
	}
	return info.Cost.USD(usage)
}

// Run opens a streaming Messages call and returns the normalizing streamer.
// SDK throttling errors are mapped to *model.RateLimitError with the
// provider's retry delay and ratelimit headers; transport failures map to
// *model.ConnectionError.
func (r *Runner) Run(ctx context.Context, modelName string, req model.Request) (model.Streamer, error) {
	params, err := encodeRequest(modelName, req)
	if err != nil {
		return nil, err
	}
	stream := r.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	return newStreamer(ctx, stream), nil
}

// AssistantMessages implements model.Runner.
func (r *Runner) AssistantMessages(turn model.Turn) []model.Message {
	return model.DefaultAssistantMessages(turn)
}

// ToolResultMessages implements model.Runner. Anthropic expects all tool
// results of a turn batched into a single user message of tool_result blocks.
func (r *Runner) ToolResultMessages(results []model.ToolCallResult) []model.Message {
	if len(results) == 0 {
		return nil
	}
	return []model.Message{{
		Role:        model.RoleTool,
		ToolResults: append([]model.ToolCallResult(nil), results...),
	}}
}

func encodeRequest(modelName string, req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelName),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return &params, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, decodeArguments(call), call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case model.RoleTool:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.ToolResults))
			for _, res := range m.ToolResults {
				blocks = append(blocks, sdk.NewToolResultBlock(res.Call.ID, res.Content, res.IsError))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

// decodeArguments re-parses the raw argument text so replayed tool_use blocks
// carry structured input. Malformed arguments are replayed under a wrapper
// key rather than rejected: the model produced them, and it must see them
// back on resume.
func decodeArguments(call model.ToolCall) any {
	if strings.TrimSpace(call.Arguments) == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
		return map[string]any{"raw": call.Arguments}
	}
	return input
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("anthropic: tool definition missing name")
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// classifyError maps SDK errors to the canonical retryable error types. HTTP
// 429 and 529 responses become rate-limit errors carrying the retry-after
// delay and the anthropic-ratelimit-* response headers; transport-level
// failures become connection errors.
func classifyError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode == 529 {
			return &model.RateLimitError{
				RetryIn:  retryDelay(apiErr),
				Metadata: rateLimitMetadata(apiErr),
				Cause:    err,
			}
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &model.ConnectionError{Message: netErr.Error(), Cause: err}
	}
	return err
}

func retryDelay(apiErr *sdk.Error) time.Duration {
	if apiErr.Response == nil {
		return time.Second
	}
	if v := apiErr.Response.Header.Get("retry-after"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}

func rateLimitMetadata(apiErr *sdk.Error) map[string]string {
	if apiErr.Response == nil {
		return nil
	}
	meta := make(map[string]string)
	for name, values := range apiErr.Response.Header {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "anthropic-ratelimit-") || lower == "retry-after" {
			meta[lower] = values[0]
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
