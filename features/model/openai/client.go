// Package openai provides a model.Runner backed by the OpenAI Chat
// Completions API using github.com/openai/openai-go. The same runner, pointed
// at a different base URL with a different model table, also serves
// OpenAI-compatible endpoints (see the compat package).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/flume/model"
)

// ProviderName identifies this runner in logs and conflict reports.
const ProviderName = "openai"

type (
	// CompletionsClient captures the subset of the OpenAI SDK client used by
	// the runner. Satisfied by client.Chat.Completions; tests pass a mock.
	CompletionsClient interface {
		NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
	}

	// Runner implements model.Runner on top of OpenAI Chat Completions.
	Runner struct {
		chat   CompletionsClient
		name   string
		models []model.ModelInfo
	}
)

// Per-million-token pricing from the OpenAI model catalogue.
var defaultModels = []model.ModelInfo{
	{
		Name:    "gpt-4o",
		Aliases: []string{"4o"},
		Cost:    model.ModelCost{PromptPer1M: 2.5, CompletionPer1M: 10},
	},
	{
		Name:    "gpt-4o-mini",
		Aliases: []string{"4o-mini", "mini"},
		Cost:    model.ModelCost{PromptPer1M: 0.15, CompletionPer1M: 0.6},
	},
	{
		Name:    "gpt-4.1",
		Aliases: []string{"4.1"},
		Cost:    model.ModelCost{PromptPer1M: 2, CompletionPer1M: 8},
	},
	{
		Name:    "o3",
		Aliases: nil,
		Cost:    model.ModelCost{PromptPer1M: 2, CompletionPer1M: 8},
	},
}

// New builds an OpenAI-backed runner from the provided completions client.
func New(chat CompletionsClient) (*Runner, error) {
	return NewWithConfig(ProviderName, defaultModels, chat)
}

// NewWithConfig builds a runner with a custom provider name and model table.
// Used by the compat package to serve OpenAI-compatible endpoints (Ollama,
// OpenRouter) through the same wire protocol.
func NewWithConfig(name string, models []model.ModelInfo, chat CompletionsClient) (*Runner, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if name == "" {
		return nil, errors.New("provider name is required")
	}
	return &Runner{chat: chat, name: name, models: models}, nil
}

// NewFromAPIKey constructs a runner using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string) (*Runner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions)
}

// Name implements model.Runner.
func (r *Runner) Name() string { return r.name }

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

// Run opens a streaming chat completion and returns the normalizing
// streamer. Usage reporting is requested on the final chunk via
// stream_options.include_usage.
func (r *Runner) Run(ctx context.Context, modelName string, req model.Request) (model.Streamer, error) {
	params, err := encodeRequest(modelName, req)
	if err != nil {
		return nil, err
	}
	stream := r.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	return newStreamer(ctx, r.name, stream), nil
}

// AssistantMessages implements model.Runner.
func (r *Runner) AssistantMessages(turn model.Turn) []model.Message {
	return model.DefaultAssistantMessages(turn)
}

// ToolResultMessages implements model.Runner. OpenAI expects one tool-role
// message per executed call, linked by the call id.
func (r *Runner) ToolResultMessages(results []model.ToolCallResult) []model.Message {
	msgs := make([]model.Message, 0, len(results))
	for _, res := range results {
		msgs = append(msgs, model.Message{
			Role:       model.RoleTool,
			Content:    res.Content,
			ToolCallID: res.Call.ID,
			ToolName:   res.Call.Name,
		})
	}
	return msgs
}

func encodeRequest(modelName string, req model.Request) (*openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelName),
		Messages: msgs,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
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

func encodeMessages(msgs []model.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			for _, call := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case model.RoleTool:
			// Batched results are accepted for runner interchangeability but
			// re-expanded into the per-call messages OpenAI requires.
			if len(m.ToolResults) > 0 {
				for _, res := range m.ToolResults {
					out = append(out, openai.ToolMessage(res.Content, res.Call.ID))
				}
				continue
			}
			if m.ToolCallID == "" {
				return nil, errors.New("openai: tool message missing tool call id")
			}
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []model.ToolDefinition) ([]openai.ChatCompletionToolParam, error) {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("openai: tool definition missing name")
		}
		params, err := toolParameters(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		fn := openai.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		if params != nil {
			fn.Parameters = params
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools, nil
}

func toolParameters(schema any) (openai.FunctionParameters, error) {
	if schema == nil {
		return nil, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return openai.FunctionParameters(m), nil
}

// classifyError maps SDK errors to the canonical retryable error types.
func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
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

func retryDelay(apiErr *openai.Error) time.Duration {
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

func rateLimitMetadata(apiErr *openai.Error) map[string]string {
	if apiErr.Response == nil {
		return nil
	}
	meta := make(map[string]string)
	for name, values := range apiErr.Response.Header {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-ratelimit-") || lower == "retry-after" {
			meta[lower] = values[0]
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
