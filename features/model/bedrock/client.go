// Package bedrock provides a model.Runner backed by the AWS Bedrock Converse
// API. It splits system from conversational messages, encodes tool schemas
// into Bedrock's ToolConfiguration and normalizes ConverseStream events into
// canonical chunks.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/flume/model"
)

// ProviderName identifies this runner in logs and conflict reports.
const ProviderName = "bedrock"

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the runner. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a mock in tests.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Runner implements model.Runner on top of AWS Bedrock Converse.
	Runner struct {
		runtime RuntimeClient
		models  []model.ModelInfo
	}
)

// Cross-region inference profiles with Anthropic pricing. Aliases carry a
// bedrock- prefix so they never collide with the direct Anthropic runner in
// a registry that holds both.
var defaultModels = []model.ModelInfo{
	{
		Name:    "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		Aliases: []string{"bedrock-sonnet"},
		Cost:    model.ModelCost{PromptPer1M: 3, CompletionPer1M: 15},
	},
	{
		Name:    "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		Aliases: []string{"bedrock-haiku"},
		Cost:    model.ModelCost{PromptPer1M: 1, CompletionPer1M: 5},
	},
}

// New builds a Bedrock-backed runner over the given runtime client.
func New(runtime RuntimeClient) (*Runner, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	return &Runner{runtime: runtime, models: defaultModels}, nil
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

// Run invokes ConverseStream and returns the normalizing streamer.
// ThrottlingException and HTTP 429 responses map to *model.RateLimitError.
func (r *Runner) Run(ctx context.Context, modelName string, req model.Request) (model.Streamer, error) {
	input, err := encodeRequest(modelName, req)
	if err != nil {
		return nil, err
	}
	out, err := r.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, stream), nil
}

// AssistantMessages implements model.Runner.
func (r *Runner) AssistantMessages(turn model.Turn) []model.Message {
	return model.DefaultAssistantMessages(turn)
}

// ToolResultMessages implements model.Runner. Bedrock expects tool_result
// blocks batched in a single user message, like Anthropic.
func (r *Runner) ToolResultMessages(results []model.ToolCallResult) []model.Message {
	if len(results) == 0 {
		return nil
	}
	return []model.Message{{
		Role:        model.RoleTool,
		ToolResults: append([]model.ToolCallResult(nil), results...),
	}}
}

func encodeRequest(modelName string, req model.Request) (*bedrockruntime.ConverseStreamInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelName),
		Messages: conversation,
	}
	if len(system) > 0 {
		input.System = system
	}
	if cfg := inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	if len(req.Tools) > 0 {
		toolCfg, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = toolCfg
	}
	return input, nil
}

func inferenceConfig(req model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	set := false
	if req.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
		set = true
	}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(req.Temperature))
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case model.RoleUser:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, call := range m.ToolCalls {
				tb := brtypes.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(call.Name),
					Input:     argumentsDocument(call),
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})
		case model.RoleTool:
			blocks := make([]brtypes.ContentBlock, 0, len(m.ToolResults))
			for _, res := range m.ToolResults {
				tr := brtypes.ToolResultBlock{
					ToolUseId: aws.String(res.Call.ID),
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: res.Content},
					},
				}
				if res.IsError {
					tr.Status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: blocks,
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

// argumentsDocument re-encodes the raw argument text as a smithy document for
// replayed tool_use blocks. Malformed arguments go back under a wrapper key.
func argumentsDocument(call model.ToolCall) document.Interface {
	trimmed := strings.TrimSpace(call.Arguments)
	if trimmed == "" {
		trimmed = "{}"
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(trimmed), &input); err != nil {
		input = map[string]any{"raw": call.Arguments}
	}
	return document.NewLazyDocument(input)
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("bedrock: tool definition missing name")
		}
		schemaDoc, err := schemaDocument(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDoc},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

func schemaDocument(schema any) (document.Interface, error) {
	if schema == nil {
		return document.NewLazyDocument(map[string]any{"type": "object"}), nil
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
	return document.NewLazyDocument(m), nil
}

// classifyError maps AWS SDK errors to the canonical retryable error types.
// Bedrock reports no retry delay; throttling retries after one second.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return &model.RateLimitError{
				RetryIn:  time.Second,
				Metadata: map[string]string{"error_code": apiErr.ErrorCode()},
				Cause:    err,
			}
		case "ModelNotReadyException", "ServiceUnavailableException":
			return &model.ConnectionError{Message: apiErr.ErrorMessage(), Cause: err}
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return &model.RateLimitError{RetryIn: time.Second, Cause: err}
	}
	return err
}
