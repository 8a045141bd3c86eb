// Command demo runs a conversation turn (or a tool-use loop) against a
// configured provider and prints the canonical chunk stream. It wires
// together the full stack: configuration, the model registry, provider
// runners, virtual models, adaptive rate limiting and the session cost
// ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joho/godotenv"
	"goa.design/clue/log"

	"goa.design/flume/config"
	"goa.design/flume/features/model/anthropic"
	"goa.design/flume/features/model/bedrock"
	"goa.design/flume/features/model/compat"
	"goa.design/flume/features/model/middleware"
	"goa.design/flume/features/model/openai"
	"goa.design/flume/model"
	"goa.design/flume/stream"
	"goa.design/flume/thread"
	"goa.design/flume/virtual"
)

func main() {
	var (
		configF = flag.String("config", "flume.yaml", "configuration file path")
		modelF  = flag.String("model", "sonnet", "model name or alias")
		loopF   = flag.Bool("loop", false, "run the tool-use loop with the demo tools")
		debugF  = flag.Bool("debug", false, "enable debug logs and show debug chunks")
	)
	flag.Parse()

	// Provider keys conventionally live in .env during development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	if cfg.Log.Format == "json" {
		format = log.FormatJSON
	}
	// Interactive runs want every entry immediately, not clue's default
	// hold-until-error buffering.
	ctx := log.Context(context.Background(),
		log.WithFormat(format),
		log.WithDisableBuffering(func(context.Context) bool { return true }))
	if *debugF || cfg.Log.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	prompt := strings.Join(flag.Args(), " ")
	if prompt == "" {
		prompt = "Briefly introduce yourself."
	}

	if err := run(ctx, cfg, registry, *modelF, prompt, *loopF, *debugF); err != nil {
		log.Fatal(ctx, err)
	}
}

func buildRegistry(ctx context.Context, cfg config.Config) (*model.Registry, error) {
	limited := middleware.NewAdaptiveRateLimiter(0, 0).Middleware()

	registry := model.NewRegistry()
	if cfg.Providers.AnthropicEnabled() {
		runner, err := anthropic.NewFromAPIKey(cfg.Providers.Anthropic.APIKey)
		if err != nil {
			return nil, err
		}
		registry.Register(limited(runner))
	}
	if cfg.Providers.OpenAIEnabled() {
		runner, err := openai.NewFromAPIKey(cfg.Providers.OpenAI.APIKey)
		if err != nil {
			return nil, err
		}
		registry.Register(limited(runner))
	}
	if cfg.Providers.OpenRouterEnabled() {
		runner, err := compat.NewOpenRouter(cfg.Providers.OpenRouter.APIKey, []model.ModelInfo{
			{Name: "deepseek/deepseek-chat", Aliases: []string{"deepseek"}},
		})
		if err != nil {
			return nil, err
		}
		registry.Register(limited(runner))
	}
	if cfg.Providers.Ollama.Enabled {
		infos := make([]model.ModelInfo, 0, len(cfg.Providers.Ollama.Models))
		for _, name := range cfg.Providers.Ollama.Models {
			infos = append(infos, model.ModelInfo{Name: name})
		}
		runner, err := compat.NewOllama(cfg.Providers.Ollama.BaseURL, infos)
		if err != nil {
			return nil, err
		}
		registry.Register(runner)
	}
	if cfg.Providers.Bedrock.Enabled {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Providers.Bedrock.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Providers.Bedrock.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, err
		}
		runner, err := bedrock.New(bedrockruntime.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		registry.Register(limited(runner))
	}
	if len(registry.Runners()) == 0 {
		return nil, errors.New("no provider configured: set an API key or enable a provider")
	}
	registerVirtualModels(registry)
	return registry, nil
}

// registerVirtualModels layers the composed models on top of the first
// registered provider; its first model backs every pipeline phase.
func registerVirtualModels(registry *model.Registry) {
	backing := registry.Runners()[0].Models()[0].Name

	if twoPhase, err := virtual.NewTwoPhase(registry, backing); err == nil {
		registry.Register(twoPhase.Model(model.ModelInfo{
			Name:    "flume/two-phase",
			Aliases: []string{"two-phase"},
		}))
	}
	if multiphase, err := virtual.NewMultiphase(registry, backing); err == nil {
		registry.Register(multiphase.Model(model.ModelInfo{
			Name:    "flume/multiphase",
			Aliases: []string{"multiphase"},
		}))
	}
	if router, err := virtual.NewRouter(registry, backing, []virtual.Route{
		{Model: backing, Description: "brief or simple requests"},
		{Model: "flume/two-phase", Description: "complex questions that benefit from a tailored prompt"},
		{Model: "flume/multiphase", Description: "research-like tasks needing long, carefully reviewed answers"},
	}); err == nil {
		registry.Register(router.Model(model.ModelInfo{
			Name:    "flume/router",
			Aliases: []string{"router"},
		}))
	}
}

func run(ctx context.Context, cfg config.Config, registry *model.Registry, modelName, prompt string, loop, debug bool) error {
	var opts []thread.Option
	if cfg.Run.MaxRetries > 0 {
		opts = append(opts, thread.WithMaxRetries(cfg.Run.MaxRetries))
	}
	if cfg.Run.ConnectionRetryDelay > 0 {
		opts = append(opts, thread.WithConnectionRetryDelay(cfg.Run.ConnectionRetryDelay))
	}
	if cfg.Run.MaxIterations > 0 {
		opts = append(opts, thread.WithMaxIterations(cfg.Run.MaxIterations))
	}
	if cfg.Run.MaxTokens > 0 {
		opts = append(opts, thread.WithMaxTokens(cfg.Run.MaxTokens))
	}
	if loop {
		opts = append(opts, thread.WithTools(demoTools()...))
	}

	session := thread.NewSession(registry, opts...)
	t, err := session.CreateThread(modelName)
	if err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "model", V: t.Model()}, log.KV{K: "loop", V: loop})

	var s *stream.Stream
	if loop {
		s = t.RunLoop(ctx, prompt)
	} else {
		s = t.Run(ctx, prompt)
	}
	if err := consume(s, debug); err != nil {
		return err
	}

	fmt.Printf("\n\n---\nElapsed: %.3f secs\n", session.Elapsed().Seconds())
	fmt.Print("Costs:\n" + session.CostAndUsage().String())
	return nil
}

// consume prints the chunk stream: text as it arrives, tool lifecycle and
// retry events as markers. The final Finish surfaces any stream error.
func consume(s *stream.Stream, debug bool) error {
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			fmt.Print(chunk.Text)
		case model.ChunkTypeToolCallStarted:
			fmt.Printf("\n[tool: %s]\n", chunk.ToolCall)
		case model.ChunkTypeToolCallFailed:
			fmt.Printf("\n[tool %s failed: %v]\n", chunk.ToolCall.Name, chunk.Err)
		case model.ChunkTypeRateLimited:
			fmt.Printf("\n[rate limited, retrying in %s]\n", chunk.RateLimit.Delay)
		case model.ChunkTypeDebug, model.ChunkTypeVerbose:
			if debug {
				fmt.Print(chunk.Text)
			}
		}
	}
	return s.Finish(false)
}

// demoTools exercises the tool-use loop with two local tools.
func demoTools() []*thread.Tool {
	return []*thread.Tool{
		{
			Name:        "get_time",
			Description: "Returns the current time in RFC 3339 format.",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Fn: func(context.Context, map[string]any) (any, error) {
				return map[string]any{"time": time.Now().Format(time.RFC3339)}, nil
			},
		},
		{
			Name:        "add",
			Description: "Adds two numbers and returns the sum.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"a": map[string]any{"type": "number"},
					"b": map[string]any{"type": "number"},
				},
				"required": []any{"a", "b"},
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				a, _ := args["a"].(float64)
				b, _ := args["b"].(float64)
				return map[string]any{"sum": a + b}, nil
			},
		},
	}
}
