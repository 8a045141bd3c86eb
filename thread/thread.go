// Package thread implements conversation threads over provider-agnostic model
// runners: one-step turns with bounded retry and backoff, multi-step tool-use
// loops with concurrent tool execution, and the per-run cost ledger. A thread
// exposes every run as a canonical chunk stream, so consumers — a UI, a wire
// translator or another thread treating this one as a model — all read the
// same contract.
package thread

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/flume/model"
	"goa.design/flume/stream"
	"goa.design/flume/telemetry"
)

const (
	// DefaultMaxRetries bounds the retry budget shared by rate-limit and
	// transient connection failures within one run.
	DefaultMaxRetries = 5

	// DefaultConnectionRetryDelay is the fixed pause before retrying a
	// transient connection failure.
	DefaultConnectionRetryDelay = 500 * time.Millisecond

	// DefaultMaxIterations bounds the tool-use loop.
	DefaultMaxIterations = 10
)

type (
	// Thread owns an ordered, append-only message history bound to one model
	// runner. Runs mutate the history only after the model call succeeds:
	// exactly one user message is appended before a run, and assistant and
	// tool-result messages are appended as turns complete. One-step and
	// multi-step runs on the same thread must not be invoked concurrently.
	Thread struct {
		id     string
		runner model.Runner
		model  string
		tools  Toolbox

		maxRetries      int
		connectionDelay time.Duration
		maxIterations   int
		maxTokens       int
		temperature     float64
		params          map[string]any

		logger  telemetry.Logger
		tracer  telemetry.Tracer
		metrics telemetry.Metrics

		mu       sync.Mutex
		messages []model.Message
		runs     []CostAndUsage
		started  time.Time
	}

	// Option configures a Thread.
	Option func(*Thread)

	// RetriesExhaustedError reports that a run consumed its whole retry
	// budget without a successful model call.
	RetriesExhaustedError struct {
		// Attempts is the total number of attempts made.
		Attempts int
		// Last is the error returned by the final attempt.
		Last error
	}
)

// Error implements the error interface.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the final attempt's error.
func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// WithSystemPrompt seeds the history with a system message.
func WithSystemPrompt(prompt string) Option {
	return func(t *Thread) {
		t.messages = append(t.messages, model.Message{Role: model.RoleSystem, Content: prompt})
	}
}

// WithTools registers the tools the model may invoke.
func WithTools(tools ...*Tool) Option {
	return func(t *Thread) { t.tools = NewToolbox(tools...) }
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(t *Thread) { t.maxRetries = n }
}

// WithConnectionRetryDelay overrides the pause before retrying a transient
// connection failure.
func WithConnectionRetryDelay(d time.Duration) Option {
	return func(t *Thread) { t.connectionDelay = d }
}

// WithMaxIterations overrides the tool-use loop bound.
func WithMaxIterations(n int) Option {
	return func(t *Thread) { t.maxIterations = n }
}

// WithMaxTokens caps completion length on every run.
func WithMaxTokens(n int) Option {
	return func(t *Thread) { t.maxTokens = n }
}

// WithTemperature sets the sampling temperature on every run.
func WithTemperature(temp float64) Option {
	return func(t *Thread) { t.temperature = temp }
}

// WithParams passes provider-specific generation parameters through opaquely.
func WithParams(params map[string]any) Option {
	return func(t *Thread) { t.params = params }
}

// WithLogger overrides the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(t *Thread) { t.logger = l }
}

// WithTracer overrides the tracer.
func WithTracer(tr telemetry.Tracer) Option {
	return func(t *Thread) { t.tracer = tr }
}

// WithMetrics overrides the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(t *Thread) { t.metrics = m }
}

// New creates a thread bound to the given runner and canonical model name.
// Most callers create threads through a Session, which resolves user-supplied
// names through the registry first.
func New(runner model.Runner, modelName string, opts ...Option) *Thread {
	t := &Thread{
		id:              uuid.NewString(),
		runner:          runner,
		model:           modelName,
		tools:           Toolbox{},
		maxRetries:      DefaultMaxRetries,
		connectionDelay: DefaultConnectionRetryDelay,
		maxIterations:   DefaultMaxIterations,
		logger:          telemetry.NewClueLogger(),
		tracer:          telemetry.NewNoopTracer(),
		metrics:         telemetry.NewNoopMetrics(),
		started:         time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the thread's unique identifier.
func (t *Thread) ID() string { return t.id }

// Model returns the canonical model name the thread is bound to.
func (t *Thread) Model() string { return t.model }

// Append adds messages to the history directly, without running the model.
// Used to seed a thread with prior conversation context. Must not be called
// while a run is in flight.
func (t *Thread) Append(msgs ...model.Message) {
	t.appendMessages(msgs...)
}

// Messages returns a copy of the conversation history.
func (t *Thread) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Message(nil), t.messages...)
}

// Elapsed returns the time since the thread was created.
func (t *Thread) Elapsed() time.Duration { return time.Since(t.started) }

// CostAndUsage returns the thread's cost ledger: one leaf per recorded run,
// aggregated fresh on every call.
func (t *Thread) CostAndUsage() CostAndUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return CostAndUsage{
		Name:     "thread " + t.id,
		Children: append([]CostAndUsage(nil), t.runs...),
	}
}

// Run performs exactly one model call against the history extended with the
// given user message. It returns immediately with a stream the caller must
// drain or Finish; the model call runs in the background. On success the
// assistant response is appended to history; a cost leaf is recorded whether
// or not the call succeeded.
func (t *Thread) Run(ctx context.Context, userText string) *stream.Stream {
	t.appendMessages(model.Message{Role: model.RoleUser, Content: userText})
	q := stream.NewQueue()
	adapter := stream.Produce(ctx, q, func(ctx context.Context) error {
		return t.step(ctx, q, nil)
	})
	return stream.New(ctx, adapter)
}

// RunLoop performs a multi-step tool-use conversation: model turns
// interleaved with concurrent tool execution until a turn proposes no tool
// calls or the iteration cap is reached. The returned stream carries the
// chunks of every step plus the tool lifecycle events.
func (t *Thread) RunLoop(ctx context.Context, userText string) *stream.Stream {
	t.appendMessages(model.Message{Role: model.RoleUser, Content: userText})
	q := stream.NewQueue()
	adapter := stream.Produce(ctx, q, func(ctx context.Context) error {
		return t.loop(ctx, q)
	})
	return stream.New(ctx, adapter)
}

// step performs one model call with retry, forwards its chunks into q and
// appends the resulting assistant message(s) to history. When onTurn is
// non-nil it receives the completed turn (the tool-use loop uses it to
// collect proposals); tool call and stop chunks are then withheld from q so
// the loop controls what its consumer sees. A cost leaf is always recorded,
// even when every attempt failed.
func (t *Thread) step(ctx context.Context, q *stream.Queue, onTurn func(model.Turn)) error {
	var usage model.CompletionUsage
	defer func() {
		t.recordRun(usage)
	}()

	streamer, err := t.open(ctx, q)
	if err != nil {
		return err
	}
	inner := stream.New(ctx, streamer)
	forLoop := onTurn != nil
	for {
		chunk, rerr := inner.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			_ = inner.Close()
			usage = inner.Usage()
			return rerr
		}
		switch chunk.Type {
		// The outer aggregator re-derives stream boundaries and the
		// complete_text chunk; forwarding the inner ones would duplicate
		// them. Inner error chunks re-raise through Finish below and are
		// delivered once by the producer wrapper.
		case model.ChunkTypeStreamBegin, model.ChunkTypeStreamEnd,
			model.ChunkTypeCompleteText, model.ChunkTypeError:
			continue
		case model.ChunkTypeToolCall, model.ChunkTypeStop:
			if forLoop {
				continue
			}
		}
		q.Put(chunk)
	}
	if err := inner.Finish(false); err != nil {
		usage = inner.Usage()
		return err
	}
	usage = inner.Usage()
	turn := inner.Turn()
	t.appendMessages(t.runner.AssistantMessages(turn)...)
	if onTurn != nil {
		onTurn(turn)
	}
	return nil
}

// open attempts to start the provider call, retrying rate limits after the
// provider-specified delay and transient connection failures after a fixed
// pause. Both classes share one bounded retry budget. Any other open failure
// is fatal for the run and is returned so the producer wrapper delivers it
// in-stream instead of stalling the consumer.
func (t *Thread) open(ctx context.Context, q *stream.Queue) (model.Streamer, error) {
	req := t.request()
	attempts := t.maxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		streamer, err := t.runner.Run(ctx, t.model, req)
		if err == nil {
			return streamer, nil
		}
		lastErr = err
		if rle, ok := model.AsRateLimit(err); ok {
			if attempt == attempts-1 {
				break
			}
			t.logger.Warn(ctx, "model rate limited",
				"model", t.model, "retry_in", rle.RetryIn, "attempt", attempt+1)
			q.Put(model.RateLimitedChunk(rle.RetryIn, rle.Metadata))
			if err := sleep(ctx, rle.RetryIn); err != nil {
				return nil, err
			}
			continue
		}
		if _, ok := model.AsConnection(err); ok {
			if attempt == attempts-1 {
				break
			}
			t.logger.Warn(ctx, "transient connection failure",
				"model", t.model, "attempt", attempt+1, "err", err)
			if err := sleep(ctx, t.connectionDelay); err != nil {
				return nil, err
			}
			continue
		}
		t.logger.Error(ctx, "model call failed", "model", t.model, "err", err)
		return nil, err
	}
	return nil, &RetriesExhaustedError{Attempts: attempts, Last: lastErr}
}

// loop drives the tool-use iterations, writing into q.
func (t *Thread) loop(ctx context.Context, q *stream.Queue) error {
	for iteration := 0; iteration < t.maxIterations; iteration++ {
		var turn model.Turn
		if err := t.step(ctx, q, func(tn model.Turn) { turn = tn }); err != nil {
			return err
		}
		if len(turn.ToolCalls) == 0 {
			return nil
		}
		q.AddDebug(fmt.Sprintf("executing %d tool call(s)", len(turn.ToolCalls)))
		results := t.executeTools(ctx, q, turn.ToolCalls)
		t.appendMessages(t.runner.ToolResultMessages(results)...)
	}
	t.logger.Warn(ctx, "tool-use loop reached iteration cap",
		"model", t.model, "max_iterations", t.maxIterations)
	return nil
}

// executeTools fans out the proposed calls concurrently. Started chunks are
// emitted sequentially in proposal order before any call runs; finished and
// failed chunks interleave in completion order. Each call produces exactly
// one result, error-marked on failure, and a failing call never aborts its
// siblings.
func (t *Thread) executeTools(ctx context.Context, q *stream.Queue, calls []model.ToolCall) []model.ToolCallResult {
	for _, call := range calls {
		q.Put(model.ToolCallStartedChunk(call))
	}
	results := make([]model.ToolCallResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call model.ToolCall) {
			defer wg.Done()
			started := time.Now()
			result, err := t.invokeTool(ctx, call)
			t.metrics.RecordTimer("flume.tool.duration", time.Since(started), "tool", call.Name)
			if err != nil {
				t.logger.Warn(ctx, "tool call failed", "tool", call.Name, "err", err)
				q.Put(model.ToolCallFailedChunk(call, err))
				results[i] = model.ToolCallResult{
					Call:    call,
					IsError: true,
					Content: fmt.Sprintf("error: %v", err),
				}
				return
			}
			q.Put(model.ToolCallFinishedChunk(call, result))
			results[i] = model.ToolCallResult{Call: call, Content: result}
		}(i, call)
	}
	wg.Wait()
	return results
}

func (t *Thread) invokeTool(ctx context.Context, call model.ToolCall) (string, error) {
	tctx, span := t.tracer.Start(ctx, "tool."+call.Name)
	defer span.End()
	span.SetAttribute("tool.call_id", call.ID)
	tool, ok := t.tools[call.Name]
	if !ok {
		err := fmt.Errorf("unknown tool %q", call.Name)
		span.RecordError(err)
		return "", err
	}
	result, err := tool.Invoke(tctx, call)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return result, nil
}

func (t *Thread) request() model.Request {
	t.mu.Lock()
	messages := append([]model.Message(nil), t.messages...)
	t.mu.Unlock()
	return model.Request{
		Messages:    messages,
		Tools:       t.tools.Definitions(),
		MaxTokens:   t.maxTokens,
		Temperature: t.temperature,
		Stream:      true,
		Params:      t.params,
	}
}

func (t *Thread) appendMessages(msgs ...model.Message) {
	t.mu.Lock()
	t.messages = append(t.messages, msgs...)
	t.mu.Unlock()
}

func (t *Thread) recordRun(usage model.CompletionUsage) {
	cost := t.runner.CostUSD(t.model, usage)
	t.mu.Lock()
	t.runs = append(t.runs, CostAndUsage{Name: t.model, Usage: usage, CostUSD: cost})
	t.mu.Unlock()
	t.metrics.IncCounter("flume.run.tokens", float64(usage.Total()), "model", t.model)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
