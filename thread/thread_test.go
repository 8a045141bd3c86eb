package thread

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flume/model"
	"goa.design/flume/stream"
	"goa.design/flume/telemetry"
)

// scriptStreamer replays a fixed chunk sequence then io.EOF.
type scriptStreamer struct {
	chunks []model.Chunk
	i      int
}

func (s *scriptStreamer) Recv() (model.Chunk, error) {
	if s.i >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	chunk := s.chunks[s.i]
	s.i++
	return chunk, nil
}

func (s *scriptStreamer) Close() error { return nil }

// scriptRunner serves one scripted outcome per Run call; the last entry
// repeats once the script is exhausted.
type scriptRunner struct {
	script []func(req model.Request) (model.Streamer, error)

	mu    sync.Mutex
	calls int
	reqs  []model.Request
}

func (r *scriptRunner) Name() string { return "script" }

func (r *scriptRunner) Models() []model.ModelInfo {
	return []model.ModelInfo{{
		Name:    "scripted-model",
		Aliases: []string{"scripted"},
		Cost:    model.ModelCost{PromptPer1M: 1, CompletionPer1M: 2},
	}}
}

func (r *scriptRunner) Run(_ context.Context, _ string, req model.Request) (model.Streamer, error) {
	r.mu.Lock()
	i := r.calls
	r.calls++
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if i >= len(r.script) {
		i = len(r.script) - 1
	}
	return r.script[i](req)
}

func (r *scriptRunner) CostUSD(name string, usage model.CompletionUsage) float64 {
	info, _ := model.FindModel(r.Models(), name)
	return info.Cost.USD(usage)
}

func (r *scriptRunner) AssistantMessages(turn model.Turn) []model.Message {
	return model.DefaultAssistantMessages(turn)
}

func (r *scriptRunner) ToolResultMessages(results []model.ToolCallResult) []model.Message {
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

func (r *scriptRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func textTurn(text string, usage model.CompletionUsage) func(model.Request) (model.Streamer, error) {
	return func(model.Request) (model.Streamer, error) {
		return &scriptStreamer{chunks: []model.Chunk{
			model.UsageChunk(usage),
			model.TextChunk(text),
			model.StopChunk(model.StopEndTurn),
		}}, nil
	}
}

func toolTurn(calls ...model.ToolCall) func(model.Request) (model.Streamer, error) {
	return func(model.Request) (model.Streamer, error) {
		chunks := []model.Chunk{model.UsageChunk(model.CompletionUsage{PromptTokens: 5})}
		for _, call := range calls {
			chunks = append(chunks, model.ToolCallChunk(call))
		}
		chunks = append(chunks, model.StopChunk(model.StopToolUse))
		return &scriptStreamer{chunks: chunks}, nil
	}
}

func failOpen(err error) func(model.Request) (model.Streamer, error) {
	return func(model.Request) (model.Streamer, error) { return nil, err }
}

func quiet() Option { return WithLogger(telemetry.NewNoopLogger()) }

func collectChunks(t *testing.T, s *stream.Stream) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func TestRunSingleTurn(t *testing.T) {
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		textTurn("hello there", model.CompletionUsage{PromptTokens: 10, CompletionTokens: 2}),
	}}
	th := New(runner, "scripted-model", quiet())

	s := th.Run(context.Background(), "hi")
	chunks := collectChunks(t, s)
	require.NoError(t, s.Finish(false))

	// Exactly one stream_begin/stream_end pair even though an inner
	// aggregator ran underneath.
	var begins, ends, completes int
	for _, c := range chunks {
		switch c.Type {
		case model.ChunkTypeStreamBegin:
			begins++
		case model.ChunkTypeStreamEnd:
			ends++
		case model.ChunkTypeCompleteText:
			completes++
		}
	}
	assert.Equal(t, 1, begins)
	assert.Equal(t, 1, ends)
	assert.Equal(t, 1, completes)
	assert.Equal(t, "hello there", s.Text())

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello there", msgs[1].Content)

	ledger := th.CostAndUsage().Aggregate()
	assert.Equal(t, 10, ledger.Usage.PromptTokens)
	assert.Equal(t, 2, ledger.Usage.CompletionTokens)
	assert.InDelta(t, 10.0/1e6+2*2.0/1e6, ledger.CostUSD, 1e-12)
}

// stallStreamer emits its scripted chunks, then cancels the run and blocks
// until closed, simulating a provider connection that dies mid-stream.
type stallStreamer struct {
	cancel context.CancelFunc
	chunks []model.Chunk
	i      int
	done   chan struct{}
	once   sync.Once
}

func (s *stallStreamer) Recv() (model.Chunk, error) {
	if s.i < len(s.chunks) {
		chunk := s.chunks[s.i]
		s.i++
		return chunk, nil
	}
	s.cancel()
	<-s.done
	return model.Chunk{}, context.Canceled
}

func (s *stallStreamer) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func TestRunCancelledMidStreamRecordsPartialUsage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		func(model.Request) (model.Streamer, error) {
			return &stallStreamer{cancel: cancel, done: make(chan struct{}), chunks: []model.Chunk{
				model.UsageChunk(model.CompletionUsage{PromptTokens: 7}),
				model.TextChunk("partial"),
			}}, nil
		},
	}}
	th := New(runner, "scripted-model", quiet())

	s := th.Run(ctx, "hi")
	require.Error(t, s.Finish(false))
	_ = s.Close() // joins the producer so the ledger write is visible

	// Usage folded before the connection died still lands in the cost leaf.
	ledger := th.CostAndUsage()
	require.Len(t, ledger.Children, 1)
	assert.Equal(t, 7, ledger.Children[0].Usage.PromptTokens)
}

func TestRunRetriesExhausted(t *testing.T) {
	rle := &model.RateLimitError{RetryIn: time.Millisecond}
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		failOpen(rle),
	}}
	th := New(runner, "scripted-model", quiet(), WithMaxRetries(3))

	s := th.Run(context.Background(), "hi")
	chunks := collectChunks(t, s)

	err := s.Finish(false)
	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, exhausted, error(rle))

	// One attempt per budget slot, a rate_limited chunk before each retry.
	assert.Equal(t, 4, runner.callCount())
	var limited int
	for _, c := range chunks {
		if c.Type == model.ChunkTypeRateLimited {
			limited++
			assert.Equal(t, time.Millisecond, c.RateLimit.Delay)
		}
	}
	assert.Equal(t, 3, limited)

	// History is untouched past the user message; the failed run still
	// records a zero-usage cost leaf.
	msgs := th.Messages()
	require.Len(t, msgs, 1)
	ledger := th.CostAndUsage()
	require.Len(t, ledger.Children, 1)
	assert.Equal(t, model.CompletionUsage{}, ledger.Children[0].Usage)
}

func TestRunRecoversFromConnectionErrors(t *testing.T) {
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		failOpen(&model.ConnectionError{Message: "dial tcp: refused"}),
		failOpen(&model.ConnectionError{Message: "dial tcp: refused"}),
		textTurn("recovered", model.CompletionUsage{PromptTokens: 1, CompletionTokens: 1}),
	}}
	th := New(runner, "scripted-model", quiet(), WithConnectionRetryDelay(time.Millisecond))

	s := th.Run(context.Background(), "hi")
	require.NoError(t, s.Finish(false))
	assert.Equal(t, 3, runner.callCount())
	assert.Equal(t, "recovered", s.Text())
}

func TestRunSharedRetryBudget(t *testing.T) {
	// Mixed rate-limit and connection failures drain the same budget.
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		failOpen(&model.RateLimitError{RetryIn: time.Millisecond}),
		failOpen(&model.ConnectionError{Message: "reset"}),
		failOpen(&model.RateLimitError{RetryIn: time.Millisecond}),
	}}
	th := New(runner, "scripted-model", quiet(),
		WithMaxRetries(2), WithConnectionRetryDelay(time.Millisecond))

	s := th.Run(context.Background(), "hi")
	err := s.Finish(false)
	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, runner.callCount())
}

func TestRunFatalOpenErrorDeliveredInStream(t *testing.T) {
	fatal := errors.New("invalid api key")
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		failOpen(fatal),
	}}
	th := New(runner, "scripted-model", quiet())

	// The consumer must observe the failure in-stream rather than block
	// forever: the stream terminates and carries an error chunk.
	s := th.Run(context.Background(), "hi")
	var sawErr bool
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if chunk.Type == model.ChunkTypeError && errors.Is(chunk.Err, fatal) {
			sawErr = true
		}
	}
	assert.True(t, sawErr, "fatal open error not surfaced as an error chunk")
	assert.ErrorIs(t, s.Finish(false), fatal)
	assert.Equal(t, 1, runner.callCount(), "fatal errors must not be retried")
}

func TestRunLoopExecutesTools(t *testing.T) {
	calls := []model.ToolCall{
		{ID: "c1", Name: "echo", Arguments: `{"text":"one"}`},
		{ID: "c2", Name: "echo", Arguments: `{"text":"two"}`},
	}
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		toolTurn(calls...),
		textTurn("all done", model.CompletionUsage{PromptTokens: 3, CompletionTokens: 3}),
	}}
	th := New(runner, "scripted-model", quiet(), WithTools(echoTool()))

	s := th.RunLoop(context.Background(), "do the things")
	chunks := collectChunks(t, s)
	require.NoError(t, s.Finish(false))

	// Started chunks come first, in proposal order; each call then reaches
	// exactly one terminal event.
	var startedIDs []string
	terminals := map[string]int{}
	firstTerminal := -1
	for i, c := range chunks {
		switch c.Type {
		case model.ChunkTypeToolCallStarted:
			startedIDs = append(startedIDs, c.ToolCall.ID)
			if firstTerminal >= 0 {
				t.Errorf("started chunk at %d after a terminal event", i)
			}
		case model.ChunkTypeToolCallFinished, model.ChunkTypeToolCallFailed:
			terminals[c.ToolCall.ID]++
			if firstTerminal < 0 {
				firstTerminal = i
			}
		}
	}
	assert.Equal(t, []string{"c1", "c2"}, startedIDs)
	assert.Equal(t, map[string]int{"c1": 1, "c2": 1}, terminals)
	assert.Equal(t, "all done", s.Text())

	// History: user, assistant w/ tool calls, two tool results, final
	// assistant text.
	msgs := th.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].ToolCalls, 2)
	assert.Equal(t, model.RoleTool, msgs[2].Role)
	assert.Equal(t, model.RoleTool, msgs[3].Role)
	assert.Equal(t, model.RoleAssistant, msgs[4].Role)
	assert.Equal(t, "all done", msgs[4].Content)
}

func TestRunLoopToolFailureProducesErrorResult(t *testing.T) {
	calls := []model.ToolCall{
		{ID: "c1", Name: "echo", Arguments: `{"text":`}, // malformed arguments
		{ID: "c2", Name: "missing", Arguments: `{}`},    // unknown tool
	}
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		toolTurn(calls...),
		textTurn("done", model.CompletionUsage{}),
	}}
	th := New(runner, "scripted-model", quiet(), WithTools(echoTool()))

	s := th.RunLoop(context.Background(), "go")
	chunks := collectChunks(t, s)
	require.NoError(t, s.Finish(false))

	var failed int
	for _, c := range chunks {
		if c.Type == model.ChunkTypeToolCallFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)

	// Both results feed back error-marked, never dropped.
	msgs := th.Messages()
	require.Len(t, msgs, 5)
	for _, msg := range msgs[2:4] {
		assert.Equal(t, model.RoleTool, msg.Role)
		assert.Contains(t, msg.Content, "error:")
	}
}

func TestRunLoopIterationCap(t *testing.T) {
	// The model proposes tools forever; the loop must stop at the cap.
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		toolTurn(model.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"again"}`}),
	}}
	th := New(runner, "scripted-model", quiet(), WithTools(echoTool()), WithMaxIterations(3))

	s := th.RunLoop(context.Background(), "go")
	require.NoError(t, s.Finish(false))
	assert.Equal(t, 3, runner.callCount())
}

func TestRunLoopAbortsOnStepError(t *testing.T) {
	fatal := errors.New("model exploded")
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		toolTurn(model.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"x"}`}),
		failOpen(fatal),
	}}
	th := New(runner, "scripted-model", quiet(), WithTools(echoTool()))

	s := th.RunLoop(context.Background(), "go")
	assert.ErrorIs(t, s.Finish(false), fatal)
	assert.Equal(t, 2, runner.callCount())
}

func TestRunForwardsRequestParameters(t *testing.T) {
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		textTurn("ok", model.CompletionUsage{}),
	}}
	th := New(runner, "scripted-model", quiet(),
		WithSystemPrompt("be terse"),
		WithMaxTokens(512),
		WithTemperature(0.3),
		WithParams(map[string]any{"top_p": 0.9}),
	)

	require.NoError(t, th.Run(context.Background(), "hi").Finish(false))

	require.Len(t, runner.reqs, 1)
	req := runner.reqs[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, model.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be terse", req.Messages[0].Content)
	assert.Equal(t, 512, req.MaxTokens)
	assert.InDelta(t, 0.3, req.Temperature, 1e-9)
	assert.Equal(t, map[string]any{"top_p": 0.9}, req.Params)
	assert.True(t, req.Stream)
}

func TestAppendSeedsHistory(t *testing.T) {
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		textTurn("ok", model.CompletionUsage{}),
	}}
	th := New(runner, "scripted-model", quiet())
	th.Append(
		model.Message{Role: model.RoleUser, Content: "earlier question"},
		model.Message{Role: model.RoleAssistant, Content: "earlier answer"},
	)

	require.NoError(t, th.Run(context.Background(), "follow-up").Finish(false))
	require.Len(t, runner.reqs, 1)
	msgs := runner.reqs[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "earlier question", msgs[0].Content)
	assert.Equal(t, "earlier answer", msgs[1].Content)
	assert.Equal(t, "follow-up", msgs[2].Content)
}

func TestRunLoopRecordsPerStepCost(t *testing.T) {
	runner := &scriptRunner{script: []func(model.Request) (model.Streamer, error){
		toolTurn(model.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"x"}`}),
		textTurn("done", model.CompletionUsage{PromptTokens: 7, CompletionTokens: 1}),
	}}
	th := New(runner, "scripted-model", quiet(), WithTools(echoTool()))

	require.NoError(t, th.RunLoop(context.Background(), "go").Finish(false))

	ledger := th.CostAndUsage()
	require.Len(t, ledger.Children, 2, "one cost leaf per model step")
	agg := ledger.Aggregate()
	assert.Equal(t, 12, agg.Usage.PromptTokens)
	assert.Equal(t, 1, agg.Usage.CompletionTokens)
}
