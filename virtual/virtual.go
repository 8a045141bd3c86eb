// Package virtual implements composed model runners: runners whose output is
// produced not by a vendor API but by custom logic writing canonical chunks
// into a queue, typically by orchestrating nested threads against real
// providers. A virtual model registers in the same registry and streams
// through the same aggregator as any vendor-backed runner, so consumers
// cannot tell the difference.
package virtual

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/flume/model"
	"goa.design/flume/stream"
	"goa.design/flume/thread"
)

type (
	// ProcessFunc produces the response of one virtual model run by writing
	// canonical chunks to q. Returning an error delivers it to the consumer
	// as an in-stream error chunk; the queue is closed on every exit path.
	ProcessFunc func(ctx context.Context, req model.Request, q *stream.Queue) error

	// Model is a model.Runner driven by a ProcessFunc.
	Model struct {
		name    string
		info    model.ModelInfo
		process ProcessFunc
	}
)

// NewModel builds a virtual runner. name identifies the provider in the
// registry ("virtual" by convention); info carries the model identifier and
// aliases users select it by. Virtual models report zero direct cost: their
// nested threads account for their own usage.
func NewModel(name string, info model.ModelInfo, process ProcessFunc) *Model {
	return &Model{name: name, info: info, process: process}
}

// Name implements model.Runner.
func (m *Model) Name() string { return m.name }

// Models implements model.Runner.
func (m *Model) Models() []model.ModelInfo { return []model.ModelInfo{m.info} }

// CostUSD implements model.Runner. Nested threads track their own cost, so
// the virtual model itself reports zero.
func (m *Model) CostUSD(string, model.CompletionUsage) float64 { return 0 }

// Run implements model.Runner: it starts the process function on a background
// goroutine and exposes its queue through the adapter contract.
func (m *Model) Run(ctx context.Context, _ string, req model.Request) (model.Streamer, error) {
	q := stream.NewQueue()
	return stream.Produce(ctx, q, func(ctx context.Context) error {
		return m.process(ctx, req, q)
	}), nil
}

// AssistantMessages implements model.Runner.
func (m *Model) AssistantMessages(turn model.Turn) []model.Message {
	return model.TextAssistantMessages(turn)
}

// ToolResultMessages implements model.Runner. Virtual models do not replay
// tool results; nested threads handle their own.
func (m *Model) ToolResultMessages([]model.ToolCallResult) []model.Message { return nil }

// Progress emits a throbber of dot chunks to q until the returned stop
// function is called. When message is non-empty it is written first. Used by
// long-running phases that produce no streamed output of their own.
func Progress(q *stream.Queue, interval time.Duration, message string) (stop func()) {
	if message != "" {
		q.AddText(fmt.Sprintf("_%s_ ", message))
	}
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				q.AddText(".​")
			}
		}
	}()
	return func() {
		close(done)
		<-finished
		q.AddText("\n")
	}
}

// Continue replays a multi-turn conversation against a plain model: it
// creates a fresh thread seeded with the request's message history, runs one
// turn and forwards the text chunks to q. Virtual models that only support
// single-question flows call this when the conversation has follow-ups.
func Continue(ctx context.Context, session *thread.Session, req model.Request, q *stream.Queue, modelName string) error {
	t, err := session.CreateThread(modelName)
	if err != nil {
		return err
	}
	last, history := splitHistory(req.Messages)
	for _, msg := range history {
		t.Append(msg)
	}
	return t.Run(ctx, last).Forward(q, stream.TextOnly)
}

// splitHistory separates the final user message, which becomes the run
// prompt, from the prior messages seeded into the thread.
func splitHistory(msgs []model.Message) (string, []model.Message) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			rest := append([]model.Message(nil), msgs[:i]...)
			return msgs[i].Content, rest
		}
	}
	return "", msgs
}

// UserQuestion extracts the single user question from a request and reports
// whether the conversation has follow-up user turns.
func UserQuestion(req model.Request) (question string, multi bool) {
	var users []string
	for _, msg := range req.Messages {
		if msg.Role == model.RoleUser {
			users = append(users, msg.Content)
		}
	}
	if len(users) == 0 {
		return "", false
	}
	return users[0], len(users) > 1
}

// Addendum writes the trailing run report: elapsed time and the aggregated
// cost ledger of every nested thread.
func Addendum(q *stream.Queue, session *thread.Session) {
	q.AddText("\n\n---\n")
	q.AddText(fmt.Sprintf("Elapsed: %.3f secs\n", session.Elapsed().Seconds()))
	q.AddText("Costs:\n" + session.CostAndUsage().String())
}

// ExtractFragment returns the text between <tag> and </tag> in s, trimmed.
// When the opening tag is missing it returns s unchanged, so models that
// forget the tags degrade to their full response instead of an empty one.
func ExtractFragment(s, tag string) string {
	opening, closing := "<"+tag+">", "</"+tag+">"
	start := strings.Index(s, opening)
	if start < 0 {
		return strings.TrimSpace(s)
	}
	rest := s[start+len(opening):]
	if end := strings.Index(rest, closing); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
