package virtual

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/flume/model"
	"goa.design/flume/stream"
	"goa.design/flume/thread"
)

// Prompt used by the prompt-engineering phase of the prebuilt pipelines. The
// model is asked to wrap the crafted prompt in a system_prompt tag so the
// pipeline can extract it from the surrounding commentary.
const promptEngineer = `You are an expert prompt engineer. Given the user's
question, write the system prompt that would make a language model produce
the best possible answer. Respond with the prompt enclosed in
<system_prompt>...</system_prompt> tags.`

const feedbackPrompt = `You will receive a question and a draft answer.
Critique the draft: identify factual errors, gaps and structural problems.
Be specific and actionable.`

const finalPrompt = `

You will receive the question, a draft answer and feedback on the draft.
Compose the final, improved answer. Think through the revisions inside
<thinking>...</thinking> tags first, then write the answer.`

type (
	// Phase is one model call in a pipeline. Each phase runs on a fresh
	// nested thread with its own system prompt, built from the original
	// question and the outputs of earlier phases.
	Phase struct {
		// Name labels the phase in state, debug output and the cost ledger.
		Name string

		// System builds the phase's system prompt. Empty result omits it.
		System func(question string, state map[string]string) string

		// User builds the phase's user message. Defaults to the question.
		User func(question string, state map[string]string) string

		// Temperature overrides the sampling temperature when positive.
		Temperature float64

		// Extract post-processes the phase's full response before it is
		// stored in state, for example pulling an XML fragment out of
		// surrounding commentary.
		Extract func(response string) string

		// StreamOutput forwards the phase's text chunks to the consumer as
		// they arrive instead of showing a progress throbber. Typically set
		// on the final phase only.
		StreamOutput bool

		// ProgressMessage is shown with the throbber for buffered phases.
		ProgressMessage string

		// EmitDebug publishes the phase result as a debug chunk so UIs can
		// reveal intermediate products on demand.
		EmitDebug bool
	}

	// Pipeline is a virtual model that answers a single question by chaining
	// phases over nested threads: prompt engineering, drafting, feedback,
	// final composition. Conversations with follow-ups fall back to a plain
	// continuation run against the backing model.
	Pipeline struct {
		registry *model.Registry
		backing  string
		phases   []Phase
	}
)

// NewPipeline builds a pipeline over the given phases. backing names the real
// model (resolved through registry) that every phase runs on.
func NewPipeline(registry *model.Registry, backing string, phases []Phase) (*Pipeline, error) {
	if registry == nil {
		return nil, errors.New("pipeline: registry is required")
	}
	if backing == "" {
		return nil, errors.New("pipeline: backing model is required")
	}
	if len(phases) == 0 {
		return nil, errors.New("pipeline: at least one phase is required")
	}
	return &Pipeline{registry: registry, backing: backing, phases: phases}, nil
}

// Model wraps the pipeline as a registrable virtual runner.
func (p *Pipeline) Model(info model.ModelInfo) *Model {
	return NewModel("virtual", info, p.Process)
}

// Process implements ProcessFunc.
func (p *Pipeline) Process(ctx context.Context, req model.Request, q *stream.Queue) error {
	session := thread.NewSession(p.registry)
	question, multi := UserQuestion(req)
	if question == "" {
		return errors.New("pipeline: request has no user message")
	}
	if multi {
		return Continue(ctx, session, req, q, p.backing)
	}

	state := make(map[string]string, len(p.phases))
	for _, phase := range p.phases {
		result, err := p.runPhase(ctx, session, q, phase, question, state)
		if err != nil {
			return fmt.Errorf("pipeline phase %q: %w", phase.Name, err)
		}
		state[phase.Name] = result
		if phase.EmitDebug {
			q.AddDebug(fmt.Sprintf("## %s\n\n%s\n\n---\n\n", phase.Name, result))
		}
	}

	Addendum(q, session)
	return nil
}

func (p *Pipeline) runPhase(ctx context.Context, session *thread.Session, q *stream.Queue, phase Phase, question string, state map[string]string) (string, error) {
	opts := []thread.Option{}
	if phase.System != nil {
		if system := phase.System(question, state); system != "" {
			opts = append(opts, thread.WithSystemPrompt(system))
		}
	}
	if phase.Temperature > 0 {
		opts = append(opts, thread.WithTemperature(phase.Temperature))
	}
	t, err := session.CreateThread(p.backing, opts...)
	if err != nil {
		return "", err
	}

	user := question
	if phase.User != nil {
		user = phase.User(question, state)
	}

	s := t.Run(ctx, user)
	if phase.StreamOutput {
		if err := s.Forward(q, stream.TextOnly); err != nil {
			return "", err
		}
		if err := s.Finish(false); err != nil {
			return "", err
		}
	} else {
		stop := Progress(q, time.Second, phase.ProgressMessage)
		err := s.Finish(false)
		stop()
		if err != nil {
			return "", err
		}
	}

	result := s.Text()
	if phase.Extract != nil {
		result = phase.Extract(result)
	}
	return result, nil
}

// NewTwoPhase builds the two-phase pipeline: craft a tailored system prompt
// for the question, then answer with it.
func NewTwoPhase(registry *model.Registry, backing string) (*Pipeline, error) {
	return NewPipeline(registry, backing, []Phase{
		{
			Name:            "prompt",
			System:          func(string, map[string]string) string { return promptEngineer },
			ProgressMessage: "Writing prompt",
			Extract:         func(resp string) string { return ExtractFragment(resp, "system_prompt") },
			EmitDebug:       true,
		},
		{
			Name:         "answer",
			System:       func(_ string, state map[string]string) string { return state["prompt"] },
			StreamOutput: true,
		},
	})
}

// NewMultiphase builds the four-phase pipeline: craft a prompt, draft an
// answer, critique the draft, compose the final answer from the critique.
func NewMultiphase(registry *model.Registry, backing string) (*Pipeline, error) {
	return NewPipeline(registry, backing, []Phase{
		{
			Name:            "prompt",
			System:          func(string, map[string]string) string { return promptEngineer },
			ProgressMessage: "Writing prompt",
			Extract:         func(resp string) string { return ExtractFragment(resp, "system_prompt") },
			EmitDebug:       true,
		},
		{
			Name:            "draft",
			System:          func(_ string, state map[string]string) string { return state["prompt"] },
			Temperature:     0.7,
			ProgressMessage: "Drafting initial answer",
			EmitDebug:       true,
		},
		{
			Name:        "feedback",
			System:      func(string, map[string]string) string { return feedbackPrompt },
			Temperature: 1.0,
			User: func(question string, state map[string]string) string {
				return fmt.Sprintf("<question>\n%s\n</question>\n\n<answer>\n%s\n</answer>\n",
					question, state["draft"])
			},
			ProgressMessage: "Looking for ways to improve",
			EmitDebug:       true,
		},
		{
			Name: "answer",
			System: func(_ string, state map[string]string) string {
				return state["prompt"] + finalPrompt
			},
			Temperature: 0.7,
			User: func(question string, state map[string]string) string {
				return fmt.Sprintf(
					"<question>\n%s\n</question>\n\n<answer>\n%s\n</answer>\n\n<feedback>\n%s\n</feedback>\n",
					question, state["draft"], state["feedback"])
			},
			StreamOutput: true,
		},
	})
}
