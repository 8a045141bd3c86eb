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

const routerPrompt = `You will receive the user's request and must categorize
it, selecting which model to send it to. Do NOT attempt to fulfill the
request or answer it.

Here are the models available:
%s

Begin your response with your internal thought process, enclosed in
<thinking>...</thinking> tags. This must be followed by
<model>[model name]</model> where [model name] is one of the models listed
above.`

type (
	// Route describes one routing target: a model name resolvable through
	// the registry and a description the classifier uses to pick it.
	Route struct {
		Model       string
		Description string
	}

	// Router is a virtual model that classifies the user's question with a
	// cheap model call and delegates the answer to the selected target.
	Router struct {
		registry   *model.Registry
		classifier string
		routes     []Route
		fallback   string
	}
)

// NewRouter builds a router. classifier names the model used for the routing
// decision; the first route doubles as the fallback when classification
// produces an unknown model name.
func NewRouter(registry *model.Registry, classifier string, routes []Route) (*Router, error) {
	if registry == nil {
		return nil, errors.New("router: registry is required")
	}
	if classifier == "" {
		return nil, errors.New("router: classifier model is required")
	}
	if len(routes) == 0 {
		return nil, errors.New("router: at least one route is required")
	}
	return &Router{
		registry:   registry,
		classifier: classifier,
		routes:     routes,
		fallback:   routes[0].Model,
	}, nil
}

// Model wraps the router as a registrable virtual runner.
func (r *Router) Model(info model.ModelInfo) *Model {
	return NewModel("virtual", info, r.Process)
}

// Process implements ProcessFunc.
func (r *Router) Process(ctx context.Context, req model.Request, q *stream.Queue) error {
	session := thread.NewSession(r.registry)
	question, multi := UserQuestion(req)
	if question == "" {
		return errors.New("router: request has no user message")
	}
	if multi {
		return Continue(ctx, session, req, q, r.fallback)
	}

	target, err := r.selectRoute(ctx, session, q, question)
	if err != nil {
		return err
	}
	q.AddText(fmt.Sprintf("_Router: model: %s_\n\n", target))

	t, err := session.CreateThread(target)
	if err != nil {
		return err
	}
	s := t.Run(ctx, question)
	if err := s.Forward(q, stream.TextOnly); err != nil {
		return err
	}
	if err := s.Finish(false); err != nil {
		return err
	}

	Addendum(q, session)
	return nil
}

func (r *Router) selectRoute(ctx context.Context, session *thread.Session, q *stream.Queue, question string) (string, error) {
	catalogue := ""
	for _, route := range r.routes {
		catalogue += fmt.Sprintf("- %s: %s\n", route.Model, route.Description)
	}
	t, err := session.CreateThread(r.classifier,
		thread.WithSystemPrompt(fmt.Sprintf(routerPrompt, catalogue)))
	if err != nil {
		return "", err
	}

	stop := Progress(q, time.Second, "Choosing model")
	s := t.Run(ctx, question)
	err = s.Finish(false)
	stop()
	if err != nil {
		return "", err
	}

	choice := ExtractFragment(s.Text(), "model")
	for _, route := range r.routes {
		if route.Model == choice {
			return choice, nil
		}
	}
	return r.fallback, nil
}
