package thread

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/flume/model"
)

// Session groups the threads of one conversation context and aggregates
// their cost ledgers under a shared root. Threads are created through the
// session so user-supplied model names resolve through its registry.
type Session struct {
	id       string
	registry *model.Registry
	opts     []Option
	started  time.Time

	mu      sync.Mutex
	threads []*Thread
}

// NewSession creates a session over the given model registry. The options are
// applied to every thread the session creates, before any per-thread options.
func NewSession(registry *model.Registry, opts ...Option) *Session {
	return &Session{
		id:       uuid.NewString(),
		registry: registry,
		opts:     opts,
		started:  time.Now(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// CreateThread resolves the model name through the registry and creates a
// thread bound to the resolved runner. It returns the registry's resolution
// error when the name is unknown or claimed by multiple providers.
func (s *Session) CreateThread(modelName string, opts ...Option) (*Thread, error) {
	runner, canonical, err := s.registry.Resolve(modelName)
	if err != nil {
		return nil, err
	}
	t := New(runner, canonical, append(append([]Option(nil), s.opts...), opts...)...)
	s.mu.Lock()
	s.threads = append(s.threads, t)
	s.mu.Unlock()
	return t, nil
}

// Threads returns the threads created through this session.
func (s *Session) Threads() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Thread(nil), s.threads...)
}

// Elapsed returns the time since the session was created.
func (s *Session) Elapsed() time.Duration { return time.Since(s.started) }

// CostAndUsage recomputes the session's cost tree from every owned thread's
// ledger. No caching: the result always reflects the latest recorded runs.
func (s *Session) CostAndUsage() CostAndUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := CostAndUsage{Name: "session " + s.id}
	for _, t := range s.threads {
		root.Children = append(root.Children, t.CostAndUsage())
	}
	return root
}
