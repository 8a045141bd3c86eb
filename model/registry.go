package model

import (
	"fmt"
	"strings"
)

type (
	// Registry resolves user-supplied model names to a (runner, canonical
	// model name) pair. Runners are consulted in registration order; the
	// registry scans every runner so that the same alias registered by two
	// providers is reported as a conflict instead of silently resolving to
	// whichever provider was registered first.
	Registry struct {
		runners []Runner
	}

	// AliasConflictError reports that a model name or alias is claimed by
	// more than one registered provider.
	AliasConflictError struct {
		// Alias is the ambiguous name the caller supplied.
		Alias string
		// Providers names every provider claiming the alias, in registration
		// order.
		Providers []string
	}

	// UnknownModelError reports that no registered provider supports the
	// requested model name.
	UnknownModelError struct {
		// Model is the name the caller supplied.
		Model string
		// Providers names the providers that were consulted.
		Providers []string
	}
)

// NewRegistry builds a registry over the given runners. Order matters: it is
// the provider priority order reported in conflict errors.
func NewRegistry(runners ...Runner) *Registry {
	return &Registry{runners: runners}
}

// Register appends a runner to the registry.
func (r *Registry) Register(runner Runner) {
	r.runners = append(r.runners, runner)
}

// Runners returns the registered runners in priority order.
func (r *Registry) Runners() []Runner {
	return append([]Runner(nil), r.runners...)
}

// Resolve maps a user-supplied model name to the runner supporting it and the
// model's canonical name. It returns an *AliasConflictError when two distinct
// providers claim the name and an *UnknownModelError when none does.
func (r *Registry) Resolve(name string) (Runner, string, error) {
	var (
		found     Runner
		canonical string
		claimants []string
	)
	for _, runner := range r.runners {
		info, ok := FindModel(runner.Models(), name)
		if !ok {
			continue
		}
		claimants = append(claimants, runner.Name())
		if found == nil {
			found = runner
			canonical = info.Name
		}
	}
	if len(claimants) > 1 {
		return nil, "", &AliasConflictError{Alias: name, Providers: claimants}
	}
	if found == nil {
		return nil, "", &UnknownModelError{Model: name, Providers: r.providerNames()}
	}
	return found, canonical, nil
}

func (r *Registry) providerNames() []string {
	names := make([]string, 0, len(r.runners))
	for _, runner := range r.runners {
		names = append(names, runner.Name())
	}
	return names
}

// Error implements the error interface.
func (e *AliasConflictError) Error() string {
	return fmt.Sprintf("model alias %q is claimed by multiple providers: %s",
		e.Alias, strings.Join(e.Providers, ", "))
}

// Error implements the error interface.
func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("model %q is not supported by any registered provider (%s)",
		e.Model, strings.Join(e.Providers, ", "))
}
