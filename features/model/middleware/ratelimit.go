// Package middleware provides reusable model.Runner middlewares such as
// adaptive client-side rate limiting.
package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/flume/model"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top
	// of a model.Runner. It estimates the token cost of each request, blocks
	// callers until capacity is available, and adjusts its effective
	// tokens-per-minute budget in response to rate limiting signals from the
	// provider: halve on throttle, creep back up on success.
	//
	// The limiter is process-local and sits at the runner boundary, ahead of
	// the thread retry logic: requests that would trip the provider limit
	// wait locally instead of burning a retry.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64
	}

	limitedRunner struct {
		model.Runner
		limiter *AdaptiveRateLimiter
	}
)

// NewAdaptiveRateLimiter constructs a limiter with an initial
// tokens-per-minute budget and an upper bound. When maxTPM is zero or less
// than initialTPM, it is clamped to initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		// Conservative default budget when callers do not provide one.
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns a model.Runner middleware enforcing the adaptive limit
// on Run calls. Name, Models, cost accounting and message shaping pass
// through to the wrapped runner unchanged.
func (l *AdaptiveRateLimiter) Middleware() func(model.Runner) model.Runner {
	return func(next model.Runner) model.Runner {
		if next == nil {
			return nil
		}
		return &limitedRunner{Runner: next, limiter: l}
	}
}

// Run enforces the limiter before delegating to the wrapped runner.
func (r *limitedRunner) Run(ctx context.Context, modelName string, req model.Request) (model.Streamer, error) {
	if err := r.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := r.Runner.Run(ctx, modelName, req)
	r.limiter.observe(err)
	return stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req model.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if _, ok := model.AsRateLimit(err); ok {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM requires l.mu held.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens computes a cheap heuristic for the number of tokens in the
// request transcript: roughly one token per three characters of message and
// tool-result text, plus a fixed buffer for provider framing.
func estimateTokens(req model.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Content)
		for _, res := range m.ToolResults {
			charCount += len(res.Content)
		}
	}
	if charCount <= 0 {
		// Minimal non-zero estimate so tiny requests still incur limiter
		// cost.
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
