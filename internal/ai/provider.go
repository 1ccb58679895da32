package ai

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"maestro/internal/catalog"
)

// ProviderConfig is the per-provider startup configuration.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	TimeoutMS  int
	MaxRetries int
	// Priority orders providers for cross-provider fallback; higher wins.
	Priority int
	Enabled  bool
	// RPS caps sustained requests per second through the registry's limiter.
	RPS float64
}

func (c *ProviderConfig) timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// LLMProvider is the uniform contract every upstream adapter implements.
// Adapters translate the provider-neutral Payload into the vendor wire
// format, report token counts, and never compute dollar cost.
type LLMProvider interface {
	ID() catalog.ProviderID
	Priority() int

	Initialize(cfg ProviderConfig) error
	Complete(ctx context.Context, p *Payload) (*Completion, error)
	Stream(ctx context.Context, p *Payload) (<-chan StreamChunk, error)
	TestConnection(ctx context.Context) ConnectionTest

	ListModels() []string
	SupportsModel(model string) bool
	SupportsCaching() bool

	GetHealthStatus() HealthStatus
	Shutdown(ctx context.Context) error
}

// Per-provider health ladder thresholds. Independent of the
// orchestrator-level circuit breaker.
const (
	healthDegradedAt = 2
	healthDownAt     = 5
	mirrorHalfOpenAt = 3
	mirrorOpenAt     = 5
)

// healthTracker keeps a provider's failure ladder and latency EWMA. Shared
// by all four adapters; every upstream call reports into it.
type healthTracker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	lastCheckAt         time.Time
	lastSuccessAt       time.Time
	latencyEWMA         float64
}

func (h *healthTracker) recordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UTC()
	h.consecutiveFailures = 0
	h.lastCheckAt = now
	h.lastSuccessAt = now
	ms := float64(latency.Milliseconds())
	if h.latencyEWMA == 0 {
		h.latencyEWMA = ms
	} else {
		h.latencyEWMA = 0.8*h.latencyEWMA + 0.2*ms
	}
}

func (h *healthTracker) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	h.lastCheckAt = time.Now().UTC()
}

func (h *healthTracker) snapshot() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := HealthHealthy
	switch {
	case h.consecutiveFailures >= healthDownAt:
		status = HealthDown
	case h.consecutiveFailures >= healthDegradedAt:
		status = HealthDegraded
	}

	mirror := CircuitClosed
	switch {
	case h.consecutiveFailures >= mirrorOpenAt:
		mirror = CircuitOpen
	case h.consecutiveFailures >= mirrorHalfOpenAt:
		mirror = CircuitHalfOpen
	}

	return HealthStatus{
		Status:              status,
		LastCheckAt:         h.lastCheckAt,
		LastSuccessAt:       h.lastSuccessAt,
		LatencyMS:           int64(h.latencyEWMA),
		ConsecutiveFailures: h.consecutiveFailures,
		CircuitBreakerState: mirror,
	}
}

// withRetries runs call up to 1+maxRetries times, retrying only transient
// failures with jittered exponential backoff. Permanent failures and context
// cancellation return immediately.
func withRetries(ctx context.Context, maxRetries int, call func() (*Completion, error)) (*Completion, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(250*(1<<uint(attempt-1))) * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-ctx.Done():
				if cerr := fromContextErr(ctx, StageUpstream); cerr != nil {
					return nil, cerr
				}
			case <-time.After(backoff):
			}
		}
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// normalizeFinish maps any upstream stop value outside the four-value enum
// to FinishStop.
func normalizeFinish(r FinishReason) FinishReason {
	switch r {
	case FinishStop, FinishMaxTokens, FinishToolUse, FinishError:
		return r
	}
	return FinishStop
}
