package ai

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"maestro/internal/catalog"
	"maestro/internal/logging"
	"maestro/internal/metrics"
)

// ProviderResponse is a priced completion: the provider's raw result plus
// the canonical tier, the provider that served it, and the catalog-derived
// cost in microcents.
type ProviderResponse struct {
	*Completion
	Model    string
	Provider catalog.ProviderID
	Cost     catalog.Microcents
}

// ProviderRegistry owns the provider instances, routes each model to the
// provider that claims it, prices completions from the catalog, and falls
// back across providers on transient failures. Cost computation lives here,
// never in the adapters.
type ProviderRegistry struct {
	catalog *catalog.Registry
	log     *zap.Logger

	mu        sync.RWMutex
	providers map[catalog.ProviderID]LLMProvider
	limiters  map[catalog.ProviderID]*rate.Limiter
}

// NewProviderRegistry builds an empty registry and binds the catalog's
// availability probe to it.
func NewProviderRegistry(cat *catalog.Registry) *ProviderRegistry {
	r := &ProviderRegistry{
		catalog:   cat,
		log:       logging.L().Named("providers"),
		providers: make(map[catalog.ProviderID]LLMProvider),
		limiters:  make(map[catalog.ProviderID]*rate.Limiter),
	}
	cat.BindAvailability(r.supportsTier)
	return r
}

func (r *ProviderRegistry) supportsTier(tierID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.SupportsModel(tierID) {
			return true
		}
	}
	return false
}

// Register initializes a provider and records it. Duplicate ids are an
// error; a provider that fails Initialize is not recorded.
func (r *ProviderRegistry) Register(p LLMProvider, cfg ProviderConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[p.ID()]; dup {
		return newErrorf(ErrInvalidRequest, StageSelect, "provider %q already registered", p.ID())
	}
	if err := p.Initialize(cfg); err != nil {
		return err
	}
	r.providers[p.ID()] = p
	rps := cfg.RPS
	if rps <= 0 {
		rps = 10
	}
	r.limiters[p.ID()] = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	r.log.Info("provider registered",
		zap.String("provider", string(p.ID())),
		zap.Int("priority", cfg.Priority),
		zap.Float64("rps", rps))
	return nil
}

// Provider returns the registered instance for an id.
func (r *ProviderRegistry) Provider(id catalog.ProviderID) (LLMProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Providers returns every registered provider, highest priority first.
func (r *ProviderRegistry) Providers() []LLMProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LLMProvider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority() > out[j].Priority() })
	return out
}

// GetProviderForModel resolves the provider that claims a canonical model
// id. When several claim it (aliased models), the highest priority wins.
func (r *ProviderRegistry) GetProviderForModel(model string) (LLMProvider, error) {
	candidates := r.candidatesFor(model)
	if len(candidates) == 0 {
		return nil, &Error{Code: ErrNoProvider, Stage: StageSelect, Model: model,
			Message: "no configured provider supports model"}
	}
	return candidates[0], nil
}

func (r *ProviderRegistry) candidatesFor(model string) []LLMProvider {
	var out []LLMProvider
	for _, p := range r.Providers() {
		if p.SupportsModel(model) {
			out = append(out, p)
		}
	}
	return out
}

// Complete resolves the model's provider, waits for rate-limit headroom,
// invokes it, and prices the returned token counts from the catalog.
func (r *ProviderRegistry) Complete(ctx context.Context, model string, pl *Payload) (*ProviderResponse, error) {
	p, err := r.GetProviderForModel(model)
	if err != nil {
		return nil, err
	}
	return r.completeWith(ctx, p, model, pl)
}

func (r *ProviderRegistry) completeWith(ctx context.Context, p LLMProvider, model string, pl *Payload) (*ProviderResponse, error) {
	r.mu.RLock()
	limiter := r.limiters[p.ID()]
	r.mu.RUnlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if cerr := fromContextErr(ctx, StageUpstream); cerr != nil {
				return nil, cerr
			}
			return nil, wrapError(ErrProviderTransient, StageUpstream, "rate limiter", err)
		}
	}

	comp, err := p.Complete(ctx, pl)
	if err != nil {
		return nil, withProvider(err, p.ID(), model)
	}

	cost, cerr := r.catalog.Cost(model, comp.InputTokens, comp.CachedInputTokens, comp.CacheWriteTokens, comp.OutputTokens)
	if cerr != nil {
		return nil, wrapError(ErrNoProvider, StageUpstream, "pricing", cerr)
	}

	m := metrics.Get()
	provLabel := metrics.SanitizeLabel(string(p.ID()))
	modelLabel := metrics.SanitizeLabel(model)
	m.TokensTotal.WithLabelValues(provLabel, modelLabel, "input").Add(float64(comp.InputTokens))
	m.TokensTotal.WithLabelValues(provLabel, modelLabel, "output").Add(float64(comp.OutputTokens))
	if comp.CachedInputTokens > 0 {
		m.TokensTotal.WithLabelValues(provLabel, modelLabel, "cached").Add(float64(comp.CachedInputTokens))
	}
	if comp.CacheWriteTokens > 0 {
		m.TokensTotal.WithLabelValues(provLabel, modelLabel, "cache_write").Add(float64(comp.CacheWriteTokens))
	}
	m.CostMicrocents.WithLabelValues(provLabel, modelLabel).Add(float64(cost))

	return &ProviderResponse{
		Completion: comp,
		Model:      model,
		Provider:   p.ID(),
		Cost:       cost,
	}, nil
}

// withProvider stamps provider/model onto a taxonomy error for diagnostics.
func withProvider(err error, id catalog.ProviderID, model string) error {
	if e, ok := err.(*Error); ok {
		if e.Provider == "" {
			e.Provider = id
		}
		if e.Model == "" {
			e.Model = model
		}
		return e
	}
	return &Error{Code: ErrProviderTransient, Stage: StageUpstream, Provider: id, Model: model,
		Message: "provider call failed", Err: err}
}

// CompleteWithFallback tries the primary provider for the model, then every
// other claimant in priority order on transient failures. Permanent
// failures surface immediately with no fallback.
func (r *ProviderRegistry) CompleteWithFallback(ctx context.Context, model string, pl *Payload) (*ProviderResponse, error) {
	candidates := r.candidatesFor(model)
	if len(candidates) == 0 {
		return nil, &Error{Code: ErrNoProvider, Stage: StageSelect, Model: model,
			Message: "no configured provider supports model"}
	}

	var lastErr error
	for i, p := range candidates {
		if i > 0 {
			metrics.Get().FallbacksTotal.WithLabelValues(
				metrics.SanitizeLabel(string(candidates[i-1].ID())),
				metrics.SanitizeLabel(string(p.ID())),
			).Inc()
			r.log.Warn("falling back to next provider",
				zap.String("model", model),
				zap.String("from", string(candidates[i-1].ID())),
				zap.String("to", string(p.ID())),
				zap.Error(lastErr))
		}
		resp, err := r.completeWith(ctx, p, model, pl)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		if cerr := fromContextErr(ctx, StageUpstream); cerr != nil {
			return nil, cerr
		}
	}
	return nil, lastErr
}

// TestAllProviders probes every provider in parallel with its cheapest
// model.
func (r *ProviderRegistry) TestAllProviders(ctx context.Context) map[catalog.ProviderID]ConnectionTest {
	providers := r.Providers()
	results := make(map[catalog.ProviderID]ConnectionTest, len(providers))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range providers {
		wg.Add(1)
		go func(p LLMProvider) {
			defer wg.Done()
			res := p.TestConnection(ctx)
			mu.Lock()
			results[p.ID()] = res
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return results
}

// HealthSnapshot reports every provider's self-assessed health and refreshes
// the health gauges.
func (r *ProviderRegistry) HealthSnapshot() map[catalog.ProviderID]HealthStatus {
	out := make(map[catalog.ProviderID]HealthStatus)
	for _, p := range r.Providers() {
		hs := p.GetHealthStatus()
		out[p.ID()] = hs
		metrics.Get().ProviderHealth.WithLabelValues(metrics.SanitizeLabel(string(p.ID()))).
			Set(healthGaugeValue(hs.Status))
	}
	return out
}

func healthGaugeValue(s HealthState) float64 {
	switch s {
	case HealthDegraded:
		return 1
	case HealthDown:
		return 2
	}
	return 0
}

// MonitorHealth probes all providers on a fixed interval until ctx ends.
// Run it on its own goroutine.
func (r *ProviderRegistry) MonitorHealth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			r.TestAllProviders(probeCtx)
			cancel()
			r.HealthSnapshot()
		}
	}
}

// ShutdownAll fans out shutdown to every provider. Individual failures are
// collected and logged; an error is returned only when every provider
// failed.
func (r *ProviderRegistry) ShutdownAll(ctx context.Context) error {
	providers := r.Providers()
	if len(providers) == 0 {
		return nil
	}
	var failed int
	var lastErr error
	for _, p := range providers {
		if err := p.Shutdown(ctx); err != nil {
			failed++
			lastErr = err
			r.log.Warn("provider shutdown failed", zap.String("provider", string(p.ID())), zap.Error(err))
		}
	}
	if failed == len(providers) {
		return wrapError(ErrProviderPermanent, StageShutdown, "all providers failed to shut down", lastErr)
	}
	return nil
}
