package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"maestro/internal/catalog"
	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/metrics"
)

// OrchestratorConfig wires the orchestrator's collaborators and knobs.
// EventBus, Registry, and Catalog are required; CostTracker, Governance, and
// ResponseCache are optional collaborators.
type OrchestratorConfig struct {
	Flags    FeatureFlags
	Catalog  *catalog.Registry
	Registry *ProviderRegistry
	Bus      events.Bus

	CostTracker   CostTracker
	Governance    Governance
	ResponseCache ResponseCache

	Weights Weights
	Chains  ChainSet

	GovernanceCostThreshold catalog.Microcents
	GovernanceTimeout       time.Duration

	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
}

// Orchestrator is the single entry point of the core: Execute runs the
// pipeline (validate, classify, budget, circuit, select, governance,
// assemble, call, track, evaluate, escalate), ExecuteCascade runs the
// explicit cheap-first mode, and the convenience wrappers sit on top of
// Execute.
type Orchestrator struct {
	cfg       OrchestratorConfig
	catalog   *catalog.Registry
	registry  *ProviderRegistry
	bus       events.Bus
	tracker   CostTracker
	governors Governance
	cache     ResponseCache

	assembler *PromptAssembler
	scorer    *ValueScorer
	evaluator *ResponseEvaluator
	cascade   *CascadeRouter
	breaker   *CircuitBreaker

	log       *zap.Logger
	startedAt time.Time

	mu            sync.Mutex
	totalRequests int64
	totalErrors   int64
	totalCost     catalog.Microcents
	latencyEWMA   float64
	modelUsage    map[string]int64

	inflight sync.WaitGroup
	closed   bool
	closeMu  sync.RWMutex
}

// Status is the public status snapshot.
type Status struct {
	FeatureFlags        FeatureFlags      `json:"feature_flags"`
	CircuitBreakerState CircuitState      `json:"circuit_breaker_state"`
	TotalRequests       int64             `json:"total_requests"`
	TotalErrors         int64             `json:"total_errors"`
	TotalCostDollars    float64           `json:"total_cost_dollars"`
	AverageLatencyMS    float64           `json:"average_latency_ms"`
	ModelUsage          map[string]int64  `json:"model_usage"`
	UptimeSeconds       float64           `json:"uptime_seconds"`
	ThrottleLevel       ThrottleLevel     `json:"throttle_level"`
	Providers           map[string]string `json:"providers"`
}

// NewOrchestrator builds the pipeline. The circuit-breaker transition hook
// publishes ai:circuit_breaker_state_changed and keeps the gauge current.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		catalog:    cfg.Catalog,
		registry:   cfg.Registry,
		bus:        cfg.Bus,
		tracker:    cfg.CostTracker,
		governors:  cfg.Governance,
		cache:      cfg.ResponseCache,
		log:        logging.L().Named("orchestrator"),
		startedAt:  time.Now().UTC(),
		modelUsage: make(map[string]int64),
	}

	o.assembler = NewPromptAssembler(cfg.Flags.CachingEnabled)
	o.evaluator = NewResponseEvaluator()

	weights := cfg.Weights
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	o.scorer = NewValueScorer(cfg.Catalog, weights, func(id catalog.ProviderID) HealthState {
		if p, ok := cfg.Registry.Provider(id); ok {
			return p.GetHealthStatus().Status
		}
		return HealthDown
	})

	o.breaker = NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout,
		func(from, to CircuitState, failures int) {
			metrics.Get().CircuitState.Set(circuitGaugeValue(to))
			o.log.Warn("circuit breaker transition",
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.Int("failures", failures))
			o.bus.Emit(events.TopicCircuitStateChanged, map[string]any{
				"previousState": string(from),
				"newState":      string(to),
				"failures":      failures,
				"timestamp":     time.Now().UTC(),
			})
		})

	o.cascade = NewCascadeRouter(cfg.Registry, cfg.Catalog, o.assembler, o.evaluator, cfg.Bus, cfg.Chains)
	o.cascade.onStep = func(ctx context.Context, req *AIRequest, resp *ProviderResponse) {
		o.trackUsage(ctx, req, resp, "cascade")
	}

	return o
}

func circuitGaugeValue(s CircuitState) float64 {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	}
	return 0
}

// Breaker exposes the orchestrator-level circuit breaker (status surface and
// tests).
func (o *Orchestrator) Breaker() *CircuitBreaker { return o.breaker }

// execState tracks the single-terminal-event guarantee for one Execute call.
type execState struct {
	req          *AIRequest
	complexity   Complexity
	start        time.Time
	emittedCount int
}

// emitComplete publishes one llm:request_complete record. Every upstream
// call that happened gets one; a request that failed before (or during) its
// first call gets exactly one terminal success=false record.
func (o *Orchestrator) emitComplete(st *execState, model string, in, out int, cost catalog.Microcents, success bool) {
	st.emittedCount++
	o.bus.Emit(events.TopicRequestComplete, map[string]any{
		"timestamp":    time.Now().UTC(),
		"model":        model,
		"inputTokens":  in,
		"outputTokens": out,
		"cost":         cost.Dollars(),
		"taskType":     string(st.req.Priority),
		"taskCategory": string(st.req.Category),
		"duration":     time.Since(st.start).Milliseconds(),
		"success":      success,
	})
}

// fail closes out a request on the error path: guarantees the terminal
// event, updates counters, and returns err unchanged.
func (o *Orchestrator) fail(st *execState, model string, err error) error {
	if st.emittedCount == 0 {
		o.emitComplete(st, model, 0, 0, 0, false)
	}
	o.mu.Lock()
	o.totalRequests++
	o.totalErrors++
	o.mu.Unlock()
	metrics.Get().RequestsTotal.WithLabelValues(
		metrics.SanitizeLabel(string(st.req.Category)),
		metrics.SanitizeLabel(model),
		"error",
	).Inc()
	return err
}

// Execute runs the full pipeline for one request.
func (o *Orchestrator) Execute(ctx context.Context, req *AIRequest) (*AIResponse, error) {
	if !o.cfg.Flags.Enabled {
		return nil, newError(ErrDisabled, StageValidate, "orchestrator is disabled")
	}
	o.closeMu.RLock()
	if o.closed {
		o.closeMu.RUnlock()
		return nil, newError(ErrDisabled, StageValidate, "orchestrator is shutting down")
	}
	o.inflight.Add(1)
	o.closeMu.RUnlock()
	defer o.inflight.Done()

	m := metrics.Get()
	m.RequestsInFlight.Inc()
	defer m.RequestsInFlight.Dec()

	st := &execState{req: req, start: time.Now()}

	// Step 1: validate.
	if err := req.Validate(); err != nil {
		return nil, o.fail(st, "", err)
	}
	log := logging.ForRequest(req.RequestID, req.Agent, string(req.Category))

	// Step 2: classify.
	st.complexity = ClassifyComplexity(req.Content, req.Category)
	o.bus.Emit(events.TopicRequestReceived, map[string]any{
		"requestId":  req.RequestID,
		"category":   string(req.Category),
		"complexity": string(st.complexity),
		"agent":      req.Agent,
		"timestamp":  time.Now().UTC(),
	})

	// Step 3: budget gate.
	estTokens := EstimateRequestTokens(req)
	if o.tracker != nil {
		decision := o.tracker.CanProceed(ctx, estTokens, req.Priority)
		if !decision.Allowed {
			log.Warn("budget gate denied request", zap.String("reason", decision.Reason))
			return nil, o.fail(st, "", newErrorf(ErrBudgetExceeded, StageBudget, "budget: %s", decision.Reason))
		}
	}

	// Step 4: circuit gate.
	if !o.breaker.CanExecute() {
		return nil, o.fail(st, "", newError(ErrCircuitOpen, StageCircuit, "circuit breaker is open"))
	}

	// Step 5: model selection.
	level := ThrottleNormal
	if o.tracker != nil {
		level = o.tracker.ThrottleLevel()
	}
	selection, err := o.scorer.Score(req, st.complexity, level)
	if err != nil {
		return nil, o.fail(st, "", err)
	}
	o.bus.Emit(events.TopicModelSelected, map[string]any{
		"requestId":     req.RequestID,
		"model":         selection.Tier.ID,
		"valueScore":    selection.Score,
		"reasoning":     selection.Reasoning,
		"estimatedCost": selection.EstimatedCost.Dollars(),
		"timestamp":     time.Now().UTC(),
	})

	// Step 6: governance.
	approved := false
	if o.cfg.Flags.GovernanceEnabled && o.requiresApproval(req, selection.EstimatedCost) {
		decision, gerr := o.requestApproval(ctx, req, selection)
		if gerr != nil {
			return nil, o.fail(st, selection.Tier.ID, gerr)
		}
		if !decision.Approved {
			return nil, o.fail(st, selection.Tier.ID,
				newErrorf(ErrGovernanceDenied, StageGovernance, "governance rejected request: %s", decision.Reason))
		}
		approved = true
	}

	// Response cache short-circuit for idempotent categories.
	if hit := o.cacheLookup(ctx, req, selection.Tier.ID); hit != nil {
		hit.GovernanceApproved = approved
		o.emitComplete(st, selection.Tier.ID, 0, 0, 0, true)
		o.finishSuccess(st, hit, log)
		return hit, nil
	}

	if cerr := fromContextErr(ctx, StageUpstream); cerr != nil {
		return nil, o.fail(st, selection.Tier.ID, cerr)
	}

	// Steps 7-12 for the selected tier.
	resp, quality, err := o.callAndEvaluate(ctx, st, req, selection.Tier, estTokens)
	if err != nil {
		o.breaker.RecordFailure()
		return nil, o.fail(st, selection.Tier.ID, err)
	}
	o.emitEvaluated(req.RequestID, quality, false, "")

	// Step 13: one-shot escalation.
	if o.cfg.Flags.EscalationEnabled && o.evaluator.ShouldEscalate(quality, st.complexity) {
		if higher, ok := o.catalog.HigherTier(selection.Tier.ID); ok && o.catalog.IsAvailable(higher.ID) {
			reason := fmt.Sprintf("quality %.2f below %s threshold %.2f",
				quality, st.complexity, EscalationThreshold(st.complexity))
			log.Info("escalating to higher tier",
				zap.String("from", selection.Tier.ID),
				zap.String("to", higher.ID),
				zap.String("reason", reason))
			metrics.Get().EscalationsTotal.WithLabelValues(
				metrics.SanitizeLabel(selection.Tier.ID),
				metrics.SanitizeLabel(higher.ID),
			).Inc()

			if eresp, equality, eerr := o.callAndEvaluate(ctx, st, req, higher, estTokens); eerr == nil {
				eresp.Cost += resp.Cost
				eresp.Escalated = true
				eresp.EscalationReason = reason
				resp, quality = eresp, equality
				o.emitEvaluated(req.RequestID, equality, true, reason)
			} else {
				o.emitComplete(st, higher.ID, 0, 0, 0, false)
				log.Warn("escalation attempt failed, keeping original response", zap.Error(eerr))
			}
		}
	}

	resp.GovernanceApproved = approved
	resp.QualityScore = quality

	// Step 14: breaker success.
	o.breaker.RecordSuccess()

	o.cacheStore(ctx, req, resp)

	// Step 15: bookkeeping and return.
	o.finishSuccess(st, resp, log)
	return resp, nil
}

// callAndEvaluate runs steps 7-12 at one tier: assemble, request_start,
// upstream call with fallback, request_complete, track, evaluate.
func (o *Orchestrator) callAndEvaluate(ctx context.Context, st *execState, req *AIRequest, tier *catalog.ModelTier, estTokens int) (*AIResponse, float64, error) {
	// Step 7: assemble.
	payload := o.assembler.Assemble(req, tier)

	// Step 8: announce.
	o.bus.Emit(events.TopicRequestStart, map[string]any{
		"model":           tier.ID,
		"estimatedTokens": estTokens,
	})

	// Step 9: upstream.
	callStart := time.Now()
	pr, err := o.registry.CompleteWithFallback(ctx, tier.ID, payload)
	if err != nil {
		// Step 10 guarantee on the failure path is owned by fail().
		return nil, 0, err
	}

	// Step 10: exactly one completion record per upstream call made.
	o.emitComplete(st, tier.ID, pr.InputTokens+pr.CachedInputTokens+pr.CacheWriteTokens, pr.OutputTokens, pr.Cost, true)

	// Step 11: track spend.
	o.trackUsage(ctx, req, pr, "execute")

	// Step 12: evaluate. The evaluated event is emitted by the caller once
	// the escalation outcome is known.
	quality := o.evaluator.Evaluate(pr.Content, req.Content)
	o.scorer.RecordQuality(tier.ID, quality)
	metrics.Get().QualityScore.WithLabelValues(metrics.SanitizeLabel(tier.ID)).Observe(quality)

	return &AIResponse{
		RequestID:         req.RequestID,
		Content:           pr.Content,
		Model:             tier.ID,
		Provider:          pr.Provider,
		InputTokens:       pr.InputTokens + pr.CachedInputTokens + pr.CacheWriteTokens,
		OutputTokens:      pr.OutputTokens,
		CachedInputTokens: pr.CachedInputTokens,
		CacheWriteTokens:  pr.CacheWriteTokens,
		Cost:              pr.Cost,
		DurationMS:        time.Since(callStart).Milliseconds(),
		QualityScore:      quality,
		FinishReason:      pr.FinishReason,
		CreatedAt:         time.Now().UTC(),
	}, quality, nil
}

// emitEvaluated publishes one evaluation record. reason is only attached
// when the evaluation belongs to an escalated retry.
func (o *Orchestrator) emitEvaluated(requestID string, quality float64, escalated bool, reason string) {
	data := map[string]any{
		"requestId":    requestID,
		"qualityScore": quality,
		"escalated":    escalated,
		"timestamp":    time.Now().UTC(),
	}
	if reason != "" {
		data["escalationReason"] = reason
	}
	o.bus.Emit(events.TopicResponseEvaluated, data)
}

func (o *Orchestrator) trackUsage(ctx context.Context, req *AIRequest, pr *ProviderResponse, operation string) {
	if o.tracker == nil {
		return
	}
	err := o.tracker.Track(ctx, UsageRecord{
		RequestID:         req.RequestID,
		Operation:         operation,
		Agent:             req.Agent,
		Provider:          pr.Provider,
		Model:             pr.Model,
		InputTokens:       pr.InputTokens,
		CachedInputTokens: pr.CachedInputTokens,
		CacheWriteTokens:  pr.CacheWriteTokens,
		OutputTokens:      pr.OutputTokens,
		Cost:              pr.Cost,
	})
	if err != nil {
		o.log.Warn("usage tracking failed", zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

func (o *Orchestrator) finishSuccess(st *execState, resp *AIResponse, log *zap.Logger) {
	elapsed := time.Since(st.start)
	o.mu.Lock()
	o.totalRequests++
	o.totalCost += resp.Cost
	o.modelUsage[resp.Model]++
	ms := float64(elapsed.Milliseconds())
	if o.latencyEWMA == 0 {
		o.latencyEWMA = ms
	} else {
		o.latencyEWMA = 0.9*o.latencyEWMA + 0.1*ms
	}
	o.mu.Unlock()

	m := metrics.Get()
	m.RequestsTotal.WithLabelValues(
		metrics.SanitizeLabel(string(st.req.Category)),
		metrics.SanitizeLabel(resp.Model),
		"success",
	).Inc()
	m.RequestDuration.WithLabelValues(metrics.SanitizeLabel(resp.Model)).Observe(elapsed.Seconds())

	log.Info("request complete",
		zap.String("model", resp.Model),
		zap.String("provider", string(resp.Provider)),
		zap.Int("input_tokens", resp.InputTokens),
		zap.Int("output_tokens", resp.OutputTokens),
		zap.Float64("cost_dollars", resp.Cost.Dollars()),
		zap.Float64("quality", resp.QualityScore),
		zap.Bool("escalated", resp.Escalated),
		zap.Bool("cached", resp.Cached),
		zap.Int64("duration_ms", elapsed.Milliseconds()))
}

// requiresApproval applies the conservative governance rule: sensitive
// categories, costs above the configured threshold, or anything flagged
// security-sensitive.
func (o *Orchestrator) requiresApproval(req *AIRequest, estCost catalog.Microcents) bool {
	if req.Category == CategorySecurity || req.Category == CategoryPlanning {
		return true
	}
	if req.SecuritySensitive {
		return true
	}
	threshold := o.cfg.GovernanceCostThreshold
	if threshold <= 0 {
		threshold = catalog.FromDollars(0.50)
	}
	return estCost > threshold
}

// requestApproval runs the governance hook under its deadline. A timeout or
// missing approver counts as rejection.
func (o *Orchestrator) requestApproval(ctx context.Context, req *AIRequest, sel *Selection) (GovernanceDecision, error) {
	if o.governors == nil {
		return GovernanceDecision{Approved: false, Reason: "governance enabled but no approver configured"}, nil
	}
	timeout := o.cfg.GovernanceTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	decision, err := o.governors.RequestApproval(gctx, req, sel.EstimatedCost, sel.Tier)
	if err != nil {
		if gctx.Err() == context.DeadlineExceeded {
			return GovernanceDecision{Approved: false, Reason: "approval timed out"}, nil
		}
		return GovernanceDecision{}, wrapError(ErrGovernanceDenied, StageGovernance, "approval hook failed", err)
	}
	return decision, nil
}

// Cacheable categories are the idempotent, repeat-heavy ones.
func cacheableCategory(c Category) bool {
	return c == CategoryQuery || c == CategorySummarize || c == CategoryParseCommand
}

func cacheKey(model string, req *AIRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", model, req.SystemPrompt, req.Content, req.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

func cacheTTL(c Category) time.Duration {
	switch c {
	case CategorySummarize:
		return 30 * time.Minute
	case CategoryParseCommand:
		return 10 * time.Minute
	}
	return 5 * time.Minute
}

func (o *Orchestrator) cacheLookup(ctx context.Context, req *AIRequest, model string) *AIResponse {
	if !o.cfg.Flags.ResponseCacheEnabled || o.cache == nil || !cacheableCategory(req.Category) {
		return nil
	}
	content, ok := o.cache.Get(ctx, cacheKey(model, req))
	if !ok {
		metrics.Get().CacheEvents.WithLabelValues("miss").Inc()
		return nil
	}
	metrics.Get().CacheEvents.WithLabelValues("hit").Inc()
	return &AIResponse{
		RequestID:    req.RequestID,
		Content:      content,
		Model:        model,
		Cached:       true,
		QualityScore: o.evaluator.Evaluate(content, req.Content),
		FinishReason: FinishStop,
		CreatedAt:    time.Now().UTC(),
	}
}

func (o *Orchestrator) cacheStore(ctx context.Context, req *AIRequest, resp *AIResponse) {
	if !o.cfg.Flags.ResponseCacheEnabled || o.cache == nil || !cacheableCategory(req.Category) {
		return
	}
	if resp.Cached || resp.Content == "" {
		return
	}
	o.cache.Set(ctx, cacheKey(resp.Model, req), resp.Content, cacheTTL(req.Category))
	metrics.Get().CacheEvents.WithLabelValues("store").Inc()
}

// ExecuteCascade runs the explicit cheap-first mode: same validation and
// budget/circuit gates, then the selected chain instead of single-shot
// scoring.
func (o *Orchestrator) ExecuteCascade(ctx context.Context, req *AIRequest) (*AIResponse, error) {
	if !o.cfg.Flags.Enabled {
		return nil, newError(ErrDisabled, StageValidate, "orchestrator is disabled")
	}
	o.closeMu.RLock()
	if o.closed {
		o.closeMu.RUnlock()
		return nil, newError(ErrDisabled, StageValidate, "orchestrator is shutting down")
	}
	o.inflight.Add(1)
	o.closeMu.RUnlock()
	defer o.inflight.Done()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	complexity := ClassifyComplexity(req.Content, req.Category)

	if o.tracker != nil {
		decision := o.tracker.CanProceed(ctx, EstimateRequestTokens(req), req.Priority)
		if !decision.Allowed {
			return nil, newErrorf(ErrBudgetExceeded, StageBudget, "budget: %s", decision.Reason)
		}
	}
	if !o.breaker.CanExecute() {
		return nil, newError(ErrCircuitOpen, StageCircuit, "circuit breaker is open")
	}

	chain := SelectChain(req.Category, req.SecuritySensitive, complexity)
	resp, err := o.cascade.Execute(ctx, req, chain)
	if err != nil {
		o.mu.Lock()
		o.totalRequests++
		o.totalErrors++
		o.mu.Unlock()
		o.breaker.RecordFailure()
		return nil, err
	}
	o.breaker.RecordSuccess()
	o.finishSuccess(&execState{req: req, complexity: complexity, start: time.Now().Add(-time.Duration(resp.DurationMS) * time.Millisecond)}, resp, logging.ForRequest(req.RequestID, req.Agent, string(req.Category)))
	return resp, nil
}

// Query answers a one-off question and returns the text.
func (o *Orchestrator) Query(ctx context.Context, text, agent string) (string, error) {
	resp, err := o.Execute(ctx, &AIRequest{
		Content:  text,
		Category: CategoryQuery,
		Agent:    agent,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Chat continues a conversation; the last message must be the user's turn.
func (o *Orchestrator) Chat(ctx context.Context, messages []Message, systemPrompt, agent string) (string, error) {
	content := ""
	if n := len(messages); n > 0 {
		content = messages[n-1].Content
	}
	resp, err := o.Execute(ctx, &AIRequest{
		Content:      content,
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Category:     CategoryChat,
		Agent:        agent,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Summarize condenses text to at most maxLength tokens of output.
func (o *Orchestrator) Summarize(ctx context.Context, text string, maxLength int, agent string) (string, error) {
	resp, err := o.Execute(ctx, &AIRequest{
		Content:      text,
		SystemPrompt: "Summarize the user's text concisely. Output only the summary.",
		Category:     CategorySummarize,
		Agent:        agent,
		MaxTokens:    maxLength,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

const parseCommandSystemPrompt = `Parse the user's input into a command. Respond with only a JSON object of the shape {"intent": string, "entities": object, "confidence": number between 0 and 1}. No prose, no code fences.`

// ParseCommand extracts intent/entities from free text. On any decode
// failure it returns the unknown-intent fallback rather than an error.
func (o *Orchestrator) ParseCommand(ctx context.Context, text, agent string) (*ParsedCommand, error) {
	fallback := &ParsedCommand{Intent: "unknown", Entities: map[string]any{}, Confidence: 0, Raw: text}

	resp, err := o.Execute(ctx, &AIRequest{
		Content:      text,
		SystemPrompt: parseCommandSystemPrompt,
		Category:     CategoryParseCommand,
		Agent:        agent,
	})
	if err != nil {
		return nil, err
	}

	out := strings.TrimSpace(resp.Content)
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")

	var parsed ParsedCommand
	if jerr := json.Unmarshal([]byte(strings.TrimSpace(out)), &parsed); jerr != nil || parsed.Intent == "" {
		return fallback, nil
	}
	if parsed.Entities == nil {
		parsed.Entities = map[string]any{}
	}
	parsed.Raw = text
	return &parsed, nil
}

// GetStatus reports aggregate orchestrator state.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	usage := make(map[string]int64, len(o.modelUsage))
	for k, v := range o.modelUsage {
		usage[k] = v
	}
	st := Status{
		FeatureFlags:        o.cfg.Flags,
		CircuitBreakerState: o.breaker.State(),
		TotalRequests:       o.totalRequests,
		TotalErrors:         o.totalErrors,
		TotalCostDollars:    o.totalCost.Dollars(),
		AverageLatencyMS:    o.latencyEWMA,
		ModelUsage:          usage,
		UptimeSeconds:       time.Since(o.startedAt).Seconds(),
		ThrottleLevel:       ThrottleNormal,
	}
	o.mu.Unlock()

	if o.tracker != nil {
		st.ThrottleLevel = o.tracker.ThrottleLevel()
	}
	st.Providers = make(map[string]string)
	for id, hs := range o.registry.HealthSnapshot() {
		st.Providers[string(id)] = string(hs.Status)
	}
	return st
}

// TestConnection reports whether at least one provider answers a probe.
func (o *Orchestrator) TestConnection(ctx context.Context) bool {
	for _, res := range o.registry.TestAllProviders(ctx) {
		if res.Connected {
			return true
		}
	}
	return false
}

// Shutdown drains in-flight requests (bounded by ctx), then shuts down
// providers and the cost tracker.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closeMu.Lock()
	if o.closed {
		o.closeMu.Unlock()
		return nil
	}
	o.closed = true
	o.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("shutdown deadline reached with requests still in flight")
	}

	err := o.registry.ShutdownAll(ctx)
	if o.tracker != nil {
		if terr := o.tracker.Shutdown(ctx); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}
