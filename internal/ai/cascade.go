package ai

import (
	"context"
	"time"

	"go.uber.org/zap"

	"maestro/internal/catalog"
	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/metrics"
)

// CascadeStep is one link of a chain: a model and the quality threshold a
// response must clear to stop there. The last step's threshold is implicitly
// zero.
type CascadeStep struct {
	Model     string  `yaml:"model" json:"model"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// ChainSet maps chain names to their ordered steps. Overridable from the
// chains YAML file.
type ChainSet map[string][]CascadeStep

// Built-in chain names.
const (
	ChainFrugal    = "frugal"
	ChainBulk      = "bulk"
	ChainBalanced  = "balanced"
	ChainCode      = "code"
	ChainReasoning = "reasoning"
	ChainSecurity  = "security"
	ChainQuality   = "quality"
)

// DefaultChains returns the stock chain table, cheap models first.
func DefaultChains() ChainSet {
	return ChainSet{
		ChainFrugal: {
			{Model: catalog.GeminiFlashLite, Threshold: 0.7},
			{Model: catalog.ClaudeHaiku45, Threshold: 0.5},
			{Model: catalog.ClaudeSonnet45, Threshold: 0},
		},
		ChainBulk: {
			{Model: catalog.GeminiFlashLite, Threshold: 0.6},
			{Model: catalog.ClaudeHaiku45, Threshold: 0},
		},
		ChainBalanced: {
			{Model: catalog.ClaudeHaiku45, Threshold: 0.6},
			{Model: catalog.ClaudeSonnet45, Threshold: 0.45},
			{Model: catalog.ClaudeOpus46, Threshold: 0},
		},
		ChainCode: {
			{Model: catalog.ClaudeSonnet45, Threshold: 0.55},
			{Model: catalog.GPT41, Threshold: 0.5},
			{Model: catalog.ClaudeOpus46, Threshold: 0},
		},
		ChainReasoning: {
			{Model: catalog.ClaudeSonnet45, Threshold: 0.6},
			{Model: catalog.O3, Threshold: 0.5},
			{Model: catalog.ClaudeOpus46, Threshold: 0},
		},
		ChainSecurity: {
			{Model: catalog.ClaudeSonnet45, Threshold: 0.7},
			{Model: catalog.ClaudeOpus46, Threshold: 0},
		},
		ChainQuality: {
			{Model: catalog.ClaudeOpus45, Threshold: 0.7},
			{Model: catalog.ClaudeOpus46, Threshold: 0},
		},
	}
}

var categoryChains = map[Category]string{
	CategoryCodeGeneration: ChainCode,
	CategoryCodeReview:     ChainCode,
	CategorySecurity:       ChainSecurity,
	CategoryPlanning:       ChainReasoning,
	CategoryAnalysis:       ChainBalanced,
	CategoryChat:           ChainFrugal,
	CategoryQuery:          ChainFrugal,
	CategorySummarize:      ChainBulk,
	CategoryParseCommand:   ChainBulk,
	CategoryHeartbeat:      ChainBulk,
}

// SelectChain picks the chain for a request. Security-sensitive requests
// always take the security chain; critical complexity forces quality;
// complex requests without a category mapping fall to balanced.
func SelectChain(category Category, securitySensitive bool, complexity Complexity) string {
	if securitySensitive {
		return ChainSecurity
	}
	name, hit := categoryChains[category]
	if complexity == ComplexityCritical {
		return ChainQuality
	}
	if !hit {
		if complexity == ComplexityComplex {
			return ChainBalanced
		}
		return ChainFrugal
	}
	return name
}

// CascadeRouter runs the explicit cheap-first execution mode: walk the
// chain, stop at the first response that clears its step threshold, accept
// the last step unconditionally. Cost accumulates across every attempted
// step.
type CascadeRouter struct {
	registry  *ProviderRegistry
	catalog   *catalog.Registry
	assembler *PromptAssembler
	evaluator *ResponseEvaluator
	bus       events.Bus
	chains    ChainSet
	log       *zap.Logger

	// onStep, when set, is invoked once per upstream call actually made so
	// the orchestrator can track spend.
	onStep func(ctx context.Context, req *AIRequest, resp *ProviderResponse)
}

func NewCascadeRouter(reg *ProviderRegistry, cat *catalog.Registry, assembler *PromptAssembler, evaluator *ResponseEvaluator, bus events.Bus, chains ChainSet) *CascadeRouter {
	if chains == nil {
		chains = DefaultChains()
	}
	return &CascadeRouter{
		registry:  reg,
		catalog:   cat,
		assembler: assembler,
		evaluator: evaluator,
		bus:       bus,
		chains:    chains,
		log:       logging.L().Named("cascade"),
	}
}

// Chains exposes the active chain table (for the status surface).
func (c *CascadeRouter) Chains() ChainSet { return c.chains }

// Execute runs the named chain for a validated request. Steps whose model no
// configured provider supports are skipped silently; provider errors
// mid-chain count as quality zero and the walk continues.
func (c *CascadeRouter) Execute(ctx context.Context, req *AIRequest, chainName string) (*AIResponse, error) {
	steps, ok := c.chains[chainName]
	if !ok {
		return nil, newErrorf(ErrNoAvailableModels, StageCascade, "unknown chain %q", chainName)
	}

	available := make([]CascadeStep, 0, len(steps))
	for _, s := range steps {
		if c.catalog.IsAvailable(s.Model) {
			available = append(available, s)
		}
	}
	if len(available) == 0 {
		return nil, newErrorf(ErrNoAvailableModels, StageCascade, "no provider supports any step of chain %q", chainName)
	}

	start := time.Now()
	c.bus.Emit(events.TopicCascadeStarted, map[string]any{
		"chain":       chainName,
		"queryLength": len(req.Content),
	})

	var totalCost catalog.Microcents
	var attempts int

	for i, step := range available {
		last := i == len(available)-1
		tier := c.catalog.MustGet(step.Model)
		payload := c.assembler.Assemble(req, tier)

		attempts++
		resp, err := c.registry.Complete(ctx, step.Model, payload)
		if err != nil {
			if last {
				c.finish(chainName, "", attempts, totalCost, start)
				return nil, err
			}
			// Treat as quality zero and keep walking, unless the caller is
			// gone.
			if cerr := fromContextErr(ctx, StageCascade); cerr != nil {
				return nil, cerr
			}
			c.log.Warn("cascade step failed, continuing",
				zap.String("chain", chainName),
				zap.String("model", step.Model),
				zap.Error(err))
			c.emitStep(chainName, i, step.Model, 0, true, 0)
			continue
		}

		totalCost += resp.Cost
		if c.onStep != nil {
			c.onStep(ctx, req, resp)
		}

		quality := 1.0
		if !last {
			quality = c.evaluator.Evaluate(resp.Content, req.Content)
		}

		accepted := last || quality >= step.Threshold
		c.emitStep(chainName, i, step.Model, quality, !accepted, resp.Cost)

		if accepted {
			c.finish(chainName, step.Model, attempts, totalCost, start)
			return &AIResponse{
				RequestID:         req.RequestID,
				Content:           resp.Content,
				Model:             step.Model,
				Provider:          resp.Provider,
				InputTokens:       resp.InputTokens + resp.CachedInputTokens + resp.CacheWriteTokens,
				OutputTokens:      resp.OutputTokens,
				CachedInputTokens: resp.CachedInputTokens,
				CacheWriteTokens:  resp.CacheWriteTokens,
				Cost:              totalCost,
				DurationMS:        time.Since(start).Milliseconds(),
				QualityScore:      quality,
				Escalated:         i > 0,
				FinishReason:      resp.FinishReason,
				CreatedAt:         time.Now().UTC(),
			}, nil
		}
	}

	// Unreachable: the last available step always accepts or returns its
	// error.
	c.finish(chainName, "", attempts, totalCost, start)
	return nil, newErrorf(ErrNoAvailableModels, StageCascade, "chain %q exhausted", chainName)
}

func (c *CascadeRouter) emitStep(chain string, step int, model string, quality float64, escalated bool, cost catalog.Microcents) {
	c.bus.Emit(events.TopicCascadeStepComplete, map[string]any{
		"chain":     chain,
		"step":      step,
		"model":     model,
		"quality":   quality,
		"escalated": escalated,
		"costCents": cost.Cents(),
	})
}

func (c *CascadeRouter) finish(chain, finalModel string, steps int, cost catalog.Microcents, start time.Time) {
	metrics.Get().CascadeSteps.WithLabelValues(metrics.SanitizeLabel(chain)).Observe(float64(steps))
	c.bus.Emit(events.TopicCascadeComplete, map[string]any{
		"chain":          chain,
		"finalModel":     finalModel,
		"totalSteps":     steps,
		"totalCostCents": cost.Cents(),
		"durationMs":     time.Since(start).Milliseconds(),
	})
}
