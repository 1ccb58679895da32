package ai

import (
	"maestro/internal/catalog"
)

// categoryMaxTokens is the per-category output budget used when the request
// does not set one explicitly.
var categoryMaxTokens = map[Category]int{
	CategoryHeartbeat:      200,
	CategoryParseCommand:   200,
	CategorySummarize:      400,
	CategoryQuery:          400,
	CategoryChat:           800,
	CategoryAnalysis:       1500,
	CategoryCodeReview:     1500,
	CategorySecurity:       2000,
	CategoryCodeGeneration: 2500,
	CategoryPlanning:       2500,
}

// DefaultMaxTokens returns the output budget for a category.
func DefaultMaxTokens(c Category) int {
	if n, ok := categoryMaxTokens[c]; ok {
		return n
	}
	return 800
}

// PromptAssembler composes the provider-neutral payload: system blocks,
// message list, and the output token budget. Cache markers are attached to
// system blocks only when caching is on for both the process and the
// request, and the block clears the tier's minimum cacheable size.
type PromptAssembler struct {
	cachingEnabled bool
}

func NewPromptAssembler(cachingEnabled bool) *PromptAssembler {
	return &PromptAssembler{cachingEnabled: cachingEnabled}
}

// Assemble builds the upstream payload for a validated request at a tier.
func (a *PromptAssembler) Assemble(req *AIRequest, tier *catalog.ModelTier) *Payload {
	pl := &Payload{
		Tier:        tier,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if pl.MaxTokens <= 0 {
		pl.MaxTokens = DefaultMaxTokens(req.Category)
	}

	if req.SystemPrompt != "" {
		block := SystemBlock{Text: req.SystemPrompt}
		if a.shouldCache(req, tier, req.SystemPrompt) {
			block.Cache = true
		}
		pl.System = append(pl.System, block)
	}

	if len(req.Messages) > 0 {
		pl.Messages = append(pl.Messages, req.Messages...)
	} else {
		pl.Messages = []Message{{Role: RoleUser, Content: req.Content}}
	}
	return pl
}

func (a *PromptAssembler) shouldCache(req *AIRequest, tier *catalog.ModelTier, system string) bool {
	if !a.cachingEnabled || !req.EnableCaching || !tier.Capabilities.Caching {
		return false
	}
	return catalog.EstimateTokens(system) >= tier.MinCacheTokens
}

// EstimateRequestTokens sizes a request before any provider call: estimated
// input (system plus content or full turn list) plus the category's output
// budget. Used for the budget gate and cost estimates.
func EstimateRequestTokens(req *AIRequest) int {
	input := catalog.EstimateTokens(req.SystemPrompt)
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			input += catalog.EstimateTokens(m.Content)
		}
	} else {
		input += catalog.EstimateTokens(req.Content)
	}
	out := req.MaxTokens
	if out <= 0 {
		out = DefaultMaxTokens(req.Category)
	}
	return input + out
}
