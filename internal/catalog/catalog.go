// Package catalog holds the immutable model catalog: every tier Maestro can
// route to, its upstream identifier, per-million-token prices in microcents,
// context window, capability flags, and its escalation rank within the
// provider family. Pricing lookups and cost arithmetic live here; providers
// report token counts only and never compute dollar amounts themselves.
package catalog

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ProviderID identifies an upstream vendor.
type ProviderID string

const (
	ProviderAnthropic ProviderID = "anthropic"
	ProviderOpenAI    ProviderID = "openai"
	ProviderGoogle    ProviderID = "google"
	ProviderXAI       ProviderID = "xai"
)

// Capabilities is the closed capability set carried by every tier.
type Capabilities struct {
	Tools     bool
	Vision    bool
	JSONMode  bool
	Caching   bool
	Reasoning bool
}

// ModelTier is one catalog entry. Entries are immutable for the life of the
// process; prices are microcents per million tokens.
type ModelTier struct {
	ID               string
	Provider         ProviderID
	UpstreamID       string
	InputPer1M       Microcents
	OutputPer1M      Microcents
	CachedInputPer1M Microcents
	CacheWritePer1M  Microcents
	ContextWindow    int
	Capabilities     Capabilities
	// Rank orders tiers within a provider family; escalation only moves up.
	Rank int
	// Quality is a coarse 1-10 capability rating used by the value scorer
	// and the security floor.
	Quality int
	// AvgLatencyMS is the expected round-trip for a typical request, used
	// only for scoring, never enforcement.
	AvgLatencyMS int
	// MinCacheTokens is the smallest system prompt the upstream will cache.
	MinCacheTokens int
}

// SecurityFloorQuality is the minimum tier quality eligible for
// security-sensitive requests (the Sonnet-class floor).
const SecurityFloorQuality = 8

// Canonical tier IDs. Keep in sync with defaultTiers.
const (
	ClaudeHaiku45   = "claude-haiku-4.5"
	ClaudeSonnet45  = "claude-sonnet-4.5"
	ClaudeOpus45    = "claude-opus-4.5"
	ClaudeOpus46    = "claude-opus-4.6"
	GPT41Mini       = "gpt-4.1-mini"
	GPT41           = "gpt-4.1"
	O3              = "o3"
	GeminiFlashLite = "gemini-2.5-flash-lite"
	GeminiFlash     = "gemini-2.5-flash"
	GeminiPro       = "gemini-2.5-pro"
	Grok4Fast       = "grok-4-fast"
	Grok4           = "grok-4"
)

func defaultTiers() []*ModelTier {
	all := Capabilities{Tools: true, Vision: true, JSONMode: true, Caching: true, Reasoning: true}
	noReason := Capabilities{Tools: true, Vision: true, JSONMode: true, Caching: true}

	return []*ModelTier{
		// Anthropic. Cache reads bill at 10% of input, cache writes at 125%.
		{ID: ClaudeHaiku45, Provider: ProviderAnthropic, UpstreamID: "claude-haiku-4-5-20251001",
			InputPer1M: 100_000_000, OutputPer1M: 500_000_000, CachedInputPer1M: 10_000_000, CacheWritePer1M: 125_000_000,
			ContextWindow: 200_000, Capabilities: noReason, Rank: 1, Quality: 6, AvgLatencyMS: 900, MinCacheTokens: 2048},
		{ID: ClaudeSonnet45, Provider: ProviderAnthropic, UpstreamID: "claude-sonnet-4-5-20250929",
			InputPer1M: 300_000_000, OutputPer1M: 1_500_000_000, CachedInputPer1M: 30_000_000, CacheWritePer1M: 375_000_000,
			ContextWindow: 200_000, Capabilities: all, Rank: 2, Quality: 8, AvgLatencyMS: 1400, MinCacheTokens: 1024},
		{ID: ClaudeOpus45, Provider: ProviderAnthropic, UpstreamID: "claude-opus-4-5-20251101",
			InputPer1M: 500_000_000, OutputPer1M: 2_500_000_000, CachedInputPer1M: 50_000_000, CacheWritePer1M: 625_000_000,
			ContextWindow: 200_000, Capabilities: all, Rank: 3, Quality: 9, AvgLatencyMS: 2200, MinCacheTokens: 1024},
		{ID: ClaudeOpus46, Provider: ProviderAnthropic, UpstreamID: "claude-opus-4-6",
			InputPer1M: 500_000_000, OutputPer1M: 2_500_000_000, CachedInputPer1M: 50_000_000, CacheWritePer1M: 625_000_000,
			ContextWindow: 200_000, Capabilities: all, Rank: 4, Quality: 10, AvgLatencyMS: 2400, MinCacheTokens: 1024},

		// OpenAI. Automatic prefix cache above ~1k tokens, reads at 50%,
		// writes free.
		{ID: GPT41Mini, Provider: ProviderOpenAI, UpstreamID: "gpt-4.1-mini",
			InputPer1M: 40_000_000, OutputPer1M: 160_000_000, CachedInputPer1M: 20_000_000, CacheWritePer1M: 0,
			ContextWindow: 1_047_576, Capabilities: noReason, Rank: 1, Quality: 5, AvgLatencyMS: 700, MinCacheTokens: 1024},
		{ID: GPT41, Provider: ProviderOpenAI, UpstreamID: "gpt-4.1",
			InputPer1M: 200_000_000, OutputPer1M: 800_000_000, CachedInputPer1M: 100_000_000, CacheWritePer1M: 0,
			ContextWindow: 1_047_576, Capabilities: noReason, Rank: 2, Quality: 7, AvgLatencyMS: 1200, MinCacheTokens: 1024},
		{ID: O3, Provider: ProviderOpenAI, UpstreamID: "o3",
			InputPer1M: 200_000_000, OutputPer1M: 800_000_000, CachedInputPer1M: 100_000_000, CacheWritePer1M: 0,
			ContextWindow: 200_000, Capabilities: all, Rank: 3, Quality: 9, AvgLatencyMS: 5000, MinCacheTokens: 1024},

		// Google. Manual context cache, 32k minimum, reads at 25%, writes
		// free in this pricing model.
		{ID: GeminiFlashLite, Provider: ProviderGoogle, UpstreamID: "gemini-2.5-flash-lite",
			InputPer1M: 10_000_000, OutputPer1M: 40_000_000, CachedInputPer1M: 2_500_000, CacheWritePer1M: 0,
			ContextWindow: 1_048_576, Capabilities: noReason, Rank: 1, Quality: 4, AvgLatencyMS: 400, MinCacheTokens: 32_768},
		{ID: GeminiFlash, Provider: ProviderGoogle, UpstreamID: "gemini-2.5-flash",
			InputPer1M: 30_000_000, OutputPer1M: 250_000_000, CachedInputPer1M: 7_500_000, CacheWritePer1M: 0,
			ContextWindow: 1_048_576, Capabilities: noReason, Rank: 2, Quality: 6, AvgLatencyMS: 600, MinCacheTokens: 32_768},
		{ID: GeminiPro, Provider: ProviderGoogle, UpstreamID: "gemini-2.5-pro",
			InputPer1M: 125_000_000, OutputPer1M: 1_000_000_000, CachedInputPer1M: 31_250_000, CacheWritePer1M: 0,
			ContextWindow: 1_048_576, Capabilities: all, Rank: 3, Quality: 8, AvgLatencyMS: 1800, MinCacheTokens: 32_768},

		// xAI. Automatic prefix cache, reads at 25%, writes free.
		{ID: Grok4Fast, Provider: ProviderXAI, UpstreamID: "grok-4-fast",
			InputPer1M: 20_000_000, OutputPer1M: 50_000_000, CachedInputPer1M: 5_000_000, CacheWritePer1M: 0,
			ContextWindow: 2_000_000, Capabilities: Capabilities{Tools: true, JSONMode: true, Caching: true}, Rank: 1, Quality: 5, AvgLatencyMS: 600, MinCacheTokens: 1024},
		{ID: Grok4, Provider: ProviderXAI, UpstreamID: "grok-4",
			InputPer1M: 300_000_000, OutputPer1M: 1_500_000_000, CachedInputPer1M: 75_000_000, CacheWritePer1M: 0,
			ContextWindow: 256_000, Capabilities: all, Rank: 2, Quality: 8, AvgLatencyMS: 1600, MinCacheTokens: 1024},
	}
}

// Registry is the model catalog. Immutable after construction, so reads are
// lock-free; the availability probe is swapped atomically at wire-up time.
type Registry struct {
	tiers map[string]*ModelTier
	order []string

	// availability reports whether a configured provider currently claims
	// the tier. Bound by the provider registry at startup; until then every
	// catalog entry is considered unavailable.
	availability atomic.Value // func(tierID string) bool
}

// NewRegistry builds the default catalog.
func NewRegistry() *Registry {
	r := &Registry{tiers: make(map[string]*ModelTier)}
	for _, t := range defaultTiers() {
		r.tiers[t.ID] = t
		r.order = append(r.order, t.ID)
	}
	return r
}

var (
	defaultRegistry *Registry
	registryOnce    sync.Once
)

// Default returns the shared process-wide catalog.
func Default() *Registry {
	registryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Get returns the tier for a canonical id.
func (r *Registry) Get(id string) (*ModelTier, bool) {
	t, ok := r.tiers[id]
	return t, ok
}

// MustGet is Get for ids the caller knows are in the catalog.
func (r *Registry) MustGet(id string) *ModelTier {
	t, ok := r.tiers[id]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown tier %q", id))
	}
	return t
}

// All returns every tier in catalog order.
func (r *Registry) All() []*ModelTier {
	out := make([]*ModelTier, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tiers[id])
	}
	return out
}

// ByProvider returns the provider's tiers ordered by rank.
func (r *Registry) ByProvider(p ProviderID) []*ModelTier {
	var out []*ModelTier
	for _, id := range r.order {
		if t := r.tiers[id]; t.Provider == p {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// HigherTier returns the next tier up within the same provider family, or
// false when the tier is already at the top. Ordering across families is
// undefined and never consulted.
func (r *Registry) HigherTier(id string) (*ModelTier, bool) {
	cur, ok := r.tiers[id]
	if !ok {
		return nil, false
	}
	var next *ModelTier
	for _, t := range r.tiers {
		if t.Provider != cur.Provider || t.Rank <= cur.Rank {
			continue
		}
		if next == nil || t.Rank < next.Rank {
			next = t
		}
	}
	return next, next != nil
}

// BindAvailability installs the provider-support probe. Called once by the
// provider registry during wiring.
func (r *Registry) BindAvailability(fn func(tierID string) bool) {
	r.availability.Store(fn)
}

// IsAvailable reports whether a configured provider claims the tier.
func (r *Registry) IsAvailable(id string) bool {
	if _, ok := r.tiers[id]; !ok {
		return false
	}
	fn, _ := r.availability.Load().(func(string) bool)
	if fn == nil {
		return false
	}
	return fn(id)
}

// Cost prices a completed call from reported token counts:
// uncached input, cached reads, cache writes, and output, each at its own
// per-million rate.
func (r *Registry) Cost(id string, uncachedIn, cachedIn, cacheWrite, out int) (Microcents, error) {
	t, ok := r.tiers[id]
	if !ok {
		return 0, fmt.Errorf("catalog: unknown tier %q", id)
	}
	total := tokenCost(uncachedIn, t.InputPer1M) +
		tokenCost(cachedIn, t.CachedInputPer1M) +
		tokenCost(cacheWrite, t.CacheWritePer1M) +
		tokenCost(out, t.OutputPer1M)
	return total, nil
}

// EstimateCost prices a prospective call assuming no cache traffic.
func (r *Registry) EstimateCost(id string, inputTokens, outputTokens int) (Microcents, error) {
	return r.Cost(id, inputTokens, 0, 0, outputTokens)
}

// EstimateTokens is the rough sizing heuristic used before a call is made:
// about four characters per token for English prose and code.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func tokenCost(tokens int, per1M Microcents) Microcents {
	if tokens <= 0 || per1M <= 0 {
		return 0
	}
	return Microcents(int64(tokens)) * per1M / 1_000_000
}
