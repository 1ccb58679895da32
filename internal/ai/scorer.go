package ai

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"maestro/internal/catalog"
)

// ClassifyComplexity applies the rule ladder to a request's content and
// category. Rules are checked in order; the first hit wins.
func ClassifyComplexity(content string, category Category) Complexity {
	fenceMarks := strings.Count(content, "```")

	if len(content) < 80 && !strings.Contains(content, "\n") && fenceMarks == 0 {
		return ComplexityTrivial
	}
	if category == CategorySecurity || containsAny(strings.ToLower(content),
		"production", "billing", "auth", "password") {
		return ComplexityCritical
	}
	if len(content) > 1200 || fenceMarks/2 >= 3 ||
		category == CategoryPlanning || category == CategoryCodeGeneration || category == CategoryCodeReview {
		return ComplexityComplex
	}
	if len(content) < 300 &&
		(category == CategoryQuery || category == CategoryChat || category == CategorySummarize) {
		return ComplexitySimple
	}
	return ComplexityStandard
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Weights parameterizes the value score. Positive-sign weights (quality,
// history) sum to 1, as do negative-sign weights (cost, latency, budget,
// circuit).
type Weights struct {
	Quality float64 `yaml:"quality"`
	History float64 `yaml:"history"`
	Cost    float64 `yaml:"cost"`
	Latency float64 `yaml:"latency"`
	Budget  float64 `yaml:"budget"`
	Circuit float64 `yaml:"circuit"`
}

// DefaultWeights is the stock weighting.
func DefaultWeights() Weights {
	return Weights{
		Quality: 0.75, History: 0.25,
		Cost: 0.40, Latency: 0.15, Budget: 0.25, Circuit: 0.20,
	}
}

// TierScore is one row of the scorer's per-tier breakdown.
type TierScore struct {
	Tier           string             `json:"tier"`
	Score          float64            `json:"score"`
	Quality        float64            `json:"quality"`
	Cost           float64            `json:"cost"`
	Latency        float64            `json:"latency"`
	History        float64            `json:"history"`
	BudgetPenalty  float64            `json:"budget_penalty"`
	BreakerPenalty float64            `json:"breaker_penalty"`
	EstimatedCost  catalog.Microcents `json:"estimated_cost_microcents"`
}

// Selection is the scorer's verdict for one request.
type Selection struct {
	Tier          *catalog.ModelTier
	Score         float64
	Breakdown     []TierScore
	Reasoning     string
	EstimatedCost catalog.Microcents
	Complexity    Complexity
}

// ValueScorer picks a tier for a request by weighing normalized quality,
// cost, and latency against per-tier history, budget pressure, and provider
// health. History is an EWMA of observed quality per tier, fed back by the
// orchestrator after each evaluation.
type ValueScorer struct {
	catalog *catalog.Registry
	weights Weights
	// health reports the serving provider's ladder state; nil means all
	// healthy (tests).
	health func(catalog.ProviderID) HealthState

	mu      sync.Mutex
	history map[string]float64
}

func NewValueScorer(cat *catalog.Registry, weights Weights, health func(catalog.ProviderID) HealthState) *ValueScorer {
	return &ValueScorer{
		catalog: cat,
		weights: weights,
		health:  health,
		history: make(map[string]float64),
	}
}

// RecordQuality folds an observed quality score into the tier's history.
func (s *ValueScorer) RecordQuality(tierID string, quality float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.history[tierID]
	if !ok {
		s.history[tierID] = quality
		return
	}
	s.history[tierID] = 0.7*prev + 0.3*quality
}

func (s *ValueScorer) historyFor(tierID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.history[tierID]; ok {
		return h
	}
	return 0.7
}

// budgetPressure maps the throttle level onto the 1-10 pressure scale.
func budgetPressure(level ThrottleLevel) float64 {
	switch level {
	case ThrottleWarning:
		return 5
	case ThrottleReduce:
		return 8
	case ThrottlePause:
		return 10
	}
	return 2
}

// Score selects a tier for a validated request under the current throttle
// level. Security-sensitive requests only consider tiers at or above the
// Sonnet-class quality floor, even when the budget is paused; an empty
// candidate set is ErrNoAvailableModels.
func (s *ValueScorer) Score(req *AIRequest, complexity Complexity, level ThrottleLevel) (*Selection, error) {
	estTokens := EstimateRequestTokens(req)
	estOut := req.MaxTokens
	if estOut <= 0 {
		estOut = DefaultMaxTokens(req.Category)
	}
	estIn := estTokens - estOut

	var candidates []*catalog.ModelTier
	for _, t := range s.catalog.All() {
		if !s.catalog.IsAvailable(t.ID) {
			continue
		}
		if req.SecuritySensitive && t.Quality < catalog.SecurityFloorQuality {
			continue
		}
		// At pause only the cheapest rank of each family stays eligible,
		// unless the security floor already constrains the set.
		if level == ThrottlePause && !req.SecuritySensitive && t.Rank != 1 {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, newError(ErrNoAvailableModels, StageSelect, "no eligible tier for request")
	}

	pressure := budgetPressure(level)
	w := s.weights

	type scored struct {
		tier *catalog.ModelTier
		row  TierScore
	}

	// Normalize quality, cost, and latency across the candidate set.
	var minQ, maxQ, minL, maxL float64
	var minC, maxC catalog.Microcents
	costs := make(map[string]catalog.Microcents, len(candidates))
	for i, t := range candidates {
		est, _ := s.catalog.EstimateCost(t.ID, estIn, estOut)
		costs[t.ID] = est
		q, l := float64(t.Quality), float64(t.AvgLatencyMS)
		if i == 0 {
			minQ, maxQ, minL, maxL, minC, maxC = q, q, l, l, est, est
			continue
		}
		minQ, maxQ = minFloat(minQ, q), maxFloat(maxQ, q)
		minL, maxL = minFloat(minL, l), maxFloat(maxL, l)
		if est < minC {
			minC = est
		}
		if est > maxC {
			maxC = est
		}
	}
	norm := func(v, lo, hi float64) float64 {
		if hi <= lo {
			return 0
		}
		return (v - lo) / (hi - lo)
	}

	rows := make([]scored, 0, len(candidates))
	for _, t := range candidates {
		est := costs[t.ID]
		qualNorm := norm(float64(t.Quality), minQ, maxQ)
		costNorm := norm(float64(est), float64(minC), float64(maxC))
		latNorm := norm(float64(t.AvgLatencyMS), minL, maxL)
		hist := s.historyFor(t.ID)

		// Pressure penalty scales with the tier's relative price as the
		// budget tightens.
		budgetPenalty := costNorm * pressure / 10

		breakerPenalty := 0.0
		if s.health != nil {
			switch s.health(t.Provider) {
			case HealthDegraded:
				breakerPenalty = 0.5
			case HealthDown:
				breakerPenalty = 1.0
			}
		}

		score := w.Quality*qualNorm + w.History*hist -
			w.Cost*costNorm - w.Latency*latNorm -
			w.Budget*budgetPenalty - w.Circuit*breakerPenalty

		rows = append(rows, scored{tier: t, row: TierScore{
			Tier:           t.ID,
			Score:          score,
			Quality:        qualNorm,
			Cost:           costNorm,
			Latency:        latNorm,
			History:        hist,
			BudgetPenalty:  budgetPenalty,
			BreakerPenalty: breakerPenalty,
			EstimatedCost:  est,
		}})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].row.Score > rows[j].row.Score })

	best := rows[0]
	breakdown := make([]TierScore, len(rows))
	for i, r := range rows {
		breakdown[i] = r.row
	}

	return &Selection{
		Tier:          best.tier,
		Score:         best.row.Score,
		Breakdown:     breakdown,
		Reasoning:     reasoningFor(best.row, w, complexity, level),
		EstimatedCost: best.row.EstimatedCost,
		Complexity:    complexity,
	}, nil
}

// reasoningFor names the dominant contributions of the winning row.
func reasoningFor(row TierScore, w Weights, complexity Complexity, level ThrottleLevel) string {
	type term struct {
		name  string
		value float64
	}
	terms := []term{
		{"quality", w.Quality * row.Quality},
		{"history", w.History * row.History},
		{"cost", w.Cost * row.Cost},
		{"latency", w.Latency * row.Latency},
		{"budget_pressure", w.Budget * row.BudgetPenalty},
		{"provider_health", w.Circuit * row.BreakerPenalty},
	}
	sort.SliceStable(terms, func(i, j int) bool { return terms[i].value > terms[j].value })

	dominant := make([]string, 0, 2)
	for _, t := range terms[:2] {
		dominant = append(dominant, fmt.Sprintf("%s=%.2f", t.name, t.value))
	}
	return fmt.Sprintf("%s selected (score %.3f, complexity %s, throttle %s; dominant: %s)",
		row.Tier, row.Score, complexity, level, strings.Join(dominant, ", "))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
