package ai

import (
	"errors"
	"math"
	"strings"
	"testing"

	"maestro/internal/catalog"
)

func TestClassifyComplexity_RuleOrder(t *testing.T) {
	multiline := func(s string) string { return s + "\nmore detail on a second line padding out the request body here." }

	tests := []struct {
		name     string
		content  string
		category Category
		want     Complexity
	}{
		{"one-liner is trivial", "What is 2+2?", CategoryQuery, ComplexityTrivial},
		// The trivial rule runs first, so a short one-liner mentioning a
		// sensitive keyword stays trivial.
		{"short auth mention still trivial", "fix auth", CategoryQuery, ComplexityTrivial},
		{"security category is critical", multiline("Review this handler for injection."), CategorySecurity, ComplexityCritical},
		{"production keyword is critical", multiline("The deploy touches Production infra."), CategoryChat, ComplexityCritical},
		{"password keyword is critical", multiline("Rotate the admin password everywhere."), CategoryQuery, ComplexityCritical},
		{"planning category is complex", multiline("Sketch a phased rollout."), CategoryPlanning, ComplexityComplex},
		{"code generation is complex", multiline("Write a parser for this grammar."), CategoryCodeGeneration, ComplexityComplex},
		{"very long content is complex", strings.Repeat("lorem ipsum dolor ", 80), CategoryChat, ComplexityComplex},
		{"three fenced blocks are complex", "see:\n```\na\n```\n```\nb\n```\n```\nc\n```", CategoryChat, ComplexityComplex},
		{"short query is simple", multiline("Which region serves EU traffic?"), CategoryQuery, ComplexitySimple},
		{"short summarize is simple", multiline("Condense the meeting notes."), CategorySummarize, ComplexitySimple},
		{"analysis falls to standard", multiline("Compare the two designs on cost and latency. "+strings.Repeat("pad ", 20)), CategoryAnalysis, ComplexityStandard},
		{"long chat is standard", multiline(strings.Repeat("tell me more ", 30)), CategoryChat, ComplexityStandard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyComplexity(tt.content, tt.category); got != tt.want {
				t.Errorf("ClassifyComplexity(%q, %s) = %s, want %s", tt.content, tt.category, got, tt.want)
			}
		})
	}
}

func scorerForTiers(available ...string) (*ValueScorer, *catalog.Registry) {
	cat := catalog.NewRegistry()
	set := make(map[string]bool, len(available))
	for _, id := range available {
		set[id] = true
	}
	cat.BindAvailability(func(id string) bool { return set[id] })
	return NewValueScorer(cat, DefaultWeights(), nil), cat
}

func TestScore_NoEligibleTier(t *testing.T) {
	s, _ := scorerForTiers() // nothing available
	_, err := s.Score(&AIRequest{Content: "hi", Category: CategoryQuery}, ComplexitySimple, ThrottleNormal)
	if !errors.Is(err, &Error{Code: ErrNoAvailableModels}) {
		t.Fatalf("err = %v, want %s", err, ErrNoAvailableModels)
	}
}

func TestScore_QualityWinsAtNormalPressure(t *testing.T) {
	// Two candidates at opposite corners: flash-lite is cheap and weak, opus
	// is expensive and strong. At normal pressure the quality weight carries.
	s, _ := scorerForTiers(catalog.GeminiFlashLite, catalog.ClaudeOpus46)

	sel, err := s.Score(&AIRequest{Content: "hi", Category: CategoryQuery}, ComplexitySimple, ThrottleNormal)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if sel.Tier.ID != catalog.ClaudeOpus46 {
		t.Errorf("selected %s, want %s", sel.Tier.ID, catalog.ClaudeOpus46)
	}
	if len(sel.Breakdown) != 2 {
		t.Errorf("breakdown rows = %d, want 2", len(sel.Breakdown))
	}
	if sel.Reasoning == "" {
		t.Error("reasoning must not be empty")
	}
}

func TestScore_PauseKeepsOnlyCheapestRank(t *testing.T) {
	s, cat := scorerForTiers(catalog.GeminiFlashLite, catalog.ClaudeHaiku45, catalog.ClaudeOpus46, catalog.GPT41)

	sel, err := s.Score(&AIRequest{Content: "hi", Category: CategoryQuery}, ComplexitySimple, ThrottlePause)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	for _, row := range sel.Breakdown {
		if tier := cat.MustGet(row.Tier); tier.Rank != 1 {
			t.Errorf("tier %s (rank %d) must be excluded at pause", tier.ID, tier.Rank)
		}
	}
}

func TestScore_SecurityFloor(t *testing.T) {
	s, cat := scorerForTiers(
		catalog.GeminiFlashLite, catalog.ClaudeHaiku45,
		catalog.ClaudeSonnet45, catalog.ClaudeOpus46, catalog.Grok4,
	)

	sel, err := s.Score(&AIRequest{Content: "hi", Category: CategorySecurity, SecuritySensitive: true},
		ComplexityCritical, ThrottleNormal)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	for _, row := range sel.Breakdown {
		if tier := cat.MustGet(row.Tier); tier.Quality < catalog.SecurityFloorQuality {
			t.Errorf("tier %s (quality %d) is below the security floor", tier.ID, tier.Quality)
		}
	}
}

func TestScore_SecuritySensitiveSurvivesPause(t *testing.T) {
	// Sonnet is rank 2; the pause rank filter must not apply when the
	// security floor already constrains the set.
	s, _ := scorerForTiers(catalog.ClaudeSonnet45)

	sel, err := s.Score(&AIRequest{Content: "hi", Category: CategorySecurity, SecuritySensitive: true},
		ComplexityCritical, ThrottlePause)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if sel.Tier.ID != catalog.ClaudeSonnet45 {
		t.Errorf("selected %s, want %s", sel.Tier.ID, catalog.ClaudeSonnet45)
	}
}

func TestScore_SecurityFloorCanEmptyTheSet(t *testing.T) {
	s, _ := scorerForTiers(catalog.GeminiFlashLite, catalog.ClaudeHaiku45)
	_, err := s.Score(&AIRequest{Content: "hi", Category: CategorySecurity, SecuritySensitive: true},
		ComplexityCritical, ThrottleNormal)
	if !errors.Is(err, &Error{Code: ErrNoAvailableModels}) {
		t.Fatalf("err = %v, want %s", err, ErrNoAvailableModels)
	}
}

func TestScore_DegradedProviderPenalized(t *testing.T) {
	cat := catalog.NewRegistry()
	available := map[string]bool{catalog.ClaudeSonnet45: true, catalog.GeminiPro: true}
	cat.BindAvailability(func(id string) bool { return available[id] })

	// Both tiers have quality 8. With Anthropic down, Gemini must win.
	s := NewValueScorer(cat, DefaultWeights(), func(p catalog.ProviderID) HealthState {
		if p == catalog.ProviderAnthropic {
			return HealthDown
		}
		return HealthHealthy
	})

	sel, err := s.Score(&AIRequest{Content: "hi", Category: CategoryQuery}, ComplexitySimple, ThrottleNormal)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if sel.Tier.ID != catalog.GeminiPro {
		t.Errorf("selected %s, want %s with anthropic down", sel.Tier.ID, catalog.GeminiPro)
	}
	for _, row := range sel.Breakdown {
		if row.Tier == catalog.ClaudeSonnet45 && row.BreakerPenalty != 1.0 {
			t.Errorf("BreakerPenalty = %v, want 1.0 for a down provider", row.BreakerPenalty)
		}
	}
}

func TestRecordQuality_EWMA(t *testing.T) {
	s, _ := scorerForTiers(catalog.ClaudeHaiku45)

	if h := s.historyFor(catalog.ClaudeHaiku45); h != 0.7 {
		t.Fatalf("default history = %v, want 0.7", h)
	}

	s.RecordQuality(catalog.ClaudeHaiku45, 0.9)
	if h := s.historyFor(catalog.ClaudeHaiku45); h != 0.9 {
		t.Fatalf("first observation = %v, want raw 0.9", h)
	}

	s.RecordQuality(catalog.ClaudeHaiku45, 0.5)
	if h := s.historyFor(catalog.ClaudeHaiku45); math.Abs(h-0.78) > 1e-9 {
		t.Fatalf("smoothed history = %v, want 0.78", h)
	}
}

func TestBudgetPressure(t *testing.T) {
	tests := []struct {
		level ThrottleLevel
		want  float64
	}{
		{ThrottleNormal, 2},
		{ThrottleWarning, 5},
		{ThrottleReduce, 8},
		{ThrottlePause, 10},
	}
	for _, tt := range tests {
		if got := budgetPressure(tt.level); got != tt.want {
			t.Errorf("budgetPressure(%s) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
