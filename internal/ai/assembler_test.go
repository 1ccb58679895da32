package ai

import (
	"strings"
	"testing"

	"maestro/internal/catalog"
)

func TestDefaultMaxTokens(t *testing.T) {
	tests := []struct {
		category Category
		want     int
	}{
		{CategoryHeartbeat, 200},
		{CategoryParseCommand, 200},
		{CategorySummarize, 400},
		{CategoryQuery, 400},
		{CategoryChat, 800},
		{CategoryAnalysis, 1500},
		{CategoryCodeReview, 1500},
		{CategorySecurity, 2000},
		{CategoryCodeGeneration, 2500},
		{CategoryPlanning, 2500},
		{Category("unmapped"), 800},
	}
	for _, tt := range tests {
		if got := DefaultMaxTokens(tt.category); got != tt.want {
			t.Errorf("DefaultMaxTokens(%s) = %d, want %d", tt.category, got, tt.want)
		}
	}
}

func TestAssemble_ExplicitMaxTokensWins(t *testing.T) {
	a := NewPromptAssembler(true)
	tier := catalog.NewRegistry().MustGet(catalog.ClaudeSonnet45)

	pl := a.Assemble(&AIRequest{Content: "hi", Category: CategoryQuery, MaxTokens: 77}, tier)
	if pl.MaxTokens != 77 {
		t.Errorf("MaxTokens = %d, want 77", pl.MaxTokens)
	}

	pl = a.Assemble(&AIRequest{Content: "hi", Category: CategoryQuery}, tier)
	if pl.MaxTokens != 400 {
		t.Errorf("MaxTokens = %d, want category default 400", pl.MaxTokens)
	}
}

func TestAssemble_MessagesOrContent(t *testing.T) {
	a := NewPromptAssembler(false)
	tier := catalog.NewRegistry().MustGet(catalog.ClaudeHaiku45)

	pl := a.Assemble(&AIRequest{Content: "single turn", Category: CategoryChat}, tier)
	if len(pl.Messages) != 1 || pl.Messages[0].Role != RoleUser || pl.Messages[0].Content != "single turn" {
		t.Fatalf("single-turn messages = %+v", pl.Messages)
	}

	msgs := []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "second"},
	}
	pl = a.Assemble(&AIRequest{Content: "second", Messages: msgs, Category: CategoryChat}, tier)
	if len(pl.Messages) != 3 {
		t.Fatalf("turn list length = %d, want 3", len(pl.Messages))
	}
	if pl.Messages[2].Content != "second" {
		t.Errorf("last turn = %q", pl.Messages[2].Content)
	}
}

func TestAssemble_CacheMarker(t *testing.T) {
	tier := catalog.NewRegistry().MustGet(catalog.ClaudeSonnet45) // MinCacheTokens 1024
	bigSystem := strings.Repeat("x", 1024*4+4)                    // comfortably above the floor
	smallSystem := "You are terse."

	tests := []struct {
		name           string
		cachingEnabled bool
		enableCaching  bool
		system         string
		wantCache      bool
	}{
		{"all conditions met", true, true, bigSystem, true},
		{"process caching off", false, true, bigSystem, false},
		{"request caching off", true, false, bigSystem, false},
		{"system below floor", true, true, smallSystem, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewPromptAssembler(tt.cachingEnabled)
			pl := a.Assemble(&AIRequest{
				Content: "hi", Category: CategoryQuery,
				SystemPrompt: tt.system, EnableCaching: tt.enableCaching,
			}, tier)
			if len(pl.System) != 1 {
				t.Fatalf("system blocks = %d, want 1", len(pl.System))
			}
			if pl.System[0].Cache != tt.wantCache {
				t.Errorf("Cache = %v, want %v", pl.System[0].Cache, tt.wantCache)
			}
		})
	}
}

func TestAssemble_NoSystemBlockWithoutPrompt(t *testing.T) {
	a := NewPromptAssembler(true)
	tier := catalog.NewRegistry().MustGet(catalog.GPT41)
	pl := a.Assemble(&AIRequest{Content: "hi", Category: CategoryQuery, EnableCaching: true}, tier)
	if len(pl.System) != 0 {
		t.Errorf("system blocks = %d, want 0", len(pl.System))
	}
}

func TestEstimateRequestTokens(t *testing.T) {
	// 400 chars content -> 100 tokens, query output budget 400.
	req := &AIRequest{Content: strings.Repeat("a", 400), Category: CategoryQuery}
	if got := EstimateRequestTokens(req); got != 500 {
		t.Errorf("content-only estimate = %d, want 500", got)
	}

	// System 200 chars (50) + two turns of 100 chars each (25+25) + explicit 64.
	req = &AIRequest{
		SystemPrompt: strings.Repeat("s", 200),
		Messages: []Message{
			{Role: RoleUser, Content: strings.Repeat("u", 100)},
			{Role: RoleUser, Content: strings.Repeat("v", 100)},
		},
		Content:   strings.Repeat("v", 100),
		Category:  CategoryChat,
		MaxTokens: 64,
	}
	if got := EstimateRequestTokens(req); got != 50+25+25+64 {
		t.Errorf("turn-list estimate = %d, want %d", got, 50+25+25+64)
	}
}
