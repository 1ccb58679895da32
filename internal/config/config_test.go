package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/catalog"
)

func TestLoadDefaults(t *testing.T) {
	// Blank out anything the host environment might carry.
	for _, key := range []string{
		"PORT", "AI_ORCHESTRATOR_ENABLED", "AI_PROMPT_CACHING_ENABLED",
		"AI_GOVERNANCE_ENABLED", "AI_QUALITY_ESCALATION_ENABLED",
		"AI_RESPONSE_CACHE_ENABLED", "AI_DAILY_BUDGET_USD", "AI_MONTHLY_BUDGET_USD",
		"AI_BUDGET_WARNING_PCT", "AI_BUDGET_REDUCE_PCT", "AI_GOVERNANCE_TIMEOUT_MS",
		"ANTHROPIC_TIMEOUT_MS", "ANTHROPIC_MAX_RETRIES", "ANTHROPIC_ENABLED", "ANTHROPIC_RPS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, 8090, cfg.Port)
	assert.True(t, cfg.OrchestratorEnabled)
	assert.True(t, cfg.PromptCaching)
	assert.False(t, cfg.GovernanceEnabled)
	assert.True(t, cfg.QualityEscalation)
	assert.False(t, cfg.ResponseCacheEnabled)

	assert.Equal(t, catalog.FromDollars(25), cfg.DailyBudget)
	assert.Equal(t, catalog.FromDollars(300), cfg.MonthlyBudget)
	assert.InDelta(t, 0.75, cfg.BudgetWarningPct, 1e-9)
	assert.InDelta(t, 0.90, cfg.BudgetReducePct, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.GovernanceTimeout)

	anthropic := cfg.Providers[catalog.ProviderAnthropic]
	assert.Equal(t, 60000, anthropic.TimeoutMS)
	assert.Equal(t, 2, anthropic.MaxRetries)
	assert.True(t, anthropic.Enabled)
	assert.InDelta(t, 10.0, anthropic.RPS, 1e-9)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("AI_ORCHESTRATOR_ENABLED", "false")
	t.Setenv("AI_DAILY_BUDGET_USD", "2.50")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("ANTHROPIC_PRIORITY", "50")
	t.Setenv("OPENAI_ENABLED", "false")

	cfg := Load()
	assert.False(t, cfg.OrchestratorEnabled)
	assert.Equal(t, catalog.FromDollars(2.50), cfg.DailyBudget)
	assert.Equal(t, "sk-ant-test", cfg.Providers[catalog.ProviderAnthropic].APIKey)
	assert.Equal(t, 50, cfg.Providers[catalog.ProviderAnthropic].Priority)
	assert.False(t, cfg.Providers[catalog.ProviderOpenAI].Enabled)
}

func TestNormalizeAPIKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain key untouched", "sk-ant-abc123", "sk-ant-abc123"},
		{"surrounding whitespace trimmed", "  sk-test  ", "sk-test"},
		{"quotes stripped", `"sk-test"`, "sk-test"},
		{"single quotes stripped", "'sk-test'", "sk-test"},
		{"bearer prefix stripped", "Bearer sk-test", "sk-test"},
		{"trailing newline escaped in env file", "sk-test\n", "sk-test"},
		{"control characters removed", "sk-\r\ntest\t", "sk-test"},
		{"empty stays empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeAPIKey(tt.in))
		})
	}
}

func TestValidateSecretsRequiresOneKey(t *testing.T) {
	cfg := Load()
	for id, p := range cfg.Providers {
		p.APIKey = ""
		cfg.Providers[id] = p
	}
	assert.Error(t, cfg.ValidateSecrets())

	p := cfg.Providers[catalog.ProviderAnthropic]
	p.APIKey = "sk-ant-test"
	p.Enabled = true
	cfg.Providers[catalog.ProviderAnthropic] = p
	assert.NoError(t, cfg.ValidateSecrets())
}

func TestLoadChainsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `
chains:
  frugal:
    - model: gemini-2.5-flash-lite
      threshold: 0.8
    - model: claude-sonnet-4.5
      threshold: 0
weights:
  quality: 0.6
  history: 0.4
  cost: 0.5
  latency: 0.1
  budget: 0.2
  circuit: 0.2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := &Config{ChainsFile: path}
	override, err := cfg.LoadChainsFile()
	require.NoError(t, err)
	require.NotNil(t, override)

	require.Len(t, override.Chains["frugal"], 2)
	assert.Equal(t, "gemini-2.5-flash-lite", override.Chains["frugal"][0].Model)
	assert.InDelta(t, 0.8, override.Chains["frugal"][0].Threshold, 1e-9)
	require.NotNil(t, override.Weights)
	assert.InDelta(t, 0.6, override.Weights.Quality, 1e-9)
}

func TestLoadChainsFileMissingPathIsNil(t *testing.T) {
	cfg := &Config{}
	override, err := cfg.LoadChainsFile()
	assert.NoError(t, err)
	assert.Nil(t, override)
}

func TestIsDevelopment(t *testing.T) {
	assert.True(t, (&Config{Environment: "development"}).IsDevelopment())
	assert.True(t, (&Config{Environment: "Development"}).IsDevelopment())
	assert.False(t, (&Config{Environment: "production"}).IsDevelopment())
}
