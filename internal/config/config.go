// Package config reads the process environment into one typed Config and
// validates the secret inventory at startup. Values are read once; nothing
// here re-reads the environment after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"maestro/internal/catalog"
	"maestro/internal/logging"
)

// ProviderConfig is the per-upstream slice of the environment.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	TimeoutMS  int
	MaxRetries int
	Priority   int
	Enabled    bool
	RPS        float64
}

// Config is the full runtime configuration.
type Config struct {
	Environment string
	Port        int

	// Feature flags
	OrchestratorEnabled  bool
	PromptCaching        bool
	GovernanceEnabled    bool
	QualityEscalation    bool
	ResponseCacheEnabled bool

	// Providers, keyed by catalog provider id.
	Providers map[catalog.ProviderID]ProviderConfig

	// Budget
	DailyBudget      catalog.Microcents
	MonthlyBudget    catalog.Microcents
	BudgetWarningPct float64
	BudgetReducePct  float64

	// Governance
	GovernanceCostThreshold catalog.Microcents
	GovernanceTimeout       time.Duration

	// Façade auth
	APIKey     string
	APIKeyHash string
	JWTSecret  string

	// Storage
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Cascade chain / scorer weight overrides.
	ChainsFile string

	// Spend export
	SpendExportBucket string
}

// Load reads the environment into a Config. Call after godotenv has run.
func Load() *Config {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "production"),
		Port:        getEnvInt("PORT", 8090),

		OrchestratorEnabled:  getEnvBool("AI_ORCHESTRATOR_ENABLED", true),
		PromptCaching:        getEnvBool("AI_PROMPT_CACHING_ENABLED", true),
		GovernanceEnabled:    getEnvBool("AI_GOVERNANCE_ENABLED", false),
		QualityEscalation:    getEnvBool("AI_QUALITY_ESCALATION_ENABLED", true),
		ResponseCacheEnabled: getEnvBool("AI_RESPONSE_CACHE_ENABLED", false),

		Providers: map[catalog.ProviderID]ProviderConfig{
			catalog.ProviderAnthropic: loadProvider("ANTHROPIC", 1),
			catalog.ProviderOpenAI:    loadProvider("OPENAI", 2),
			catalog.ProviderGoogle:    loadProvider("GEMINI", 3),
			catalog.ProviderXAI:       loadProvider("XAI", 4),
		},

		DailyBudget:      catalog.FromDollars(getEnvFloat("AI_DAILY_BUDGET_USD", 25)),
		MonthlyBudget:    catalog.FromDollars(getEnvFloat("AI_MONTHLY_BUDGET_USD", 300)),
		BudgetWarningPct: getEnvFloat("AI_BUDGET_WARNING_PCT", 0.75),
		BudgetReducePct:  getEnvFloat("AI_BUDGET_REDUCE_PCT", 0.90),

		GovernanceCostThreshold: catalog.FromDollars(getEnvFloat("AI_GOVERNANCE_COST_THRESHOLD_USD", 0.50)),
		GovernanceTimeout:       time.Duration(getEnvInt("AI_GOVERNANCE_TIMEOUT_MS", 30000)) * time.Millisecond,

		APIKey:     os.Getenv("AI_API_KEY"),
		APIKeyHash: os.Getenv("AI_API_KEY_HASH"),
		JWTSecret:  os.Getenv("AI_JWT_SECRET"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("AI_SQLITE_PATH", "maestro.db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		ChainsFile:        os.Getenv("AI_CHAINS_FILE"),
		SpendExportBucket: os.Getenv("AI_SPEND_EXPORT_BUCKET"),
	}
	return cfg
}

func loadProvider(prefix string, defaultPriority int) ProviderConfig {
	return ProviderConfig{
		APIKey:     normalizeAPIKey(os.Getenv(prefix + "_API_KEY")),
		BaseURL:    os.Getenv(prefix + "_BASE_URL"),
		TimeoutMS:  getEnvInt(prefix+"_TIMEOUT_MS", 60000),
		MaxRetries: getEnvInt(prefix+"_MAX_RETRIES", 2),
		Priority:   getEnvInt(prefix+"_PRIORITY", defaultPriority),
		Enabled:    getEnvBool(prefix+"_ENABLED", true),
		RPS:        getEnvFloat(prefix+"_RPS", 10),
	}
}

// ValidateSecrets logs the provider-key inventory (presence only, never
// values) and errors when no upstream key is configured at all.
func (c *Config) ValidateSecrets() error {
	log := logging.L().Named("config")
	configured := 0
	for id, p := range c.Providers {
		has := p.APIKey != "" && p.Enabled
		if has {
			configured++
		}
		log.Info("provider key inventory",
			zap.String("provider", string(id)),
			zap.Bool("key_present", p.APIKey != ""),
			zap.Bool("enabled", p.Enabled))
	}
	if configured == 0 {
		return fmt.Errorf("config: no enabled provider has an API key configured")
	}
	if c.APIKey == "" && c.APIKeyHash == "" && c.JWTSecret == "" {
		log.Warn("no facade auth configured, API is open")
	}
	return nil
}

// ChainStep is one YAML cascade step override.
type ChainStep struct {
	Model     string  `yaml:"model"`
	Threshold float64 `yaml:"threshold"`
}

// ScorerWeights overrides the value scorer's weighting when set.
type ScorerWeights struct {
	Quality float64 `yaml:"quality"`
	History float64 `yaml:"history"`
	Cost    float64 `yaml:"cost"`
	Latency float64 `yaml:"latency"`
	Budget  float64 `yaml:"budget"`
	Circuit float64 `yaml:"circuit"`
}

// ChainsOverride is the shape of the optional chains file.
type ChainsOverride struct {
	Chains  map[string][]ChainStep `yaml:"chains"`
	Weights *ScorerWeights         `yaml:"weights"`
}

// LoadChainsFile parses the YAML override file. Missing path returns nil.
func (c *Config) LoadChainsFile() (*ChainsOverride, error) {
	if c.ChainsFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.ChainsFile)
	if err != nil {
		return nil, fmt.Errorf("config: read chains file: %w", err)
	}
	var out ChainsOverride
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("config: parse chains file: %w", err)
	}
	return &out, nil
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// normalizeAPIKey cleans the formatting noise that keys picked up from copy
// paste or quoting in env files tend to carry: surrounding quotes, a stray
// "Bearer " prefix, and control characters that would corrupt the
// Authorization header.
func normalizeAPIKey(raw string) string {
	key := strings.TrimSpace(raw)
	key = strings.Trim(key, `"'`)
	if len(key) > 7 && strings.EqualFold(key[:7], "bearer ") {
		key = strings.TrimSpace(key[7:])
	}
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		if c := key[i]; c > 32 && c < 127 {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
