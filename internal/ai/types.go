// Package ai is the orchestration core: a uniform completion contract over
// four upstream providers (Anthropic, OpenAI, Google, xAI), a value scorer
// that picks a tier under budget pressure, a heuristic response evaluator
// with one-shot quality escalation, a cheap-first cascade mode, and the
// orchestrator pipeline that ties them together behind Execute().
package ai

import (
	"context"
	"time"

	"github.com/google/uuid"

	"maestro/internal/catalog"
)

// Category classifies what a request is for. Closed set; validation rejects
// anything else.
type Category string

const (
	CategoryCodeGeneration Category = "code_generation"
	CategoryCodeReview     Category = "code_review"
	CategorySecurity       Category = "security"
	CategoryPlanning       Category = "planning"
	CategoryAnalysis       Category = "analysis"
	CategoryChat           Category = "chat"
	CategoryQuery          Category = "query"
	CategorySummarize      Category = "summarize"
	CategoryParseCommand   Category = "parse_command"
	CategoryHeartbeat      Category = "heartbeat"
)

var validCategories = map[Category]bool{
	CategoryCodeGeneration: true, CategoryCodeReview: true, CategorySecurity: true,
	CategoryPlanning: true, CategoryAnalysis: true, CategoryChat: true,
	CategoryQuery: true, CategorySummarize: true, CategoryParseCommand: true,
	CategoryHeartbeat: true,
}

// Valid reports whether c is in the closed category set.
func (c Category) Valid() bool { return validCategories[c] }

// Priority orders requests when the budget throttles.
type Priority string

const (
	PriorityUrgent     Priority = "URGENT"
	PriorityStandard   Priority = "STANDARD"
	PriorityBackground Priority = "BACKGROUND"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityUrgent || p == PriorityStandard || p == PriorityBackground
}

// TrustLevel tags the requesting agent. Opaque to the pipeline; carried
// through to events and the spend ledger.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustStandard  TrustLevel = "standard"
	TrustUntrusted TrustLevel = "untrusted"
)

// Complexity is the classifier's judgement of how hard a request is.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
	ComplexityCritical Complexity = "critical"
)

// FinishReason is the normalized upstream stop cause. Unknown upstream
// values map to FinishStop.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishToolUse   FinishReason = "tool_use"
	FinishError     FinishReason = "error"
)

// ThrottleLevel is the budget health indicator owned by the cost tracker.
// The core reads it, never mutates it.
type ThrottleLevel string

const (
	ThrottleNormal  ThrottleLevel = "normal"
	ThrottleWarning ThrottleLevel = "warning"
	ThrottleReduce  ThrottleLevel = "reduce"
	ThrottlePause   ThrottleLevel = "pause"
)

// Role is a conversation message role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// AIRequest is the single input to Execute. It is validated once and never
// mutated afterwards.
//
// Content always carries the current user ask. When Messages is present it
// is the full turn list of an ongoing conversation, its last entry must be
// the user turn, and Content mirrors that final turn (the chat wrapper
// maintains this).
type AIRequest struct {
	RequestID         string     `json:"request_id,omitempty"`
	Content           string     `json:"content"`
	SystemPrompt      string     `json:"system_prompt,omitempty"`
	Messages          []Message  `json:"messages,omitempty"`
	Category          Category   `json:"category"`
	Agent             string     `json:"agent,omitempty"`
	TrustLevel        TrustLevel `json:"trust_level,omitempty"`
	Priority          Priority   `json:"priority,omitempty"`
	EnableCaching     bool       `json:"enable_caching,omitempty"`
	SecuritySensitive bool       `json:"security_sensitive,omitempty"`
	MaxTokens         int        `json:"max_tokens,omitempty"`
	Temperature       float64    `json:"temperature,omitempty"`
}

// Validate checks the request schema and fills defaults (request id,
// priority). Validating an already-valid request changes nothing.
func (r *AIRequest) Validate() error {
	if r == nil {
		return newError(ErrInvalidRequest, StageValidate, "nil request")
	}
	if r.Content == "" {
		return newError(ErrInvalidRequest, StageValidate, "content is required")
	}
	if !r.Category.Valid() {
		return newErrorf(ErrInvalidRequest, StageValidate, "unknown category %q", r.Category)
	}
	if r.Priority == "" {
		r.Priority = PriorityStandard
	}
	if !r.Priority.Valid() {
		return newErrorf(ErrInvalidRequest, StageValidate, "unknown priority %q", r.Priority)
	}
	if len(r.Messages) > 0 {
		for i, m := range r.Messages {
			if m.Role != RoleUser && m.Role != RoleAssistant {
				return newErrorf(ErrInvalidRequest, StageValidate, "message %d has role %q", i, m.Role)
			}
		}
		if r.Messages[len(r.Messages)-1].Role != RoleUser {
			return newError(ErrInvalidRequest, StageValidate, "last message must be a user turn")
		}
	}
	if r.MaxTokens < 0 {
		return newError(ErrInvalidRequest, StageValidate, "max_tokens must be non-negative")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return newError(ErrInvalidRequest, StageValidate, "temperature must be in [0,2]")
	}
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	return nil
}

// AIResponse is the uniform completion result.
type AIResponse struct {
	RequestID string             `json:"request_id"`
	Content   string             `json:"content"`
	Model     string             `json:"model"`
	Provider  catalog.ProviderID `json:"provider"`

	// InputTokens is the full prompt size the upstream processed:
	// uncached reads, cached reads, and cache writes combined. The split
	// fields below carry the billing detail.
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
	CacheWriteTokens  int `json:"cache_write_tokens,omitempty"`

	Cost               catalog.Microcents `json:"cost_microcents"`
	DurationMS         int64              `json:"duration_ms"`
	Cached             bool               `json:"cached"`
	QualityScore       float64            `json:"quality_score"`
	Escalated          bool               `json:"escalated"`
	EscalationReason   string             `json:"escalation_reason,omitempty"`
	GovernanceApproved bool               `json:"governance_approved,omitempty"`
	FinishReason       FinishReason       `json:"finish_reason"`
	CreatedAt          time.Time          `json:"created_at"`
}

// CostDollars converts the microcent cost at the reporting boundary.
func (r *AIResponse) CostDollars() float64 { return r.Cost.Dollars() }

// SystemBlock is one system prompt segment; Cache marks it for the
// provider's ephemeral prompt cache.
type SystemBlock struct {
	Text  string
	Cache bool
}

// Payload is the provider-neutral upstream request built by the assembler.
type Payload struct {
	Tier        *catalog.ModelTier
	System      []SystemBlock
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Completion is the raw provider result. Token counts only; the provider
// registry prices them from the catalog.
type Completion struct {
	Content string
	// UpstreamModel echoes the provider's model string for diagnostics.
	UpstreamModel string
	// InputTokens counts uncached input only.
	InputTokens       int
	CachedInputTokens int
	CacheWriteTokens  int
	OutputTokens      int
	FinishReason      FinishReason
	DurationMS        int64
}

// StreamChunkType enumerates streaming record kinds.
type StreamChunkType string

const (
	ChunkTextDelta StreamChunkType = "text_delta"
	ChunkToolCall  StreamChunkType = "tool_call"
	ChunkDone      StreamChunkType = "done"
)

// StreamChunk is one record of a streamed completion. The sequence is
// finite and ends with a ChunkDone record; Err is only ever set on the
// final record.
type StreamChunk struct {
	Type StreamChunkType
	Text string
	Tool *ToolCall
	Err  error
}

// ToolCall is a streamed tool invocation request.
type ToolCall struct {
	Name string
	Args string
}

// ConnectionTest is the result of a minimal upstream probe.
type ConnectionTest struct {
	Connected bool   `json:"connected"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthState is the provider health ladder value.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// CircuitState is the breaker state, shared by the orchestrator-level
// breaker and each provider's internal mirror.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
	CircuitOpen     CircuitState = "OPEN"
)

// HealthStatus is a provider's self-reported health snapshot.
type HealthStatus struct {
	Status              HealthState  `json:"status"`
	LastCheckAt         time.Time    `json:"last_check_at"`
	LastSuccessAt       time.Time    `json:"last_success_at"`
	LatencyMS           int64        `json:"latency_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	CircuitBreakerState CircuitState `json:"circuit_breaker_state"`
}

// BudgetDecision is the cost tracker's answer to a pre-flight check.
type BudgetDecision struct {
	Allowed   bool               `json:"allowed"`
	Reason    string             `json:"reason,omitempty"`
	Level     ThrottleLevel      `json:"level"`
	Limit     catalog.Microcents `json:"limit_microcents,omitempty"`
	Spent     catalog.Microcents `json:"spent_microcents,omitempty"`
	Remaining catalog.Microcents `json:"remaining_microcents,omitempty"`
}

// UsageRecord is what the orchestrator reports to the cost tracker, once
// per upstream call actually made.
type UsageRecord struct {
	RequestID         string
	Operation         string
	Agent             string
	Provider          catalog.ProviderID
	Model             string
	InputTokens       int
	CachedInputTokens int
	CacheWriteTokens  int
	OutputTokens      int
	Cost              catalog.Microcents
}

// CostTracker is the budget collaborator. The orchestration core reads its
// throttle level and reports usage; it never mutates budget state directly.
type CostTracker interface {
	// CanProceed is the step-3 gate. estimatedTokens is the pre-selection
	// sizing guess (input estimate plus the category's output budget).
	CanProceed(ctx context.Context, estimatedTokens int, priority Priority) BudgetDecision
	Track(ctx context.Context, usage UsageRecord) error
	ThrottleLevel() ThrottleLevel
	Shutdown(ctx context.Context) error
}

// GovernanceDecision is an approval verdict.
type GovernanceDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Approver string `json:"approver,omitempty"`
}

// Governance approves or rejects expensive or high-impact calls before the
// upstream request is made. Optional; when required but absent, requests
// are denied.
type Governance interface {
	RequestApproval(ctx context.Context, req *AIRequest, estimatedCost catalog.Microcents, tier *catalog.ModelTier) (GovernanceDecision, error)
}

// ResponseCache is the optional idempotent-response cache consulted before
// the upstream call for cache-friendly categories.
type ResponseCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key string, content string, ttl time.Duration)
}

// FeatureFlags is the enumerated configuration surface of the orchestrator.
type FeatureFlags struct {
	Enabled              bool `json:"enabled"`
	CachingEnabled       bool `json:"caching_enabled"`
	GovernanceEnabled    bool `json:"governance_enabled"`
	EscalationEnabled    bool `json:"escalation_enabled"`
	ResponseCacheEnabled bool `json:"response_cache_enabled"`
}

// ParsedCommand is the best-effort decode of a parse_command completion.
type ParsedCommand struct {
	Intent     string         `json:"intent"`
	Entities   map[string]any `json:"entities"`
	Confidence float64        `json:"confidence"`
	Raw        string         `json:"raw"`
}
