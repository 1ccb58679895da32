// Package spend is the persistent ledger behind the cost tracker: one row
// per upstream call, keyed by day and month for fast budget windows, plus
// configurable budget caps and CSV/S3 export of a month's activity.
package spend

import (
	"time"

	"maestro/internal/catalog"
)

// SpendEvent is a GORM model for the spend_events table. Costs are stored
// in integer microcents; dollars only appear at the reporting boundary.
type SpendEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	RequestID string `gorm:"index:idx_spend_request" json:"request_id"`
	Agent     string `gorm:"index:idx_spend_agent" json:"agent,omitempty"`
	Operation string `json:"operation,omitempty"`
	Provider  string `gorm:"not null" json:"provider"`
	Model     string `gorm:"not null;index:idx_spend_model" json:"model"`

	InputTokens       int `gorm:"not null;default:0" json:"input_tokens"`
	CachedInputTokens int `gorm:"not null;default:0" json:"cached_input_tokens"`
	CacheWriteTokens  int `gorm:"not null;default:0" json:"cache_write_tokens"`
	OutputTokens      int `gorm:"not null;default:0" json:"output_tokens"`

	CostMicrocents int64 `gorm:"not null;default:0" json:"cost_microcents"`

	DayKey   string `gorm:"not null;index:idx_spend_day" json:"day_key"`
	MonthKey string `gorm:"not null;index:idx_spend_month" json:"month_key"`
}

func (SpendEvent) TableName() string { return "spend_events" }

// Cost returns the row's cost as Microcents.
func (e *SpendEvent) Cost() catalog.Microcents { return catalog.Microcents(e.CostMicrocents) }

// BudgetCap is a GORM model for the budget_caps table.
type BudgetCap struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`

	// CapType is daily or monthly.
	CapType         string `gorm:"not null;uniqueIndex:idx_cap_type" json:"cap_type"`
	LimitMicrocents int64  `gorm:"not null" json:"limit_microcents"`
	// Action is stop or warn.
	Action   string `gorm:"not null;default:stop" json:"action"`
	IsActive bool   `gorm:"default:true" json:"is_active"`
}

func (BudgetCap) TableName() string { return "budget_caps" }

// Cap types and actions.
const (
	CapDaily   = "daily"
	CapMonthly = "monthly"

	ActionStop = "stop"
	ActionWarn = "warn"
)

// BreakdownItem is one row of a grouped spend query.
type BreakdownItem struct {
	Key            string `json:"key"`
	CostMicrocents int64  `json:"cost_microcents"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	Count          int    `json:"count"`
}

// DayKey formats a timestamp into the ledger's day bucket.
func DayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// MonthKey formats a timestamp into the ledger's month bucket.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }
