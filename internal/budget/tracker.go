// Package budget implements the cost tracker: in-memory day/month spend
// counters hydrated from the ledger at startup, graduated throttle levels,
// and the pre-flight gate the orchestrator consults before every upstream
// call. Counters are optionally mirrored to Redis so multiple processes see
// a shared budget picture.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"maestro/internal/ai"
	"maestro/internal/catalog"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/spend"
)

// nominalMicrocentsPerToken is the conservative blended rate used to size a
// request before a model is selected (mid-tier input/output blend).
const nominalMicrocentsPerToken = 500

// Config sets the tracker's caps and thresholds.
type Config struct {
	DailyCap   catalog.Microcents
	MonthlyCap catalog.Microcents
	// WarningPct and ReducePct are spent/cap ratios; pause is always 1.0.
	WarningPct float64
	ReducePct  float64
}

// Tracker implements ai.CostTracker over the spend ledger.
type Tracker struct {
	cfg   Config
	store *spend.Store
	rdb   *redis.Client
	log   *zap.Logger

	mu         sync.Mutex
	dayKey     string
	monthKey   string
	daySpent   catalog.Microcents
	monthSpent catalog.Microcents
}

// NewTracker hydrates the counters from the ledger and applies any active
// caps stored there over the configured defaults.
func NewTracker(store *spend.Store, cfg Config, rdb *redis.Client) (*Tracker, error) {
	if cfg.WarningPct <= 0 {
		cfg.WarningPct = 0.75
	}
	if cfg.ReducePct <= 0 {
		cfg.ReducePct = 0.90
	}

	t := &Tracker{
		cfg:   cfg,
		store: store,
		rdb:   rdb,
		log:   logging.L().Named("budget"),
	}

	now := time.Now().UTC()
	t.dayKey = spend.DayKey(now)
	t.monthKey = spend.MonthKey(now)

	if store != nil {
		day, _, err := store.DailyTotal(now)
		if err != nil {
			return nil, fmt.Errorf("budget: hydrate daily: %w", err)
		}
		month, _, err := store.MonthlyTotal(now)
		if err != nil {
			return nil, fmt.Errorf("budget: hydrate monthly: %w", err)
		}
		t.daySpent, t.monthSpent = day, month

		if caps, err := store.GetCaps(); err == nil {
			for _, c := range caps {
				switch c.CapType {
				case spend.CapDaily:
					t.cfg.DailyCap = catalog.Microcents(c.LimitMicrocents)
				case spend.CapMonthly:
					t.cfg.MonthlyCap = catalog.Microcents(c.LimitMicrocents)
				}
			}
		}
	}

	t.log.Info("budget tracker ready",
		zap.Float64("daily_cap_usd", t.cfg.DailyCap.Dollars()),
		zap.Float64("monthly_cap_usd", t.cfg.MonthlyCap.Dollars()),
		zap.Float64("day_spent_usd", t.daySpent.Dollars()),
		zap.Float64("month_spent_usd", t.monthSpent.Dollars()))
	t.publishLevel(t.levelLocked())
	return t, nil
}

// rolloverLocked resets counters when the day or month bucket changes.
// Caller holds t.mu.
func (t *Tracker) rolloverLocked(now time.Time) {
	if dk := spend.DayKey(now); dk != t.dayKey {
		t.dayKey = dk
		t.daySpent = 0
	}
	if mk := spend.MonthKey(now); mk != t.monthKey {
		t.monthKey = mk
		t.monthSpent = 0
	}
}

// levelLocked computes the throttle level from the worst of the daily and
// monthly ratios. Caller holds t.mu.
func (t *Tracker) levelLocked() ai.ThrottleLevel {
	ratio := 0.0
	if t.cfg.DailyCap > 0 {
		if r := float64(t.daySpent) / float64(t.cfg.DailyCap); r > ratio {
			ratio = r
		}
	}
	if t.cfg.MonthlyCap > 0 {
		if r := float64(t.monthSpent) / float64(t.cfg.MonthlyCap); r > ratio {
			ratio = r
		}
	}
	switch {
	case ratio >= 1.0:
		return ai.ThrottlePause
	case ratio >= t.cfg.ReducePct:
		return ai.ThrottleReduce
	case ratio >= t.cfg.WarningPct:
		return ai.ThrottleWarning
	}
	return ai.ThrottleNormal
}

func (t *Tracker) publishLevel(level ai.ThrottleLevel) {
	var v float64
	switch level {
	case ai.ThrottleWarning:
		v = 1
	case ai.ThrottleReduce:
		v = 2
	case ai.ThrottlePause:
		v = 3
	}
	metrics.Get().ThrottleLevel.Set(v)
}

// ThrottleLevel reports the current budget health.
func (t *Tracker) ThrottleLevel() ai.ThrottleLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(time.Now().UTC())
	return t.levelLocked()
}

// CanProceed is the step-3 gate. At pause only URGENT traffic passes; at
// reduce, BACKGROUND traffic is shed and the estimate must fit the tighter
// remaining window.
func (t *Tracker) CanProceed(ctx context.Context, estimatedTokens int, priority ai.Priority) ai.BudgetDecision {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(time.Now().UTC())

	level := t.levelLocked()
	est := catalog.Microcents(int64(estimatedTokens) * nominalMicrocentsPerToken)

	decision := ai.BudgetDecision{Allowed: true, Level: level}

	switch level {
	case ai.ThrottlePause:
		if priority != ai.PriorityUrgent {
			decision.Allowed = false
			decision.Reason = "budget exhausted, only urgent requests accepted"
		}
	case ai.ThrottleReduce:
		if priority == ai.PriorityBackground {
			decision.Allowed = false
			decision.Reason = "budget nearly exhausted, background requests shed"
		}
	}

	if decision.Allowed && t.cfg.DailyCap > 0 {
		remaining := t.cfg.DailyCap - t.daySpent
		if est > remaining && priority != ai.PriorityUrgent {
			decision.Allowed = false
			decision.Reason = "estimated cost exceeds remaining daily budget"
		}
		decision.Limit = t.cfg.DailyCap
		decision.Spent = t.daySpent
		decision.Remaining = remaining
	}
	if decision.Allowed && t.cfg.MonthlyCap > 0 {
		remaining := t.cfg.MonthlyCap - t.monthSpent
		if est > remaining && priority != ai.PriorityUrgent {
			decision.Allowed = false
			decision.Reason = "estimated cost exceeds remaining monthly budget"
			decision.Limit = t.cfg.MonthlyCap
			decision.Spent = t.monthSpent
			decision.Remaining = remaining
		}
	}
	return decision
}

// Track persists one usage record and advances the counters.
func (t *Tracker) Track(ctx context.Context, usage ai.UsageRecord) error {
	if t.store != nil {
		err := t.store.Record(&spend.SpendEvent{
			RequestID:         usage.RequestID,
			Agent:             usage.Agent,
			Operation:         usage.Operation,
			Provider:          string(usage.Provider),
			Model:             usage.Model,
			InputTokens:       usage.InputTokens,
			CachedInputTokens: usage.CachedInputTokens,
			CacheWriteTokens:  usage.CacheWriteTokens,
			OutputTokens:      usage.OutputTokens,
			CostMicrocents:    int64(usage.Cost),
		})
		if err != nil {
			return err
		}
	}

	t.mu.Lock()
	now := time.Now().UTC()
	t.rolloverLocked(now)
	t.daySpent += usage.Cost
	t.monthSpent += usage.Cost
	level := t.levelLocked()
	dayKey, monthKey := t.dayKey, t.monthKey
	t.mu.Unlock()

	t.publishLevel(level)

	if t.rdb != nil {
		pipe := t.rdb.Pipeline()
		dk := "maestro:spend:day:" + dayKey
		mk := "maestro:spend:month:" + monthKey
		pipe.IncrBy(ctx, dk, int64(usage.Cost))
		pipe.Expire(ctx, dk, 48*time.Hour)
		pipe.IncrBy(ctx, mk, int64(usage.Cost))
		pipe.Expire(ctx, mk, 35*24*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			t.log.Warn("redis spend mirror failed", zap.Error(err))
		}
	}
	return nil
}

// Totals reports the in-memory counters (status surface).
func (t *Tracker) Totals() (day, month catalog.Microcents) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(time.Now().UTC())
	return t.daySpent, t.monthSpent
}

// Shutdown flushes nothing (counters are write-through) but closes the
// Redis mirror if owned.
func (t *Tracker) Shutdown(ctx context.Context) error {
	if t.rdb != nil {
		return t.rdb.Close()
	}
	return nil
}

var _ ai.CostTracker = (*Tracker)(nil)
