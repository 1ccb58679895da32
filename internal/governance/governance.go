// Package governance gates expensive or high-impact completions behind an
// approval decision before any upstream call is made. The default approver
// is rule-based with an optional delegate hook for external review; the
// review transport itself lives outside this process.
package governance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"maestro/internal/ai"
	"maestro/internal/catalog"
	"maestro/internal/logging"
)

// Approver decides whether a request may proceed. Implementations must be
// safe for concurrent use.
type Approver interface {
	RequestApproval(ctx context.Context, req *ai.AIRequest, estimatedCost catalog.Microcents, tier *catalog.ModelTier) (ai.GovernanceDecision, error)
}

// DelegateFunc is an optional escalation hook consulted for requests that
// fall between the auto-approve limit and the hard ceiling.
type DelegateFunc func(ctx context.Context, req *ai.AIRequest, estimatedCost catalog.Microcents, tier *catalog.ModelTier) (ai.GovernanceDecision, error)

// RuleConfig bounds the rule approver.
type RuleConfig struct {
	// HardCeiling denies outright regardless of delegate. Zero disables.
	HardCeiling catalog.Microcents
	// AutoApproveLimit approves without consulting the delegate.
	AutoApproveLimit catalog.Microcents
	// DelegateTimeout bounds the delegate call; expiry is a rejection.
	DelegateTimeout time.Duration
}

// RuleApprover applies a three-band policy: deny above the hard ceiling,
// auto-approve at or below the auto limit, otherwise ask the delegate.
// With no delegate configured the middle band is denied.
type RuleApprover struct {
	cfg      RuleConfig
	delegate DelegateFunc
	log      *zap.Logger
}

// NewRuleApprover builds the approver. delegate may be nil.
func NewRuleApprover(cfg RuleConfig, delegate DelegateFunc) *RuleApprover {
	if cfg.DelegateTimeout <= 0 {
		cfg.DelegateTimeout = 30 * time.Second
	}
	return &RuleApprover{
		cfg:      cfg,
		delegate: delegate,
		log:      logging.L().Named("governance"),
	}
}

// RequestApproval implements Approver.
func (a *RuleApprover) RequestApproval(ctx context.Context, req *ai.AIRequest, estimatedCost catalog.Microcents, tier *catalog.ModelTier) (ai.GovernanceDecision, error) {
	if a.cfg.HardCeiling > 0 && estimatedCost > a.cfg.HardCeiling {
		a.log.Warn("request denied above hard ceiling",
			zap.String("request_id", req.RequestID),
			zap.Float64("estimated_usd", estimatedCost.Dollars()),
			zap.Float64("ceiling_usd", a.cfg.HardCeiling.Dollars()))
		return ai.GovernanceDecision{
			Approved: false,
			Reason:   "estimated cost exceeds hard ceiling",
			Approver: "rule",
		}, nil
	}

	if estimatedCost <= a.cfg.AutoApproveLimit {
		return ai.GovernanceDecision{
			Approved: true,
			Reason:   "within auto-approve limit",
			Approver: "rule",
		}, nil
	}

	if a.delegate == nil {
		return ai.GovernanceDecision{
			Approved: false,
			Reason:   "no reviewer available for cost above auto-approve limit",
			Approver: "rule",
		}, nil
	}

	dctx, cancel := context.WithTimeout(ctx, a.cfg.DelegateTimeout)
	defer cancel()

	type result struct {
		decision ai.GovernanceDecision
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := a.delegate(dctx, req, estimatedCost, tier)
		ch <- result{d, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return ai.GovernanceDecision{}, r.err
		}
		return r.decision, nil
	case <-dctx.Done():
		a.log.Warn("approval timed out, treating as rejection",
			zap.String("request_id", req.RequestID),
			zap.Duration("timeout", a.cfg.DelegateTimeout))
		return ai.GovernanceDecision{
			Approved: false,
			Reason:   "approval timed out",
			Approver: "rule",
		}, nil
	}
}

var _ Approver = (*RuleApprover)(nil)
