package ai

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ResponseEvaluator scores completions heuristically in [0,1] and decides
// whether a request deserves a one-shot retry at the next tier up. No
// semantic model involved; the signals are cheap surface features.
type ResponseEvaluator struct{}

func NewResponseEvaluator() *ResponseEvaluator { return &ResponseEvaluator{} }

var (
	uncertaintyPhrases = []string{
		"not sure", "don't know", "cannot determine", "unclear", "i'm unsure", "hard to say",
	}
	refusalPhrases = []string{
		"i can't help", "as an ai", "i'm an ai",
	}
	assertivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bhere is\b`),
		regexp.MustCompile(`(?i)\bthe answer is\b`),
		regexp.MustCompile(`(?m)^\s*\d+[.)]\s`),
		regexp.MustCompile(`(?i)\bstep \d+\b`),
	}
	codeFence = regexp.MustCompile("```")
)

// escalationThresholds maps classified complexity to the quality floor below
// which the orchestrator escalates.
var escalationThresholds = map[Complexity]float64{
	ComplexityTrivial:  0.1,
	ComplexitySimple:   0.2,
	ComplexityStandard: 0.4,
	ComplexityComplex:  0.55,
	ComplexityCritical: 0.7,
}

// EscalationThreshold returns the quality floor for a complexity class.
func EscalationThreshold(c Complexity) float64 {
	if t, ok := escalationThresholds[c]; ok {
		return t
	}
	return escalationThresholds[ComplexityStandard]
}

// Evaluate scores a completion against the query it answered. Base 0.5,
// adjusted by fixed surface signals, clamped to [0,1].
func (e *ResponseEvaluator) Evaluate(content, query string) float64 {
	score := 0.5
	lower := strings.ToLower(content)

	if len(content) < 20 && len(query) > 100 {
		score -= 0.3
	}
	if len(query) > 0 && float64(len(content)) >= 0.3*float64(len(query)) {
		score += 0.15
	}

	for _, phrase := range uncertaintyPhrases {
		if strings.Contains(lower, phrase) {
			score -= 0.10
		}
	}

	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if json.Valid([]byte(trimmed)) {
			score += 0.15
		} else {
			score -= 0.15
		}
	}

	if codeFence.MatchString(content) {
		score += 0.10
	}

	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			score -= 0.30
			break
		}
	}

	for _, pat := range assertivePatterns {
		if pat.MatchString(content) {
			score += 0.05
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ShouldEscalate decides whether a completed request deserves the one-shot
// retry at the next tier. The caller checks tier availability separately.
func (e *ResponseEvaluator) ShouldEscalate(quality float64, complexity Complexity) bool {
	return quality < EscalationThreshold(complexity)
}
