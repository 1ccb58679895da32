package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"maestro/internal/catalog"
)

// ErrorCode is the closed error taxonomy of the orchestration core.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "invalid_request"
	ErrBudgetExceeded    ErrorCode = "budget_exceeded"
	ErrCircuitOpen       ErrorCode = "circuit_open"
	ErrGovernanceDenied  ErrorCode = "governance_denied"
	ErrNoProvider        ErrorCode = "no_provider"
	ErrNoAvailableModels ErrorCode = "no_available_models"
	ErrProviderTransient ErrorCode = "provider_transient"
	ErrProviderPermanent ErrorCode = "provider_permanent"
	ErrCancelled         ErrorCode = "cancelled"
	ErrTimeout           ErrorCode = "timeout"
	ErrDisabled          ErrorCode = "orchestrator_disabled"
)

// Stage names the pipeline step an error came from. Carried on every Error
// so callers can tell a budget rejection from an upstream failure without
// string matching.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageBudget     Stage = "budget"
	StageCircuit    Stage = "circuit"
	StageSelect     Stage = "select"
	StageGovernance Stage = "governance"
	StageAssemble   Stage = "assemble"
	StageUpstream   Stage = "upstream"
	StageEvaluate   Stage = "evaluate"
	StageCascade    Stage = "cascade"
	StageShutdown   Stage = "shutdown"
)

// Error is the typed error every core operation returns. errors.Is matches
// on Code; errors.As recovers the full struct.
type Error struct {
	Code     ErrorCode
	Stage    Stage
	Provider catalog.ProviderID
	Model    string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (%s): %s", e.Code, e.Stage, e.Message)
	if e.Provider != "" {
		msg += fmt.Sprintf(" [provider=%s", e.Provider)
		if e.Model != "" {
			msg += fmt.Sprintf(" model=%s", e.Model)
		}
		msg += "]"
	} else if e.Model != "" {
		msg += fmt.Sprintf(" [model=%s]", e.Model)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Code: X}) match by code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, stage Stage, msg string) *Error {
	return &Error{Code: code, Stage: stage, Message: msg}
}

func newErrorf(code ErrorCode, stage Stage, format string, args ...any) *Error {
	return &Error{Code: code, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, stage Stage, msg string, err error) *Error {
	return &Error{Code: code, Stage: stage, Message: msg, Err: err}
}

// CodeOf extracts the taxonomy code, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether the error is a retryable upstream failure:
// network trouble, 5xx, or rate limiting. Transient failures are absorbed by
// cross-provider fallback and by escalation.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrProviderTransient, ErrTimeout:
		return true
	}
	return false
}

// IsPermanent reports whether the error must surface immediately with no
// fallback: auth, quota, invalid upstream request.
func IsPermanent(err error) bool {
	return CodeOf(err) == ErrProviderPermanent
}

// classifyStatus maps an upstream HTTP status to the transient/permanent
// split. 429 is transient (another provider may have headroom); 401/403 and
// 4xx generally are permanent.
func classifyStatus(status int) ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrProviderTransient
	case status >= 500:
		return ErrProviderTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusPaymentRequired:
		return ErrProviderPermanent
	case status >= 400:
		return ErrProviderPermanent
	default:
		return ErrProviderTransient
	}
}

// fromContextErr converts a context cancellation into the taxonomy. Returns
// nil when ctx is still live.
func fromContextErr(ctx context.Context, stage Stage) *Error {
	switch ctx.Err() {
	case context.Canceled:
		return newError(ErrCancelled, stage, "request cancelled")
	case context.DeadlineExceeded:
		return newError(ErrTimeout, stage, "deadline exceeded")
	}
	return nil
}
