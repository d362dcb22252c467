// Package agent runs user turns against model drivers with failover.
//
// The engine wraps a single-attempt runner in a recovery loop: context
// overflow triggers one compaction, rate limits wait then rotate auth
// profiles, and exhausted profiles escalate to the configured model
// fallback chain via FailoverError.
package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/boardroom/internal/auth"
)

// Reason classifies why an attempt failed. Reasons drive the recovery
// strategy, not just reporting.
type Reason string

const (
	ReasonContextOverflow   Reason = "context_overflow"
	ReasonCompactionFailure Reason = "compaction_failure"
	ReasonRoleOrdering      Reason = "role_ordering"
	ReasonImageSize         Reason = "image_size"
	ReasonImageDimension    Reason = "image_dimension"
	ReasonRateLimit         Reason = "rate_limit"
	ReasonAuth              Reason = "auth"
	ReasonTimeout           Reason = "timeout"
	ReasonUnknown           Reason = "unknown"
	ReasonAborted           Reason = "aborted"
	ReasonToolError         Reason = "tool_error"

	// reasonBadThinking is internal to the controller: the provider rejected
	// the requested thinking level. Handled by level fallback, never surfaced.
	reasonBadThinking Reason = "bad_thinking"
)

// FailoverError signals the enclosing layer to switch to the next model in
// the fallback chain. It is an exceptional control-flow outcome, not a
// user-visible error.
type FailoverError struct {
	Reason Reason
	Status int
	Model  string // "provider/modelId" tag that failed
	Err    error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("failover from %s (%s, status %d): %v", e.Model, e.Reason, e.Status, e.Err)
}

func (e *FailoverError) Unwrap() error { return e.Err }

// NewFailoverError builds a FailoverError with the status derived from the
// reason (rate_limit 429, timeout 408, auth 401, everything else 500).
func NewFailoverError(reason Reason, model string, err error) *FailoverError {
	status := 500
	switch reason {
	case ReasonRateLimit:
		status = 429
	case ReasonTimeout:
		status = 408
	case ReasonAuth:
		status = 401
	}
	if err == nil {
		err = errors.New(string(reason))
	}
	return &FailoverError{Reason: reason, Status: status, Model: model, Err: err}
}

// AsFailoverError unwraps err to a FailoverError if one is in the chain.
func AsFailoverError(err error) (*FailoverError, bool) {
	var fe *FailoverError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// classifyError maps a provider error message onto a Reason. Providers
// disagree on error shapes, so this is substring matching over the
// normalized message. Order matters: the more specific patterns win.
func classifyError(msg string) Reason {
	m := strings.ToLower(msg)

	switch {
	case containsAny(m,
		"prompt is too long",
		"context length",
		"context_length_exceeded",
		"maximum context",
		"context window",
		"too many tokens",
		"input is too long",
	):
		return ReasonContextOverflow

	case containsAny(m,
		"roles must alternate",
		"unexpected role",
		"incorrect role",
		"invalid message order",
		"first message must",
		"consecutive messages with the same role",
	):
		return ReasonRoleOrdering

	case strings.Contains(m, "image") && containsAny(m, "dimension", "pixels", "resolution"):
		return ReasonImageDimension

	case strings.Contains(m, "image") && containsAny(m, "too large", "exceeds", "size limit", "max size"):
		return ReasonImageSize

	case containsAny(m,
		"thinking is not supported",
		"reasoning is not supported",
		"does not support thinking",
		"unsupported thinking",
		"invalid thinking",
		"extended thinking",
	):
		return reasonBadThinking

	case containsAny(m,
		"rate limit",
		"rate_limit",
		"too many requests",
		"429",
		"quota exceeded",
		"overloaded",
		"capacity",
	):
		return ReasonRateLimit

	case containsAny(m,
		"401",
		"403",
		"unauthorized",
		"authentication",
		"invalid api key",
		"invalid x-api-key",
		"permission denied",
		"credit balance",
	):
		return ReasonAuth

	case containsAny(m,
		"timeout",
		"timed out",
		"deadline exceeded",
		"408",
	):
		return ReasonTimeout
	}
	return ReasonUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// failureReason translates a Reason into the auth store's failure tag.
func failureReason(r Reason) auth.FailureReason {
	switch r {
	case ReasonRateLimit:
		return auth.FailRateLimit
	case ReasonAuth:
		return auth.FailAuth
	case ReasonTimeout:
		return auth.FailTimeout
	default:
		return auth.FailUnknown
	}
}
