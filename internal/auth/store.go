// Package auth manages the pool of provider credential profiles.
//
// Profiles rotate on failure: a failed profile enters a cooldown whose
// duration depends on the failure reason and the consecutive-failure count.
// The store persists cooldown state so restarts do not forget a throttled
// credential.
package auth

import (
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/boardroom/internal/config"
)

// FailureReason tags why a profile failed.
type FailureReason string

const (
	FailRateLimit FailureReason = "rate_limit"
	FailAuth      FailureReason = "auth"
	FailTimeout   FailureReason = "timeout"
	FailUnknown   FailureReason = "unknown"
)

// Profile is one entry in the auth pool. The credential itself lives in the
// OS secret store; CredentialRef is a pointer ("env:NAME" reads env).
type Profile struct {
	ID                  string    `json:"id"`
	Provider            string    `json:"provider"`
	CredentialRef       string    `json:"credentialRef"`
	Disabled            bool      `json:"disabled,omitempty"`
	CooldownUntil       time.Time `json:"cooldownUntil,omitzero"`
	LastUsedAt          time.Time `json:"lastUsedAt,omitzero"`
	ConsecutiveFailures int       `json:"consecutiveFailures,omitempty"`
}

// Usable reports whether the profile may serve a call right now.
func (p *Profile) Usable(now time.Time) bool {
	return !p.Disabled && (p.CooldownUntil.IsZero() || !now.Before(p.CooldownUntil))
}

// Store is the auth profile pool contract.
type Store interface {
	// Order returns candidate profile ids for a provider: preferred id first
	// if given, then profiles not in cooldown by least-recently-used.
	// Disabled profiles are excluded.
	Order(provider, preferred string) []string

	// Get returns a snapshot of one profile.
	Get(id string) (Profile, bool)

	// MarkGood resets the failure streak and clears cooldown. State is
	// flushed to durable storage before MarkGood returns.
	MarkGood(id string) error

	// MarkUsed stamps LastUsedAt.
	MarkUsed(id string)

	// MarkFailure records a tagged failure and starts the cooldown.
	MarkFailure(id string, reason FailureReason)

	// InCooldown reports whether the profile is cooling down.
	InCooldown(id string) bool

	// Close flushes pending state.
	Close() error
}

// CooldownPolicy computes cooldown durations from reason + failure streak.
type CooldownPolicy struct {
	RateLimitBase time.Duration
	RateLimitCap  time.Duration
	AuthHold      time.Duration
	TimeoutHold   time.Duration
	UnknownHold   time.Duration

	// jitter returns a factor in [0.8, 1.2); replaceable in tests.
	jitter func() float64
}

// NewCooldownPolicy builds a policy from config with defaults applied.
func NewCooldownPolicy(cfg config.AuthCooldownConfig) CooldownPolicy {
	ms := func(v, def int) time.Duration {
		if v <= 0 {
			v = def
		}
		return time.Duration(v) * time.Millisecond
	}
	return CooldownPolicy{
		RateLimitBase: ms(cfg.RateLimitBaseMs, 60_000),
		RateLimitCap:  ms(cfg.RateLimitCapMs, 1_800_000),
		AuthHold:      ms(cfg.AuthHoldMs, 3_600_000),
		TimeoutHold:   ms(cfg.TimeoutHoldMs, 30_000),
		UnknownHold:   ms(cfg.UnknownHoldMs, 300_000),
		jitter:        func() float64 { return 0.8 + rand.Float64()*0.4 },
	}
}

// Duration returns the cooldown for a failure. Rate limits back off
// exponentially with jitter up to the cap; consecutiveFailures counts this
// failure (so the first rate limit uses the base).
func (p CooldownPolicy) Duration(reason FailureReason, consecutiveFailures int) time.Duration {
	switch reason {
	case FailRateLimit:
		d := p.RateLimitBase
		for i := 1; i < consecutiveFailures && d < p.RateLimitCap; i++ {
			d *= 2
		}
		if d > p.RateLimitCap {
			d = p.RateLimitCap
		}
		j := 1.0
		if p.jitter != nil {
			j = p.jitter()
		}
		d = time.Duration(float64(d) * j)
		if d > p.RateLimitCap {
			d = p.RateLimitCap
		}
		return d
	case FailAuth:
		return p.AuthHold
	case FailTimeout:
		return p.TimeoutHold
	default:
		return p.UnknownHold
	}
}

// Credential resolves a profile's credential reference.
// Supported forms: "env:NAME" (reads env var), anything else is returned
// verbatim (already a literal ref into an external secret helper).
func Credential(p Profile) string {
	if strings.HasPrefix(p.CredentialRef, "env:") {
		return os.Getenv(strings.TrimPrefix(p.CredentialRef, "env:"))
	}
	return p.CredentialRef
}

// OrderProfiles implements the ordering rule shared by all store backends.
func OrderProfiles(profiles []Profile, provider, preferred string, now time.Time) []string {
	var candidates []Profile
	for _, p := range profiles {
		if p.Provider != provider || p.Disabled {
			continue
		}
		candidates = append(candidates, p)
	}

	// Not-in-cooldown first, then least-recently-used within each group.
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i].Usable(now), candidates[j].Usable(now)
		if ci != cj {
			return ci
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})

	ids := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if p.ID == preferred {
			continue
		}
		ids = append(ids, p.ID)
	}
	if preferred != "" {
		for _, p := range candidates {
			if p.ID == preferred {
				ids = append([]string{preferred}, ids...)
				break
			}
		}
	}
	return ids
}
