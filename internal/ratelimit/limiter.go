// Package ratelimit provides fixed-window attempt budgets with an
// independent post-breach cooldown, keyed by (subject, action).
package ratelimit

import (
	"context"
	"time"
)

// Decision reports whether an attempt was admitted.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Policy configures the budget for one action kind.
type Policy struct {
	Attempts int
	Window   time.Duration
	Cooldown time.Duration
}

// Limiter admits or rejects attempts. CheckAndRecord counts the attempt
// and decides in a single atomic step; two concurrent callers can never
// both be admitted once the budget is exhausted.
type Limiter interface {
	CheckAndRecord(ctx context.Context, subject, action string) (Decision, error)
	Reset(ctx context.Context, subject, action string) error
}

// Policies maps action kinds to their budgets, with a fallback default.
type Policies struct {
	Default  Policy
	ByAction map[string]Policy
}

// For returns the policy configured for the action.
func (p Policies) For(action string) Policy {
	if pol, ok := p.ByAction[action]; ok {
		return pol
	}
	return p.Default
}
