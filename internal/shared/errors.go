package shared

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountInactive indicates the account has been deactivated.
	ErrAccountInactive = errors.New("account inactive")
	// ErrDuplicateEmail indicates an active account already holds the email.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrAuditWriteFailed aborts the triggering operation; never downgraded.
	ErrAuditWriteFailed = errors.New("audit write failed")
	// ErrRateLimited indicates the subject exceeded its attempt budget.
	ErrRateLimited = errors.New("too many attempts")
)

// RateLimitedError carries the cooldown remaining for a blocked subject.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter)
}

// Unwrap allows errors.Is(err, ErrRateLimited).
func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// RetryAfter extracts the cooldown from a rate-limit error, zero otherwise.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
