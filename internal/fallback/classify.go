// Package fallback implements the error classification and retry loop of
// spec.md §4.E: when an executor call fails, decide whether to mark the
// connection unavailable and retry on the next candidate, or return the
// error straight to the caller.
package fallback

import (
	"strings"
	"time"
)

// Decision is checkFallbackError's result.
type Decision struct {
	ShouldFallback  bool
	Cooldown        time.Duration
	NewBackoffLevel int
}

const (
	rateLimitBase   = 60 * time.Second
	rateLimitCap    = time.Hour
	serverErrorBase = 30 * time.Second
	serverErrorCap  = 10 * time.Minute
	authErrorCooldown = 5 * time.Minute
	networkErrorBase  = 15 * time.Second
)

// ClassifyError implements checkFallbackError(status, errorText,
// currentBackoffLevel) per spec.md §4.E's table. retryAfter, when non-nil,
// is an already-parsed cooldown (e.g. Antigravity's humanized quota
// message) that is used verbatim instead of the exponential formula.
func ClassifyError(status int, errorText string, currentBackoffLevel int, retryAfter *time.Duration) Decision {
	if retryAfter != nil {
		return Decision{ShouldFallback: true, Cooldown: *retryAfter, NewBackoffLevel: currentBackoffLevel + 1}
	}

	switch {
	case status == 429:
		return Decision{
			ShouldFallback:  true,
			Cooldown:        expBackoff(rateLimitBase, currentBackoffLevel, rateLimitCap),
			NewBackoffLevel: currentBackoffLevel + 1,
		}
	case status >= 500 && status < 600:
		return Decision{
			ShouldFallback:  true,
			Cooldown:        expBackoff(serverErrorBase, currentBackoffLevel, serverErrorCap),
			NewBackoffLevel: currentBackoffLevel + 1,
		}
	case status == 401 || status == 403:
		return Decision{ShouldFallback: true, Cooldown: authErrorCooldown, NewBackoffLevel: currentBackoffLevel + 1}
	case status >= 400 && status < 500:
		return Decision{ShouldFallback: false}
	case status == 0:
		// network/timeout: executors surface these as a zero status with a
		// non-empty errorText rather than an upstream HTTP code.
		return Decision{
			ShouldFallback:  true,
			Cooldown:        expBackoff(networkErrorBase, currentBackoffLevel, 0),
			NewBackoffLevel: currentBackoffLevel + 1,
		}
	default:
		return Decision{ShouldFallback: false}
	}
}

// IsNetworkError reports whether errorText looks like a transport-level
// failure rather than an upstream HTTP error body, for callers building the
// status/errorText pair ClassifyError expects.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "context deadline exceeded")
}

// expBackoff computes base * 2^level, capped at cap (capped is skipped when
// cap == 0).
func expBackoff(base time.Duration, level int, cap time.Duration) time.Duration {
	if level < 0 {
		level = 0
	}
	if level > 20 {
		level = 20 // guards against overflow; no real backoffLevel gets near this.
	}
	d := base << uint(level)
	if cap > 0 && d > cap {
		return cap
	}
	return d
}
