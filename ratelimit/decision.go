// Package ratelimit governs request volume in fixed time windows.
//
// Two layers exist. Local budgets are per-process counters kept in memory.
// The distributed Governor counts in a shared storage.CounterStore so that
// several instances enforce one budget; when that store is unavailable it
// lets requests through rather than taking the service down with it.
package ratelimit

import (
	"fmt"
	"time"
)

// Decision is the outcome of counting one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Degraded is set when the counter could not be consulted and the
	// request was allowed without counting.
	Degraded bool
}

// RetryAfter returns how long until the window resets, never less than a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// MostRestrictive picks the decision whose headers a response should carry:
// any rejection first, otherwise the one with the fewest requests left.
func MostRestrictive(decisions ...Decision) Decision {
	var best Decision
	found := false
	for _, d := range decisions {
		if d.Limit == 0 && !d.Degraded {
			continue
		}
		switch {
		case !found:
			best, found = d, true
		case best.Allowed && !d.Allowed:
			best = d
		case best.Allowed == d.Allowed && d.Remaining < best.Remaining:
			best = d
		case best.Allowed == d.Allowed && d.Remaining == best.Remaining && d.ResetAt.After(best.ResetAt):
			best = d
		}
	}
	return best
}

// Error reports a rejected request.
type Error struct {
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %s", e.RetryAfter)
}

// WindowStart aligns now to the start of its fixed window:
// floor(unixMillis / windowMillis) * windowMillis.
func WindowStart(now time.Time, window time.Duration) time.Time {
	w := window.Milliseconds()
	if w <= 0 {
		return now
	}
	return time.UnixMilli(now.UnixMilli() / w * w).UTC()
}
