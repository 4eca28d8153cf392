// Package ratelimit enforces the per-key daily request quota.
package ratelimit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Counter atomically adds to a counter scoped to the current UTC day and
// returns the new value.
type Counter interface {
	Increment(ctx context.Context, key string, by int64) (int64, error)
}

// Day formats t as the UTC day a counter belongs to.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextReset returns the next UTC midnight after t.
func NextReset(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Used      int64
	Remaining int64
	Reset     time.Time
	// RetryAfter is set when the request was rejected.
	RetryAfter time.Duration
}

// Quota allows up to limit requests per key per UTC day.
type Quota struct {
	counter Counter
	limit   int64
	now     func() time.Time
}

// NewQuota creates a daily quota. limit <= 0 means 1000.
func NewQuota(counter Counter, limit int) *Quota {
	if limit <= 0 {
		limit = 1000
	}
	return &Quota{counter: counter, limit: int64(limit), now: time.Now}
}

// Limit returns the daily allowance.
func (q *Quota) Limit() int64 {
	return q.limit
}

// Allow counts one request for key. The counter is incremented before the
// check, so concurrent requests can never both take the last slot.
func (q *Quota) Allow(ctx context.Context, key string) (Decision, error) {
	now := q.now().UTC()
	reset := NextReset(now)

	used, err := q.counter.Increment(ctx, key, 1)
	if err != nil {
		return Decision{}, eris.Wrapf(err, "ratelimit: increment %s", key)
	}

	d := Decision{
		Allowed:   used <= q.limit,
		Limit:     q.limit,
		Used:      used,
		Remaining: max(q.limit-used, 0),
		Reset:     reset,
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d, nil
}
