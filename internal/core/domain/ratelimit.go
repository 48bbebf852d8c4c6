package domain

import "time"

// BucketType names a fixed rate limit window.
type BucketType string

const (
	BucketHourly  BucketType = "hourly"
	BucketDaily   BucketType = "daily"
	BucketMonthly BucketType = "monthly"
)

// Period returns the window length of the bucket type.
func (b BucketType) Period() time.Duration {
	switch b {
	case BucketHourly:
		return time.Hour
	case BucketDaily:
		return 24 * time.Hour
	case BucketMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// BucketSpec identifies one bucket a request must fit in.
type BucketSpec struct {
	// Key is the owning API key id, or "<api_key_id>|<policy>" for endpoint policies.
	Key    string
	Type   string
	Limit  int64
	Period time.Duration
}

// BucketState is a bucket after a consume attempt.
type BucketState struct {
	Spec      BucketSpec
	Count     int64
	ResetTime time.Time
}

// Exhausted reports whether the bucket has no capacity left.
func (s BucketState) Exhausted() bool {
	return s.Count >= s.Spec.Limit
}

// ConsumeResult is the outcome of an all-or-nothing consume.
type ConsumeResult struct {
	Admitted bool
	// Buckets holds the post-call state of every requested bucket, in request order.
	Buckets []BucketState
}

// NextReset rolls reset forward by whole periods until it is after now.
// A zero reset starts a fresh window at now.
func NextReset(reset, now time.Time, period time.Duration) time.Time {
	if reset.IsZero() {
		return now.Add(period)
	}
	if now.Before(reset) {
		return reset
	}
	elapsed := now.Sub(reset)
	periods := elapsed/period + 1
	return reset.Add(periods * period)
}
