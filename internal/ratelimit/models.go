package ratelimit

import "time"

// Record is the admission state of one client inside its current window.
type Record struct {
	Count   int
	ResetAt time.Time
}

// expired reports whether the window of r has elapsed at now.
func (r Record) expired(now time.Time) bool {
	return now.After(r.ResetAt)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Remaining is the number of further requests the client may make in
	// the current window. Zero when rejected.
	Remaining int
	// RetryAfter is the time left until the window resets. Only set when
	// the request was rejected.
	RetryAfter time.Duration
}
