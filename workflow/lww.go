package workflow

import "time"

// IncomingWins is the one conflict rule in the system: an incoming write
// overwrites the stored record only when its timestamp is strictly newer.
// Ties keep the canonical value, which is what makes resubmitting an
// identical batch idempotent. Record granularity, never field merging.
func IncomingWins(incoming, existing time.Time) bool {
	return incoming.After(existing)
}
