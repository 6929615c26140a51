package pipeline

import (
	"sync"
	"time"
)

const (
	progressMinGap   = 10 * time.Second
	progressMinDelta = 5 // percent
)

// progressThrottle rate-limits progress events. A report passes when enough
// time elapsed since the last one that passed, or when the percentage moved
// enough, whichever comes first. The first report always passes.
type progressThrottle struct {
	mu       sync.Mutex
	minGap   time.Duration
	minDelta int
	lastAt   time.Time
	lastPct  int
}

func newProgressThrottle(minGap time.Duration, minDelta int) *progressThrottle {
	return &progressThrottle{minGap: minGap, minDelta: minDelta}
}

// allow reports whether a progress event at pct should be emitted.
func (t *progressThrottle) allow(pct int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if !t.lastAt.IsZero() && now.Sub(t.lastAt) < t.minGap && pct-t.lastPct < t.minDelta {
		return false
	}
	t.lastAt = now
	t.lastPct = pct
	return true
}
