package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HealthTracker selects among several relay URLs, keeping a failing
// relay in cooldown instead of retrying it every reconnect attempt.
// Each URL gets its own token-bucket limiter gating how often it is
// allowed to be retried after a failure, the same per-key token-bucket
// pattern as ratelimiter.MapLimiter.
type HealthTracker struct {
	mu      sync.Mutex
	urls    []string
	cursor  int
	cooldown map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewHealthTracker builds a tracker over urls. After a failure, a URL
// may not be retried more than once per cooldown window until it
// succeeds again.
func NewHealthTracker(urls []string, cooldown time.Duration) *HealthTracker {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &HealthTracker{
		urls:     append([]string(nil), urls...),
		cooldown: make(map[string]*rate.Limiter),
		limit:    rate.Every(cooldown),
		burst:    1,
	}
}

// Next returns the next URL worth attempting, cycling round-robin over
// the configured relays and skipping any still in cooldown. Returns
// ("", false) if every relay is currently in cooldown.
func (h *HealthTracker) Next(now time.Time) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.urls) == 0 {
		return "", false
	}
	for i := 0; i < len(h.urls); i++ {
		idx := (h.cursor + i) % len(h.urls)
		url := h.urls[idx]
		limiter, inCooldown := h.cooldown[url]
		if !inCooldown || limiter.AllowN(now, 1) {
			h.cursor = idx + 1
			return url, true
		}
	}
	return "", false
}

// MarkFailure puts a URL into cooldown: it cannot be returned by Next
// again until the cooldown window elapses.
func (h *HealthTracker) MarkFailure(url string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	limiter, ok := h.cooldown[url]
	if !ok {
		limiter = rate.NewLimiter(h.limit, h.burst)
		h.cooldown[url] = limiter
	}
	// Drain any token Next's own AllowN call didn't already consume, so
	// a fresh failure always starts a full cooldown window from now.
	limiter.AllowN(now, h.burst)
}

// MarkSuccess clears a URL's cooldown state entirely.
func (h *HealthTracker) MarkSuccess(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cooldown, url)
}
