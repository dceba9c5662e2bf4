package irc

import (
	"strings"
	"sync"
	"time"
)

// WindowLimiter enforces a fixed window per destination: at most limit
// sends per window per destination. Exceeding the limit delays (the caller
// parks the message), never drops.
//
// Windows reset monotonically: a window starts when the first send after
// its predecessor expired arrives, and is never moved backwards.
type WindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	wins   map[string]*rateWindow

	// now is swappable for tests.
	now func() time.Time
}

type rateWindow struct {
	count int
	start time.Time
}

func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		limit:  limit,
		window: window,
		wins:   map[string]*rateWindow{},
		now:    time.Now,
	}
}

// Reserve consumes a send slot for dest and returns 0, or returns the time
// until the destination's current window expires without consuming a slot.
// An empty dest or a non-positive limit is never limited.
func (l *WindowLimiter) Reserve(dest string) time.Duration {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return 0
	}
	key := strings.ToLower(strings.TrimSpace(dest))
	if key == "" {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.wins[key]
	if w == nil {
		w = &rateWindow{start: now}
		l.wins[key] = w
	}
	if now.Sub(w.start) >= l.window {
		w.start = now
		w.count = 0
	}
	if w.count < l.limit {
		w.count++
		return 0
	}
	return w.start.Add(l.window).Sub(now)
}
