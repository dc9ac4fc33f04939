package pipeline

import (
	"sync"
	"time"
)

// terminalGuard rejects duplicate and post-cancel terminal signals. Consumed
// tokens are remembered for the process lifetime; the platform is known to
// re-deliver stale "succeeded" signals for work that was in flight at cancel
// time, and those must be ignored. Token validation against the job row is
// the correctness mechanism; this is the convenience layer on top.
type terminalGuard struct {
	mu          sync.Mutex
	consumed    map[int64]struct{}
	cancelledAt map[string]time.Time
}

func newTerminalGuard() *terminalGuard {
	return &terminalGuard{
		consumed:    make(map[int64]struct{}),
		cancelledAt: make(map[string]time.Time),
	}
}

func (g *terminalGuard) recordCancel(packageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelledAt[packageID] = time.Now()
}

// consume claims a completion signal for the token. It returns false when the
// token was already consumed, or when the package was explicitly cancelled
// within the debounce window.
func (g *terminalGuard) consume(packageID string, token int64, debounce time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.consumed[token]; ok {
		return false
	}

	if at, ok := g.cancelledAt[packageID]; ok && time.Since(at) < debounce {
		return false
	}

	g.consumed[token] = struct{}{}

	return true
}
