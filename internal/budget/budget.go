// Package budget enforces the global wall-clock ceiling of a crawl run.
package budget

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// The warning fires at warnNumerator/warnDenominator (80%) of the ceiling.
const (
	warnNumerator   = 4
	warnDenominator = 5
)

// State is the budget position of a run.
type State int

// Budget states.
const (
	StateOK State = iota
	StateWarn
	StateAbort
)

func (s State) String() string {
	switch s {
	case StateWarn:
		return "warn"
	case StateAbort:
		return "abort"
	default:
		return "ok"
	}
}

// Guard tracks elapsed run time against a ceiling.
type Guard struct {
	mu      sync.Mutex
	ceiling time.Duration
	clock   crawler.Clock
	logger  *zap.Logger
	started time.Time
	last    time.Duration
	warned  bool
	aborted bool
}

// New creates a Guard. A ceiling <= 0 never aborts.
func New(ceiling time.Duration, clock crawler.Clock, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{ceiling: ceiling, clock: clock, logger: logger}
}

// Start begins timing. Calling Start again has no effect.
func (g *Guard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started.IsZero() {
		g.started = g.clock.Now()
	}
}

// Ceiling returns the configured budget.
func (g *Guard) Ceiling() time.Duration {
	return g.ceiling
}

// Elapsed returns time since Start. It never decreases, even if the clock
// steps backwards.
func (g *Guard) Elapsed() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.elapsedLocked()
}

func (g *Guard) elapsedLocked() time.Duration {
	if g.started.IsZero() {
		return 0
	}
	if d := g.clock.Now().Sub(g.started); d > g.last {
		g.last = d
	}
	return g.last
}

// ShouldWarn reports whether elapsed time reached the warning threshold.
func (g *Guard) ShouldWarn() bool {
	return g.State() >= StateWarn
}

// ShouldAbort reports whether the ceiling was reached.
func (g *Guard) ShouldAbort() bool {
	return g.State() == StateAbort
}

// Remaining returns the unspent budget, or 0 once exhausted.
func (g *Guard) Remaining() time.Duration {
	if g.ceiling <= 0 {
		return 0
	}
	rem := g.ceiling - g.Elapsed()
	if rem < 0 {
		return 0
	}
	return rem
}

// State classifies elapsed time without side effects.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(g.elapsedLocked())
}

func (g *Guard) stateLocked(elapsed time.Duration) State {
	if g.ceiling <= 0 {
		return StateOK
	}
	switch {
	case elapsed >= g.ceiling:
		return StateAbort
	case elapsed*warnDenominator >= g.ceiling*warnNumerator:
		return StateWarn
	default:
		return StateOK
	}
}

// Check evaluates the budget and logs each threshold crossing once.
func (g *Guard) Check() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	elapsed := g.elapsedLocked()
	state := g.stateLocked(elapsed)
	if state >= StateWarn && !g.warned {
		g.warned = true
		g.logger.Warn("scraping budget nearly spent",
			zap.Duration("elapsed", elapsed), zap.Duration("ceiling", g.ceiling))
	}
	if state == StateAbort && !g.aborted {
		g.aborted = true
		g.logger.Error("scraping budget exceeded, aborting dispatch",
			zap.Duration("elapsed", elapsed), zap.Duration("ceiling", g.ceiling))
	}
	return state
}

// Watch calls Check every interval and invokes onAbort once when the budget
// runs out. It returns when ctx is done or after onAbort.
func (g *Guard) Watch(ctx context.Context, interval time.Duration, onAbort func()) {
	if g.ceiling <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.Check() == StateAbort {
				onAbort()
				return
			}
		}
	}
}
