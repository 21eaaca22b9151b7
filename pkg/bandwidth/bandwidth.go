package bandwidth

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/driftwire/driftwire/pkg/config"
	"github.com/driftwire/driftwire/pkg/types"
)

// Budget is a rotating-window rate limiter separating small control
// ("sparse") traffic from bulk payload ("dense") traffic. Checks are
// synchronous and never block; a denial is instantaneous and the caller
// decides whether to requeue.
type Budget struct {
	mu          sync.Mutex
	cfg         config.BandwidthConfig
	clock       clock.Clock
	windowStart time.Time
	sparseSent  uint32
	denseSent   int
}

// Snapshot is a read-only view of the current window for monitoring
type Snapshot struct {
	SparseSent    uint32        `json:"sparse_sent"`
	DenseSent     int           `json:"dense_sent"`
	SparseLimit   uint32        `json:"sparse_limit"`
	DenseLimit    int           `json:"dense_limit"`
	WindowElapsed time.Duration `json:"window_elapsed"`
}

// NewBudget creates a budget using the wall clock
func NewBudget(cfg config.BandwidthConfig) *Budget {
	return NewBudgetWithClock(cfg, clock.New())
}

// NewBudgetWithClock creates a budget with an injected clock for tests
func NewBudgetWithClock(cfg config.BandwidthConfig, clk clock.Clock) *Budget {
	return &Budget{
		cfg:         cfg,
		clock:       clk,
		windowStart: clk.Now(),
	}
}

// rotate resets both counters once the window has fully elapsed. The new
// window starts at "now", sliding from the access time rather than snapping
// to a fixed grid.
func (b *Budget) rotate() {
	if b.clock.Since(b.windowStart) >= b.cfg.Window {
		b.windowStart = b.clock.Now()
		b.sparseSent = 0
		b.denseSent = 0
	}
}

// AllowSparse consumes one sparse slot if any remain in the current window
func (b *Budget) AllowSparse() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotate()
	if b.sparseSent < b.cfg.SparsePerWindow {
		b.sparseSent++
		return true
	}
	return false
}

// AllowDense consumes n dense bytes if the whole amount fits in the current
// window. Consumption is all-or-nothing, never partial.
func (b *Budget) AllowDense(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotate()
	if b.denseSent+n <= b.cfg.DenseBytesPerWindow {
		b.denseSent += n
		return true
	}
	return false
}

// ConsumeSparse is AllowSparse with a typed denial, for callers treating
// exhaustion as a transient error rather than a boolean
func (b *Budget) ConsumeSparse() error {
	if !b.AllowSparse() {
		return fmt.Errorf("sparse window full: %w", types.ErrBudgetExceeded)
	}
	return nil
}

// ConsumeDense is AllowDense with a typed denial
func (b *Budget) ConsumeDense(n int) error {
	if !b.AllowDense(n) {
		return fmt.Errorf("%d dense bytes over budget: %w", n, types.ErrBudgetExceeded)
	}
	return nil
}

// Window returns the configured window length so denied callers can size
// their backoff
func (b *Budget) Window() time.Duration {
	return b.cfg.Window
}

// Remaining returns how long until the current window rotates
func (b *Budget) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := b.clock.Since(b.windowStart)
	if elapsed >= b.cfg.Window {
		return 0
	}
	return b.cfg.Window - elapsed
}

// Stats reports the current window state
func (b *Budget) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotate()
	return Snapshot{
		SparseSent:    b.sparseSent,
		DenseSent:     b.denseSent,
		SparseLimit:   b.cfg.SparsePerWindow,
		DenseLimit:    b.cfg.DenseBytesPerWindow,
		WindowElapsed: b.clock.Since(b.windowStart),
	}
}
