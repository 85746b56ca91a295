package backoff

import "time"

// Budget is the job wide stopwatch. A nil Budget or one with Max <= 0 never expires
type Budget struct {
	start time.Time
	max   time.Duration
	clock Clock
}

// NewBudget starts a stopwatch on clk (System when nil)
func NewBudget(max time.Duration, clk Clock) *Budget {
	if clk == nil {
		clk = System
	}
	return &Budget{start: clk.Now(), max: max, clock: clk}
}

// Elapsed returns time since the budget started
func (b *Budget) Elapsed() time.Duration {
	if b == nil {
		return 0
	}
	return b.clock.Now().Sub(b.start)
}

// Remaining returns the time left, or a negative value once spent.
// Unlimited budgets report the max duration
func (b *Budget) Remaining() time.Duration {
	if b == nil || b.max <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return b.max - b.Elapsed()
}

// Exceeded reports whether the budget has run out
func (b *Budget) Exceeded() bool {
	if b == nil || b.max <= 0 {
		return false
	}
	return b.Elapsed() >= b.max
}

// WouldExceed reports whether sleeping d would run past the budget
func (b *Budget) WouldExceed(d time.Duration) bool {
	if b == nil || b.max <= 0 {
		return false
	}
	return b.Elapsed()+d >= b.max
}
