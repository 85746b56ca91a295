// Package backoff provides the retry primitive used by every network facing
// step of the import pipeline: an exponential strategy with jitter, a job wide
// runtime budget and an injectable clock so loops can be tested without sleeping
package backoff

import (
	"context"
	stderrs "errors"
	"math"
	"math/rand"
	"time"

	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
)

// ErrRuntimeExceeded is returned when the job runtime budget runs out before
// or between attempts. It is never retried
var ErrRuntimeExceeded = perr.New(perr.ErrorCodeRuntimeExceeded, "job runtime budget exceeded")

// IsRuntimeExceeded reports whether err carries the runtime budget signal
func IsRuntimeExceeded(err error) bool {
	return stderrs.Is(err, ErrRuntimeExceeded) || perr.IsCode(err, perr.ErrorCodeRuntimeExceeded)
}

// Strategy is the retry state of one logical operation.
// Delay for attempt n is Seed * Factor^n plus a jitter drawn from [JitterMin, JitterMax],
// clamped to [0, Cap] when Cap is set
type Strategy struct {
	Counter   int
	MaxRetry  int
	Seed      time.Duration
	Factor    float64
	JitterMin time.Duration
	JitterMax time.Duration
	Cap       time.Duration

	rnd func(n int64) int64
}

// Clone returns a copy with the counter reset so concurrent operations never share progress
func (s Strategy) Clone() Strategy {
	c := s
	c.Counter = 0
	return c
}

// Exhausted reports whether another retry would exceed MaxRetry
func (s Strategy) Exhausted() bool { return s.Counter >= s.MaxRetry }

// Delay computes the wait before the next attempt without advancing the counter
func (s Strategy) Delay() time.Duration {
	f := s.Factor
	if f <= 0 {
		f = 1
	}
	base := float64(s.Seed) * math.Pow(f, float64(s.Counter))
	if s.Cap > 0 && base > float64(s.Cap) {
		base = float64(s.Cap)
	}
	d := time.Duration(base) + s.jitter()
	if s.Cap > 0 && d > s.Cap {
		d = s.Cap
	}
	if d < 0 {
		return 0
	}
	return d
}

func (s Strategy) jitter() time.Duration {
	lo, hi := s.JitterMin, s.JitterMax
	if hi < lo {
		lo, hi = hi, lo
	}
	span := int64(hi - lo)
	if span <= 0 {
		return lo
	}
	rnd := s.rnd
	if rnd == nil {
		rnd = rand.Int63n
	}
	return lo + time.Duration(rnd(span+1))
}

// retryAfter is implemented by errors that carry a provider suggested wait
type retryAfter interface {
	RetryAfter() time.Duration
}

// RetryAfter extracts a provider suggested wait from err, or zero
func RetryAfter(err error) time.Duration {
	var ra retryAfter
	if stderrs.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

// Policy runs operations under a Strategy, a Budget and a Clock.
// A Policy is never mutated by Execute so it can be shared and re-entered freely
type Policy struct {
	Strategy  Strategy
	Budget    *Budget
	Clock     Clock
	Retryable func(error) bool

	// Name tags log lines, e.g. "queue" or "poll"
	Name string
}

// Execute runs op until it succeeds, fails with a non retryable error, exhausts
// the strategy or the runtime budget is spent. Budget exhaustion wins over any
// other failure and is checked before every attempt
func (p *Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	s := p.Strategy.Clone()
	clk := p.clock()
	for {
		if p.Budget.Exceeded() {
			return ErrRuntimeExceeded
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsRuntimeExceeded(err) || !p.retryable(err) {
			return err
		}
		if s.Exhausted() {
			logger.C(ctx).Warn().Str("policy", p.Name).Int("attempts", s.Counter+1).Err(err).Msg("backoff: retries exhausted")
			return err
		}

		d := s.Delay()
		if ra := RetryAfter(err); ra > 0 {
			d = ra
		}
		s.Counter++

		logger.C(ctx).Warn().
			Str("policy", p.Name).
			Int("attempt", s.Counter).
			Dur("retry_in", d).
			Err(err).
			Msg("backoff: retrying")

		if p.Budget.WouldExceed(d) {
			return ErrRuntimeExceeded
		}
		if se := clk.Sleep(ctx, d); se != nil {
			return se
		}
	}
}

// Do runs op under p and returns its value
func Do[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *Policy) clock() Clock {
	if p.Clock == nil {
		return System
	}
	return p.Clock
}

func (p *Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return perr.Retryable(err)
}
