package vmcache

import (
	"context"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
)

// Default retry configuration.
const (
	// DefaultSpins is the number of yielding retries before backoff starts.
	DefaultSpins = 64

	defaultInitialInterval = 5 * time.Microsecond
	defaultMaxInterval     = 1 * time.Millisecond
)

// RetryPolicy controls how a blocked transition waits for the page owner.
//
// A blocked transition first retries Spins times, yielding the processor
// between attempts. After that it sleeps according to the [backoff.BackOff]
// returned by NewBackOff. The wait ends when the transition succeeds, the
// context is done, or the backoff returns [backoff.Stop] ([ErrContention]).
type RetryPolicy struct {
	// Spins is the number of yielding retries before sleeping.
	Spins int

	// NewBackOff creates the sleep schedule for one blocked transition.
	// Nil means exponential backoff with no elapsed-time limit.
	NewBackOff func() backoff.BackOff
}

// DefaultRetryPolicy spins [DefaultSpins] times, then backs off
// exponentially from 5µs up to 1ms per attempt with no overall limit.
// Cancellation is driven by the caller's context.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Spins: DefaultSpins}
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.NewBackOff != nil {
		return p.NewBackOff()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialInterval
	b.MaxInterval = defaultMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// waiter tracks one blocked transition.
type waiter struct {
	ctx     context.Context
	policy  RetryPolicy
	attempt int
	b       backoff.BackOff
	count   func()
}

// wait blocks until the next attempt may run.
func (w *waiter) wait() error {
	if err := w.ctx.Err(); err != nil {
		return err
	}

	if w.count != nil {
		w.count()
	}

	w.attempt++
	if w.attempt <= w.policy.Spins {
		runtime.Gosched()

		return nil
	}

	// Not backoff.WithContext: it stops once the next interval passes the
	// deadline, and the wait must last until ctx is done.
	if w.b == nil {
		w.b = w.policy.newBackOff()
		w.b.Reset()
	}

	d := w.b.NextBackOff()
	if d == backoff.Stop {
		return ErrContention
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-timer.C:
		return nil
	}
}
