// Package waitutil implements the spin-then-yield waiting discipline and
// the saturating semaphore used by shardpool's queue to coordinate
// producers and consumers across transient emptiness.
package waitutil

import (
	"runtime"
	"time"
)

// DefaultSpinMax is the spin budget applied when a WaitOptions value is
// left at its zero value.
const DefaultSpinMax = 2 * time.Microsecond

// WaitOptions carries per-call tuning for the spin phase of a wait.
type WaitOptions struct {
	spinMax    time.Duration
	spinMaxSet bool
}

// NewWaitOptions returns a WaitOptions with the default spin budget.
func NewWaitOptions() WaitOptions {
	return WaitOptions{spinMax: DefaultSpinMax}
}

// SpinMax returns the configured spin budget, defaulting to
// DefaultSpinMax if this value was never explicitly configured.
func (o WaitOptions) SpinMax() time.Duration {
	if !o.spinMaxSet && o.spinMax == 0 {
		return DefaultSpinMax
	}
	return o.spinMax
}

// WithSpinMax returns a copy of o with its spin budget set to d. A
// non-positive d disables the spin phase entirely.
func (o WaitOptions) WithSpinMax(d time.Duration) WaitOptions {
	o.spinMax = d
	o.spinMaxSet = true
	return o
}

// SpinResult is the outcome of a spin_pause_until/spin_yield_until call.
type SpinResult int

const (
	// Success indicates the predicate became true.
	Success SpinResult = iota
	// Timeout indicates the deadline passed before the predicate did.
	Timeout
	// Advance indicates the spin budget was exhausted; the caller should
	// move to the next waiting phase.
	Advance
)

// SpinPauseUntil busy-spins cond until it returns true, the deadline
// passes, or the spin budget in opt is exhausted.
func SpinPauseUntil(deadline time.Time, opt WaitOptions, cond func() bool) SpinResult {
	spinMax := opt.SpinMax()
	if spinMax <= 0 {
		return Advance
	}

	tbegin := time.Now()
	for {
		if cond() {
			return Success
		}

		now := time.Now()
		if !deadline.IsZero() && !now.Before(deadline) {
			return Timeout
		}

		// Defend against non-monotonic clocks: never let tbegin drift
		// forward of an observed "now".
		if now.Before(tbegin) {
			tbegin = now
		}
		if !now.Before(tbegin.Add(spinMax)) {
			return Advance
		}

		procyield()
	}
}

// SpinYieldUntil repeatedly yields the processor to the scheduler until
// cond returns true or the deadline passes. A zero deadline means "wait
// forever".
func SpinYieldUntil(deadline time.Time, cond func() bool) SpinResult {
	for {
		if cond() {
			return Success
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return Timeout
		}
		runtime.Gosched()
	}
}

// procyield is the Go stand-in for the original's x86 PAUSE instruction:
// runtime.Gosched donates the remainder of the goroutine's slice without
// parking it, the same backoff primitive the teacher's spinLocker uses.
func procyield() {
	runtime.Gosched()
}
