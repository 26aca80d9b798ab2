// Package clock abstracts time so the aggregators and scheduler can be
// driven deterministically in tests instead of sleeping on a wall clock.
package clock

import "time"

// Timer is the subset of time.Timer that callers need. It lets a mock
// clock fire timers on demand instead of waiting out a real duration.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Clock is the time source every aggregator and the scheduler are built
// against. Production code uses Real; tests use a Mock so that "flush
// interval elapsed" and "entry expired" are assertions about logical time,
// not races against the wall clock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real is the production Clock backed by the standard library.
type Real struct{}

func NewReal() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time        { return r.t.C }
func (r realTimer) Stop() bool                 { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
