package sched

import "time"

// timer is the minimal interface Job's timeout task needs from
// time.Timer. newTimer is a package variable so tests can substitute a
// fast, deterministic timer instead of waiting out real wall-clock
// durations for max_runtime.
type timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

var newTimer = func(d time.Duration) timer {
	return realTimer{t: time.NewTimer(d)}
}
