// Package stub provides a scriptable, in-memory sched.Driver for
// replaying exact driver-event transcripts in tests - the kind of
// deterministic fixture the scheduler's end-to-end scenarios (S1-S6 in
// the scheduler specification) are built on.
package stub

import (
	"context"
	"sync"

	"github.com/ert-sched/scheduler"
)

// Driver is a scriptable sched.Driver. Tests drive it by calling Start,
// Finish, and ConfirmKill directly; Submit and Kill are recorded for
// assertions rather than triggering any backend behavior on their own.
type Driver struct {
	events chan sched.DriverEvent

	// AutoConfirmKill, when true (the default), publishes the
	// DriverAborted confirmation as soon as Kill is called, so tests
	// that don't care about the confirmation's timing don't need to
	// call ConfirmKill themselves.
	AutoConfirmKill bool

	mu        sync.Mutex
	submitted []int
	submitErr map[int]error
	killed    []int
	killErr   map[int]error
}

// New builds an empty scriptable Driver with AutoConfirmKill enabled.
func New() *Driver {
	return &Driver{
		events:          make(chan sched.DriverEvent, 256),
		submitErr:       make(map[int]error),
		killErr:         make(map[int]error),
		AutoConfirmKill: true,
	}
}

// FailSubmit makes the next Submit for iens return err.
func (d *Driver) FailSubmit(iens int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitErr[iens] = err
}

// FailKill makes Kill for iens return err.
func (d *Driver) FailKill(iens int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killErr[iens] = err
}

func (d *Driver) Submit(ctx context.Context, iens int, jobScript, cwd string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted = append(d.submitted, iens)
	if err := d.submitErr[iens]; err != nil {
		delete(d.submitErr, iens)
		return err
	}
	return nil
}

func (d *Driver) Kill(ctx context.Context, iens int) error {
	d.mu.Lock()
	d.killed = append(d.killed, iens)
	err := d.killErr[iens]
	auto := d.AutoConfirmKill
	d.mu.Unlock()
	if err == nil && auto {
		d.ConfirmKill(iens)
	}
	return err
}

func (d *Driver) Events() <-chan sched.DriverEvent { return d.events }

// Start publishes a STARTED event for iens.
func (d *Driver) Start(iens int) {
	d.events <- sched.DriverEvent{Iens: iens, Kind: sched.DriverStarted}
}

// Finish publishes a FINISHED event for iens with the given exit code.
func (d *Driver) Finish(iens, code int) {
	d.events <- sched.DriverEvent{Iens: iens, Kind: sched.DriverFinished, ReturnCode: code}
}

// ConfirmKill publishes the DriverAborted confirmation for iens.
func (d *Driver) ConfirmKill(iens int) {
	d.events <- sched.DriverEvent{Iens: iens, Kind: sched.DriverAborted}
}

// Submitted returns the iens values Submit was called with, in call
// order (including duplicates, if any).
func (d *Driver) Submitted() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.submitted))
	copy(out, d.submitted)
	return out
}

// Killed returns the iens values Kill was called with, in call order.
func (d *Driver) Killed() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.killed))
	copy(out, d.killed)
	return out
}

// SubmittedCount returns how many times Submit was called for iens.
func (d *Driver) SubmittedCount(iens int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, v := range d.submitted {
		if v == iens {
			n++
		}
	}
	return n
}
