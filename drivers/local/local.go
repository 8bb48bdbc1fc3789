// Package local implements a sched.Driver that runs forward-model jobs
// as local subprocesses, bounded by a fixed-size worker pool. It stands
// in for a real batch backend (LSF, PBS, SLURM), which are out of scope
// here.
package local

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/ert-sched/scheduler"
)

// Options configures a Driver.
type Options struct {
	// MaxWorkers bounds how many subprocesses run concurrently.
	// Defaults to 4.
	MaxWorkers int
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4
	}
	return o
}

type submission struct {
	iens      int
	jobScript string
	cwd       string
}

// Driver runs forward-model jobs as local subprocesses. It satisfies
// sched.Driver.
type Driver struct {
	opts   Options
	events chan sched.DriverEvent
	work   chan submission

	mu      sync.Mutex
	cancels map[int]context.CancelFunc

	startOnce sync.Once
}

// New builds a local-process-pool Driver and starts its worker pool.
func New(opts Options) *Driver {
	opts = opts.withDefaults()
	d := &Driver{
		opts:    opts,
		events:  make(chan sched.DriverEvent, 256),
		work:    make(chan submission),
		cancels: make(map[int]context.CancelFunc),
	}
	d.startOnce.Do(func() {
		for i := 0; i < opts.MaxWorkers; i++ {
			go d.worker()
		}
	})
	return d
}

func (d *Driver) worker() {
	for sub := range d.work {
		d.runOne(sub)
	}
}

// startFailureReturnCode is reported when the job script could not be
// run at all (missing, not executable, exec itself failed) rather than
// exiting with a real code. It is distinct from both the [0, 255] exit
// code range and the scheduler's own timeout sentinel, so a failed
// launch can never be misread as a realization timeout.
const startFailureReturnCode = -2

// signalReturnCode is reported when the process was terminated by a
// signal, for which os/exec reports an exit code of -1 - the same value
// as the scheduler's timeout sentinel.
const signalReturnCode = -3

func (d *Driver) runOne(sub submission) {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancels[sub.iens] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, sub.iens)
		d.mu.Unlock()
		cancel()
	}()

	d.events <- sched.DriverEvent{Iens: sub.iens, Kind: sched.DriverStarted}

	cmd := exec.CommandContext(ctx, sub.jobScript)
	cmd.Dir = sub.cwd

	code := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if code < 0 {
				code = signalReturnCode
			}
		} else {
			code = startFailureReturnCode
		}
	}

	d.events <- sched.DriverEvent{Iens: sub.iens, Kind: sched.DriverFinished, ReturnCode: code}
}

// Submit hands jobScript to a worker for execution in cwd, blocking
// until a worker takes it or ctx is done. It does not detect duplicate
// submissions: a second Submit for an iens that is already running
// starts the script again.
func (d *Driver) Submit(ctx context.Context, iens int, jobScript, cwd string) error {
	select {
	case d.work <- submission{iens: iens, jobScript: jobScript, cwd: cwd}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("local driver: submit %d: %w", iens, ctx.Err())
	}
}

// Kill cancels the subprocess for iens, if one is running, and reports
// the kill as confirmed immediately. It does not wait for the process
// to exit: os/exec kills it after the context is cancelled, and its
// FINISHED event follows separately.
func (d *Driver) Kill(ctx context.Context, iens int) error {
	d.mu.Lock()
	cancel, ok := d.cancels[iens]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	select {
	case d.events <- sched.DriverEvent{Iens: iens, Kind: sched.DriverAborted}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Events returns the channel of state-change events for every
// realization this Driver has accepted.
func (d *Driver) Events() <-chan sched.DriverEvent { return d.events }
