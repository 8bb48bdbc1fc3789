package sched

import (
	"context"
	"time"
)

// Realization is one parameter sample submitted as a single job. It is
// immutable for the lifetime of a Scheduler run.
type Realization struct {
	// Iens is the non-negative, ensemble-unique realization index.
	Iens int

	// JobScript is the path to the executable the driver launches.
	JobScript string

	// RunPath is the working directory; the driver launches JobScript
	// there, and it is where output files (parameters, responses, the
	// ERROR exit file) appear.
	RunPath string

	// MaxRuntime bounds the job's wall-clock time. Zero means
	// unbounded.
	MaxRuntime time.Duration

	// RunArg bundles the handle ResultCallback needs to persist
	// results for this realization.
	RunArg RunArg
}

// RunArg bundles the identifying information and storage handle a
// ResultCallback needs to read a realization's outputs and persist
// them.
type RunArg struct {
	Iens    int
	RunPath string

	// Itr is the iteration number; parameters are only read on
	// iteration 0 (see ResultCallback).
	Itr int

	Storage Storage
}

// DriverEventKind distinguishes the three events a Driver may report for
// a realization.
type DriverEventKind int

const (
	DriverStarted DriverEventKind = iota
	DriverFinished

	// DriverAborted is reported once a Kill request has been confirmed
	// complete by the backend. Drivers that cannot distinguish
	// "confirmed" from "requested" may report it immediately after
	// Kill returns; the Job merely waits for it before entering
	// ABORTED.
	DriverAborted
)

// DriverEvent is one state change a Driver reports for a realization.
// Events for a given Iens are totally ordered and monotone: STARTED
// precedes FINISHED, and FINISHED is emitted at most once per
// submission. DriverAborted may follow either, once Kill is confirmed.
type DriverEvent struct {
	Iens       int
	Kind       DriverEventKind
	ReturnCode int // valid only when Kind == DriverFinished
}

// Driver is the opaque adaptor to a batch-scheduling backend (LSF, PBS,
// SLURM, or a local process pool). The Scheduler calls Submit and Kill
// from each Job's own goroutine, so calls for different realizations
// may run concurrently, and it only ever reads from Events.
type Driver interface {
	// Submit asks the backend to run jobScript in cwd for iens. It is
	// idempotent per iens within a single Scheduler run. A non-nil
	// error is wrapped as a SubmitError by the caller.
	Submit(ctx context.Context, iens int, jobScript, cwd string) error

	// Kill asks the backend to terminate iens. It must be safe to call
	// in any state after Submit has been called; a no-op before that
	// is acceptable.
	Kill(ctx context.Context, iens int) error

	// Events returns the channel of state-change events the driver
	// publishes for every iens it has accepted a Submit for. The
	// channel is not closed by a well-behaved driver while jobs are
	// still outstanding; the Scheduler stops reading it once every Job
	// has finished.
	Events() <-chan DriverEvent
}

// RunContext identifies which realizations to run in one RunModel
// iteration and where their runpaths live. It is produced externally
// (runpath materialization is out of scope here) and consumed only by
// RunModel.
type RunContext struct {
	SimFS             Storage
	ActiveRealizations []bool
	Iteration         int
	RunPaths          func(iens, iteration int) string
}
