package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Logger is used by Job and Scheduler for structured diagnostics. By
// default, it discards all logs; embedding applications can replace it.
var Logger = slog.New(slog.NewTextHandler(nopWriter{}, nil))

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Job is the per-realization state machine. One Job exists per
// Realization for the lifetime of a single Scheduler run. Its state,
// one-shot signals, and callback diagnostics are mutated only by the
// Job's own goroutine and by the Scheduler's driver-event dispatcher.
type Job struct {
	real     Realization
	state    atomic.Int32
	callback ResultCallback

	mu                 sync.Mutex
	started            chan struct{}
	returncode         chan int
	aborted            chan struct{}
	callbackStatusMsg  strings.Builder
	requestedMaxSubmit int
	lastErr            error

	sink   eventSink
	driver Driver
}

// eventSink is the non-owning handle a Job publishes CloudEvents
// through. The Scheduler implements it; Jobs never hold a reference
// back to the Scheduler itself, breaking the ownership cycle the
// scheduler specification's design notes call out.
type eventSink interface {
	publish(ev cloudEventEnvelope)
	ensembleID() string
}

func newJob(real Realization, driver Driver, sink eventSink, cb ResultCallback) *Job {
	j := &Job{
		real:       real,
		driver:     driver,
		sink:       sink,
		callback:   cb,
		started:    make(chan struct{}),
		returncode: make(chan int, 1),
		aborted:    make(chan struct{}),
	}
	j.state.Store(int32(StateWaiting))
	return j
}

// Iens returns the realization index this Job tracks.
func (j *Job) Iens() int { return j.real.Iens }

// Err returns the error behind this Job's most recent FAILED or ABORTED
// transition - a *SubmitError, *RuntimeError, or one of ErrTimeout,
// ErrLoadFailure, ErrCancelled - or nil if the Job never failed. Callers
// classify it with errors.Is/errors.As.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

func (j *Job) setErr(err error) {
	j.mu.Lock()
	j.lastErr = err
	j.mu.Unlock()
}

// State returns the Job's current state.
func (j *Job) State() State { return State(j.state.Load()) }

func (j *Job) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("iens", j.real.Iens),
		slog.Any("state", j.State()),
	)
}

// notifyStarted is called by the Scheduler's driver-event dispatcher
// when a STARTED event arrives for this Job's current attempt.
func (j *Job) notifyStarted() {
	j.mu.Lock()
	ch := j.started
	j.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// notifyReturnCode is called by the Scheduler's driver-event dispatcher
// when a FINISHED event arrives for this Job's current attempt.
func (j *Job) notifyReturnCode(code int) {
	j.mu.Lock()
	ch := j.returncode
	j.mu.Unlock()
	select {
	case ch <- code:
	default:
		// Already set for this attempt. The driver contract guarantees
		// FINISHED is emitted at most once per submission, so this is
		// unreachable for a well-behaved driver; a misbehaving one is
		// ignored rather than allowed to panic the dispatcher.
	}
}

// notifyAborted is called by the Scheduler's driver-event dispatcher
// once the driver confirms a kill has completed.
func (j *Job) notifyAborted() {
	j.mu.Lock()
	ch := j.aborted
	j.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// run is the Job's public contract: it gates on startSignal, then loops
// up to maxSubmit attempts, and returns once the Job reaches a terminal
// state.
func (j *Job) run(ctx context.Context, startSignal <-chan struct{}, submitSem weightedSemaphore, maxSubmit int) {
	j.requestedMaxSubmit = maxSubmit

	select {
	case <-startSignal:
	case <-ctx.Done():
		j.abortDueToCancellation()
		return
	}

	for attempt := 0; attempt < maxSubmit; attempt++ {
		j.attempt(ctx, submitSem)

		if s := j.State(); s == StateCompleted || s == StateAborted {
			return
		}
		if attempt < maxSubmit-1 {
			Logger.Warn("realization failed, resubmitting",
				"iens", j.real.Iens, "attempt", attempt+1)
		}
	}

	Logger.Error("realization failed after exhausting submit budget",
		"iens", j.real.Iens, "max_submit", maxSubmit)
}

// attempt runs exactly one submission of the job, per the algorithm in
// the scheduler specification's job-state-machine section.
func (j *Job) attempt(ctx context.Context, submitSem weightedSemaphore) {
	if err := submitSem.Acquire(ctx, 1); err != nil {
		// Only external cancellation can make Acquire fail here.
		j.abortDueToCancellation()
		return
	}
	defer submitSem.Release(1)

	j.send(StateSubmitting)
	if err := j.driver.Submit(ctx, j.real.Iens, j.real.JobScript, j.real.RunPath); err != nil {
		serr := &SubmitError{Iens: j.real.Iens, Err: err}
		j.setErr(serr)
		Logger.Error("submit failed", "iens", j.real.Iens, "error", serr)
		j.finishAttempt(StateFailed)
		return
	}

	j.send(StatePending)
	select {
	case <-j.started:
	case <-ctx.Done():
		j.abortDueToCancellation()
		return
	}

	j.send(StateRunning)

	var cancelTimeout context.CancelFunc = func() {}
	if j.real.MaxRuntime > 0 {
		var timeoutCtx context.Context
		timeoutCtx, cancelTimeout = context.WithCancel(context.Background())
		go j.runTimeout(timeoutCtx)
	}

	select {
	case code := <-j.returncode:
		cancelTimeout()
		j.completeAttempt(code)
	case <-ctx.Done():
		cancelTimeout()
		j.abortDueToCancellation()
	}
}

// abortDueToCancellation records ErrCancelled and drives the Job through
// ABORTING -> kill -> ABORTED. It is the common path for every place
// external cancellation can interrupt an attempt in progress.
func (j *Job) abortDueToCancellation() {
	j.setErr(ErrCancelled)
	j.send(StateAborting)
	j.runAbortPath(context.Background())
}

// runTimeout sleeps for the realization's max runtime, then publishes a
// realization-timeout event and signals the attempt's returncode with
// the timeout sentinel. It is cancelled as soon as the attempt ends
// through any other path.
func (j *Job) runTimeout(ctx context.Context) {
	timer := newTimer(j.real.MaxRuntime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C():
		j.sink.publish(timeoutEnvelope(j.sink.ensembleID(), j.real.Iens))
		j.mu.Lock()
		ch := j.returncode
		j.mu.Unlock()
		select {
		case ch <- timeoutReturnCode:
		default:
		}
	}
}

// timeoutReturnCode is a sentinel passed through the returncode channel
// to signal a timeout rather than an actual process exit code. It never
// collides with a real exit code, which every supported backend clamps
// to [0, 255].
const timeoutReturnCode = -1

// completeAttempt handles the returncode observed for the current
// attempt: on a clean (code == 0) exit it invokes the ResultCallback
// synchronously. Whenever the attempt fails (a non-zero code, the
// timeout sentinel, or a callback load failure) it marks the attempt
// failed and resets the one-shot signals for a retry.
func (j *Job) completeAttempt(code int) {
	if code == timeoutReturnCode {
		Logger.Warn("realization exceeded max runtime", "iens", j.real.Iens)
		j.setErr(ErrTimeout)
		j.finishAttempt(StateFailed)
		return
	}

	if code == 0 {
		status, msg := j.callback(j.real.RunArg)
		j.appendStatusMsg(msg)
		if status == LoadSuccessful {
			j.send(StateCompleted)
			return
		}
		j.setErr(ErrLoadFailure)
		j.finishAttempt(StateFailed)
		return
	}

	Logger.Warn("realization exited non-zero", "iens", j.real.Iens, "code", code)
	j.setErr(&RuntimeError{Iens: j.real.Iens, ReturnCode: code})
	j.finishAttempt(StateFailed)
}

// finishAttempt sends the given state and resets the one-shot signals
// so a subsequent attempt can reuse them.
func (j *Job) finishAttempt(s State) {
	j.send(s)
	j.mu.Lock()
	j.started = make(chan struct{})
	j.returncode = make(chan int, 1)
	j.mu.Unlock()
}

// runAbortPath drives the ABORTING -> kill -> ABORTED sequence for
// external cancellation. It never invokes the ResultCallback, even if
// the process happened to exit cleanly underneath it.
func (j *Job) runAbortPath(ctx context.Context) {
	if err := j.driver.Kill(ctx, j.real.Iens); err != nil {
		Logger.Error("kill failed", "iens", j.real.Iens, "error", err)
	}
	<-j.aborted
	j.send(StateAborted)
}

// appendStatusMsg accumulates ResultCallback diagnostics across
// attempts, separated by a newline. An earlier implementation of this
// logic replaced the message instead of appending whenever the
// accumulator started out empty; that asymmetry is deliberately not
// reproduced here.
func (j *Job) appendStatusMsg(msg string) {
	if msg == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.callbackStatusMsg.Len() > 0 {
		j.callbackStatusMsg.WriteByte('\n')
	}
	j.callbackStatusMsg.WriteString(msg)
}

func (j *Job) statusMsg() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.callbackStatusMsg.String()
}

// send sets the Job's state, runs handleFailure first for the two
// failure-terminal states, then publishes exactly one CloudEvent for
// the new state.
func (j *Job) send(s State) {
	j.state.Store(int32(s))
	if s == StateFailed || s == StateAborted {
		j.handleFailure(s)
	}
	j.sink.publish(stateEnvelope(j.sink.ensembleID(), j.real.Iens, s))
}

// handleFailure marks the realization's storage state as a load
// failure, logs accumulated callback diagnostics, and opportunistically
// parses an ERROR file from the runpath into the log. It runs at most
// once per FAILED or ABORTED transition, since send only calls it on
// entry to one of those two states.
func (j *Job) handleFailure(s State) {
	if j.real.RunArg.Storage != nil {
		j.real.RunArg.Storage.SetState(j.real.Iens, StorageLoadFailure)
	}

	msg := j.statusMsg()
	Logger.Error("realization failed",
		"iens", j.real.Iens,
		"state", s,
		"max_submit", j.requestedMaxSubmit,
		"status", msg,
	)

	info, err := readErrorFile(j.real.RunPath)
	switch {
	case err != nil && !errors.Is(err, errFileNotExist):
		Logger.Error("failed to parse ERROR file", "iens", j.real.Iens, "error", err)
	case info != nil:
		Logger.Error(fmt.Sprintf("job %s failed with: %q", info.Job, info.Reason),
			"iens", j.real.Iens,
			"stderr_file", info.StderrFile,
			"stderr", info.Stderr,
		)
	}
}

// weightedSemaphore is the subset of golang.org/x/sync/semaphore.Weighted
// a Job needs; it is an interface so tests can substitute a fake
// semaphore without pulling the real one into the test binary.
type weightedSemaphore interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}
