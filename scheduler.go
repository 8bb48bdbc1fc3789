package sched

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options configures a Scheduler run. Zero values pick the defaults
// documented on each field.
type Options struct {
	// MaxSubmit is the per-realization attempt budget. Defaults to 2.
	MaxSubmit int

	// MaxRunning bounds how many Jobs may simultaneously be in
	// SUBMITTING, PENDING, or RUNNING. Defaults to the realization
	// count (effectively unbounded).
	MaxRunning int

	// Callback is invoked after every exit-code-0 attempt. Defaults to
	// DefaultResultCallback.
	Callback ResultCallback
}

func (o Options) withDefaults(n int) Options {
	if o.MaxSubmit <= 0 {
		o.MaxSubmit = 2
	}
	if o.MaxRunning <= 0 {
		o.MaxRunning = n
	}
	if o.Callback == nil {
		o.Callback = DefaultResultCallback
	}
	return o
}

// Scheduler orchestrates one Job per Realization concurrently, bounded
// by a submission semaphore, and publishes a single-consumer stream of
// CloudEvents describing every Job's state transitions.
type Scheduler struct {
	driver Driver
	jobs   map[int]*Job
	opts   Options
	ensID  string

	submitSem *semaphore.Weighted

	events chan cloudEventEnvelope

	mu        sync.Mutex
	cancelled bool
	cancelCh  chan struct{}
}

// NewScheduler builds one Job per realization, sizes the submission
// semaphore to opts.MaxRunning, and prepares the event channel. ensID
// identifies this ensemble evaluation and is used as the event-source
// prefix on every published CloudEvent.
func NewScheduler(driver Driver, realizations []Realization, opts Options, ensID string) *Scheduler {
	opts = opts.withDefaults(len(realizations))

	s := &Scheduler{
		driver:    driver,
		opts:      opts,
		ensID:     ensID,
		submitSem: semaphore.NewWeighted(int64(opts.MaxRunning)),
		events:    make(chan cloudEventEnvelope, 64),
		cancelCh:  make(chan struct{}),
		jobs:      make(map[int]*Job, len(realizations)),
	}

	cb := safeCallback(opts.Callback)
	for _, real := range realizations {
		s.jobs[real.Iens] = newJob(real, driver, s, cb)
	}
	return s
}

func (s *Scheduler) publish(ev cloudEventEnvelope) {
	select {
	case s.events <- ev:
	default:
		// The queue is sized generously (§5: "must not block; queue is
		// unbounded or adequately sized"); a full queue here means a
		// consumer has stopped draining Events, which is a caller bug,
		// not something a producer should block indefinitely on.
		go func() { s.events <- ev }()
	}
}

func (s *Scheduler) ensembleID() string { return s.ensID }

// Events returns the single-consumer channel of CloudEvents describing
// every Job's state transitions, in per-iens FIFO order. No total order
// across distinct realizations is guaranteed.
func (s *Scheduler) Events() <-chan cloudEventEnvelope { return s.events }

// Cancel requests external cancellation: every non-terminal Job is
// driven through ABORTING -> ABORTED. Execute does not return until
// every Job has reached a terminal state.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		s.cancelled = true
		close(s.cancelCh)
	}
}

// Summary maps realization index to its terminal Job state.
type Summary map[int]State

// Execute drives the experiment: it starts the driver-event dispatcher
// and the cancellation watcher, spawns one goroutine per Job, releases
// the start gate, and waits for every Job to reach a terminal state.
func (s *Scheduler) Execute(ctx context.Context) (Summary, error) {
	if len(s.jobs) == 0 {
		return Summary{}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// jobsDone closes once every Job goroutine has reached a terminal
	// state; the dispatcher and cancellation watcher key off it rather
	// than an errgroup-derived context, since that context would only
	// cancel once those same background tasks return - a cycle that
	// would otherwise deadlock the dispatcher against its own exit
	// condition.
	jobsDone := make(chan struct{})
	startSignal := make(chan struct{})

	var jobGroup errgroup.Group
	for _, job := range s.jobs {
		job := job
		jobGroup.Go(func() error {
			job.run(runCtx, startSignal, s.submitSem, s.opts.MaxSubmit)
			return nil
		})
	}
	go func() {
		_ = jobGroup.Wait()
		close(jobsDone)
	}()

	var bg errgroup.Group

	// Dispatcher: forwards driver events to the matching Job.
	bg.Go(func() error {
		for {
			select {
			case ev, ok := <-s.driver.Events():
				if !ok {
					return nil
				}
				job, found := s.jobs[ev.Iens]
				if !found {
					continue
				}
				switch ev.Kind {
				case DriverStarted:
					job.notifyStarted()
				case DriverFinished:
					job.notifyReturnCode(ev.ReturnCode)
				case DriverAborted:
					job.notifyAborted()
				}
			case <-jobsDone:
				return nil
			}
		}
	})

	// Cancellation watcher: external Cancel() or ctx cancellation both
	// tear down every Job's attempt loop via runCtx.
	bg.Go(func() error {
		select {
		case <-s.cancelCh:
			cancel()
		case <-ctx.Done():
			cancel()
		case <-jobsDone:
		}
		return nil
	})

	close(startSignal)

	<-jobsDone
	_ = bg.Wait()

	summary := make(Summary, len(s.jobs))
	for iens, job := range s.jobs {
		summary[iens] = job.State()
	}
	return summary, nil
}

// Err returns the error behind realization iens's most recent FAILED or
// ABORTED transition, or nil if it never failed (or iens is unknown).
// Callers classify it with errors.Is/errors.As against ErrSubmit,
// ErrRuntimeNonZero, ErrTimeout, ErrLoadFailure, and ErrCancelled.
func (s *Scheduler) Err(iens int) error {
	job, ok := s.jobs[iens]
	if !ok {
		return nil
	}
	return job.Err()
}

