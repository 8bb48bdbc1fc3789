/*
Package sched is the realization scheduler for an ensemble simulation
driver: it submits a population of stochastic realizations as jobs to a
batch compute backend (LSF, PBS, SLURM, or a local process pool),
collects their results through a ResultCallback, and exposes the
terminal state of every realization once the phase completes.

# Architecture

A [Driver] is an opaque adaptor to a batch backend: it submits commands,
streams STARTED/FINISHED state changes, and honours kill requests. A
[Job] is the per-realization state machine that owns one submission
attempt at a time and retries up to a configured budget. A [Scheduler]
orchestrates many Jobs concurrently, bounded by a submission semaphore,
and publishes a CloudEvents stream of state transitions. [RunModel]
drives one or more evaluate/update phases on top of a Scheduler.

# Concurrency

The scheduler runs every Job on its own goroutine, coordinated through
channels and a bounded semaphore (golang.org/x/sync/semaphore.Weighted).
Per-Job state (Job.started, Job.returncode, Job.aborted) is carried by
one-shot channels rather than polled booleans: each is set at most once
per attempt and replaced between attempts of the same Job.

# Usage

	driver := local.New(local.Options{MaxWorkers: 4})
	s := sched.NewScheduler(driver, realizations, sched.Options{
	    MaxSubmit:  2,
	    MaxRunning: 4,
	}, "ens-1")

	summary, err := s.Execute(ctx)
	if err != nil {
	    log.Fatal(err)
	}
	for iens, state := range summary {
	    fmt.Println(iens, state)
	}
*/
package sched
