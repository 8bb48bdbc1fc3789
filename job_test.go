package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeDriver is a scriptable Driver for exercising Job/Scheduler directly
// from within package sched, where importing drivers/stub would create an
// import cycle (drivers/stub imports this package).
type fakeDriver struct {
	events chan DriverEvent

	mu        sync.Mutex
	submitted []int
	killed    []int
	submitErr map[int]error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		events:    make(chan DriverEvent, 64),
		submitErr: make(map[int]error),
	}
}

func (d *fakeDriver) Submit(ctx context.Context, iens int, jobScript, cwd string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted = append(d.submitted, iens)
	if err := d.submitErr[iens]; err != nil {
		delete(d.submitErr, iens)
		return err
	}
	return nil
}

func (d *fakeDriver) Kill(ctx context.Context, iens int) error {
	d.mu.Lock()
	d.killed = append(d.killed, iens)
	d.mu.Unlock()
	d.events <- DriverEvent{Iens: iens, Kind: DriverAborted}
	return nil
}

func (d *fakeDriver) Events() <-chan DriverEvent { return d.events }

func (d *fakeDriver) start(iens int) { d.events <- DriverEvent{Iens: iens, Kind: DriverStarted} }

func (d *fakeDriver) finish(iens, code int) {
	d.events <- DriverEvent{Iens: iens, Kind: DriverFinished, ReturnCode: code}
}

func (d *fakeDriver) submitCount(iens int) int {
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

func newTestRealization(iens int) Realization {
	return Realization{
		Iens:      iens,
		JobScript: "job.sh",
		RunPath:   "/tmp/does-not-exist",
		RunArg:    RunArg{Iens: iens, RunPath: "/tmp/does-not-exist"},
	}
}

// driveAsync runs the driver's scripted started/finished sequence
// on its own goroutine so Execute's synchronous wait doesn't deadlock
// against the dispatcher it depends on.
func driveAsync(fn func()) {
	go fn()
}

func TestSchedulerHappyPath(t *testing.T) {
	driver := newFakeDriver()
	real := newTestRealization(1)

	driveAsync(func() {
		time.Sleep(10 * time.Millisecond)
		driver.start(1)
		driver.finish(1, 0)
	})

	s := NewScheduler(driver, []Realization{real}, Options{}, "ens-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := s.Execute(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, summary[1], StateCompleted)
	assertEqual(t, driver.submitCount(1), 1)
}

func TestSchedulerRetryThenSuccess(t *testing.T) {
	driver := newFakeDriver()
	real := newTestRealization(2)

	driveAsync(func() {
		time.Sleep(5 * time.Millisecond)
		driver.start(2)
		driver.finish(2, 1) // first attempt fails

		time.Sleep(5 * time.Millisecond)
		driver.start(2)
		driver.finish(2, 0) // second attempt succeeds
	})

	s := NewScheduler(driver, []Realization{real}, Options{MaxSubmit: 2}, "ens-2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := s.Execute(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, summary[2], StateCompleted)
	assertEqual(t, driver.submitCount(2), 2)
}

func TestSchedulerRetriesExhausted(t *testing.T) {
	driver := newFakeDriver()
	real := newTestRealization(3)

	driveAsync(func() {
		for i := 0; i < 2; i++ {
			time.Sleep(5 * time.Millisecond)
			driver.start(3)
			driver.finish(3, 1)
		}
	})

	s := NewScheduler(driver, []Realization{real}, Options{MaxSubmit: 2}, "ens-3")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := s.Execute(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, summary[3], StateFailed)
	assertEqual(t, driver.submitCount(3), 2)
	var runtimeErr *RuntimeError
	if !errors.As(s.Err(3), &runtimeErr) || runtimeErr.ReturnCode != 1 {
		t.Fatalf("expected *RuntimeError with code 1, got %v", s.Err(3))
	}
	if !errors.Is(s.Err(3), ErrRuntimeNonZero) {
		t.Fatalf("expected ErrRuntimeNonZero, got %v", s.Err(3))
	}
}

func TestSchedulerTimeout(t *testing.T) {
	orig := newTimer
	fired := make(chan time.Time, 1)
	newTimer = func(d time.Duration) timer {
		return fakeTimerImmediate{ch: fired}
	}
	defer func() { newTimer = orig }()

	driver := newFakeDriver()
	real := newTestRealization(4)
	real.MaxRuntime = time.Millisecond

	driveAsync(func() {
		time.Sleep(5 * time.Millisecond)
		driver.start(4)
		fired <- time.Now()
		// No FINISHED event ever arrives; the timeout sentinel must
		// drive the job to FAILED on its own.
	})

	s := NewScheduler(driver, []Realization{real}, Options{MaxSubmit: 1}, "ens-4")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := s.Execute(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, summary[4], StateFailed)
	if !errors.Is(s.Err(4), ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", s.Err(4))
	}
}

func TestSchedulerExternalCancellation(t *testing.T) {
	driver := newFakeDriver()
	real := newTestRealization(5)

	s := NewScheduler(driver, []Realization{real}, Options{}, "ens-5")

	driveAsync(func() {
		time.Sleep(10 * time.Millisecond)
		s.Cancel()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := s.Execute(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, summary[5], StateAborted)
	if len(driver.killed) != 1 || driver.killed[0] != 5 {
		t.Fatalf("expected realization 5 to be killed, got %v", driver.killed)
	}
	if !errors.Is(s.Err(5), ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", s.Err(5))
	}
}

func TestSchedulerCallbackFailure(t *testing.T) {
	driver := newFakeDriver()
	real := newTestRealization(6)

	s := NewScheduler(driver, []Realization{real}, Options{
		MaxSubmit: 1,
		Callback: func(run RunArg) (LoadStatus, string) {
			return LoadFailure, "synthetic load failure"
		},
	}, "ens-6")

	driveAsync(func() {
		time.Sleep(5 * time.Millisecond)
		driver.start(6)
		driver.finish(6, 0)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := s.Execute(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, summary[6], StateFailed)
	if !errors.Is(s.Err(6), ErrLoadFailure) {
		t.Fatalf("expected ErrLoadFailure, got %v", s.Err(6))
	}
}

func TestSchedulerSubmitRejected(t *testing.T) {
	driver := newFakeDriver()
	submitErr := errors.New("backend unreachable")
	driver.submitErr[7] = submitErr
	real := newTestRealization(7)

	s := NewScheduler(driver, []Realization{real}, Options{MaxSubmit: 1}, "ens-7")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := s.Execute(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, summary[7], StateFailed)
	if !errors.Is(s.Err(7), ErrSubmit) {
		t.Fatalf("expected ErrSubmit, got %v", s.Err(7))
	}
	var submitErrWant *SubmitError
	if !errors.As(s.Err(7), &submitErrWant) || submitErrWant.Err != submitErr {
		t.Fatalf("expected *SubmitError wrapping %v, got %v", submitErr, s.Err(7))
	}
}

// fakeTimerImmediate is a timer stub whose channel is fed manually by the
// test rather than firing after a real duration.
type fakeTimerImmediate struct {
	ch chan time.Time
}

func (f fakeTimerImmediate) C() <-chan time.Time { return f.ch }
func (f fakeTimerImmediate) Stop() bool          { return true }

func TestAppendStatusMsgAccumulates(t *testing.T) {
	j := &Job{}
	j.appendStatusMsg("first")
	j.appendStatusMsg("second")
	assertEqual(t, j.statusMsg(), "first\nsecond")
}

func TestAppendStatusMsgSkipsEmpty(t *testing.T) {
	j := &Job{}
	j.appendStatusMsg("")
	assertEqual(t, j.statusMsg(), "")
}
