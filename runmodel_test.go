package sched

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeRunPaths struct {
	created int
	err     error
}

func (f *fakeRunPaths) Create(ctx context.Context, rc RunContext) error {
	f.created++
	return f.err
}

type countingAnalysis struct {
	failUntil int
	calls     int
}

func (a *countingAnalysis) Update(ctx context.Context, prior, posterior Storage, iteration int) error {
	a.calls++
	if a.calls <= a.failUntil {
		return errors.New("analysis not converged yet")
	}
	return nil
}

func buildRunRealization(rc RunContext, iens int, runPath string) Realization {
	return Realization{
		Iens:      iens,
		JobScript: "job.sh",
		RunPath:   runPath,
		RunArg:    RunArg{Iens: iens, RunPath: runPath, Itr: rc.Iteration, Storage: rc.SimFS},
	}
}

func runPhaseDriver(driver *fakeDriver, iens []int) {
	driveAsync(func() {
		for _, i := range iens {
			time.Sleep(time.Millisecond)
			driver.start(i)
			driver.finish(i, 0)
		}
	})
}

func TestRunModelRunPhaseSucceeds(t *testing.T) {
	driver := newFakeDriver()
	storage := NewMemoryStorage(Experiment{})
	rc := RunContext{
		SimFS:              storage,
		ActiveRealizations: []bool{true, true},
		RunPaths:           func(iens, iteration int) string { return "/tmp/real" },
	}

	runPhaseDriver(driver, []int{0, 1})

	m := NewRunModel(RunModelConfig{
		Driver:          driver,
		SchedulerOpts:   Options{},
		MinRealizations: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := m.RunPhase(ctx, rc, buildRunRealization, "ens-phase")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, summary[0], StateCompleted)
	assertEqual(t, summary[1], StateCompleted)
}

func TestRunModelRunPhaseInsufficientRealizations(t *testing.T) {
	driver := newFakeDriver()
	storage := NewMemoryStorage(Experiment{})
	rc := RunContext{
		SimFS:              storage,
		ActiveRealizations: []bool{true, true},
		RunPaths:           func(iens, iteration int) string { return "/tmp/real" },
	}

	// realization 1 exits non-zero and never reaches HAS_DATA.
	driveAsync(func() {
		time.Sleep(time.Millisecond)
		driver.start(0)
		driver.finish(0, 0)
		time.Sleep(time.Millisecond)
		driver.start(1)
		driver.finish(1, 1)
	})

	m := NewRunModel(RunModelConfig{
		Driver:          driver,
		SchedulerOpts:   Options{MaxSubmit: 1},
		MinRealizations: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.RunPhase(ctx, rc, buildRunRealization, "ens-phase-2")
	if !errors.Is(err, ErrInsufficientRealizations) {
		t.Fatalf("expected ErrInsufficientRealizations, got %v", err)
	}
}

func TestRunModelRunPathCreationFailure(t *testing.T) {
	driver := newFakeDriver()
	rc := RunContext{
		SimFS:              NewMemoryStorage(Experiment{}),
		ActiveRealizations: []bool{true},
		RunPaths:           func(iens, iteration int) string { return "/tmp/real" },
	}

	m := NewRunModel(RunModelConfig{
		Driver:   driver,
		RunPaths: &fakeRunPaths{err: errors.New("disk full")},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := m.RunPhase(ctx, rc, buildRunRealization, "ens-phase-3")
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestRunIteratedSmootherRetriesAnalysis(t *testing.T) {
	driver := newFakeDriver()
	analysis := &countingAnalysis{failUntil: 1}

	runPhaseDriver(driver, []int{0})
	// Second iteration's realization.
	driveAsync(func() {
		time.Sleep(10 * time.Millisecond)
		driver.start(0)
		driver.finish(0, 0)
	})

	rc := RunContext{
		SimFS:              NewMemoryStorage(Experiment{}),
		ActiveRealizations: []bool{true},
		RunPaths:           func(iens, iteration int) string { return "/tmp/real" },
	}

	m := NewRunModel(RunModelConfig{
		Driver:          driver,
		SchedulerOpts:   Options{MaxSubmit: 1},
		MinRealizations: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.RunIteratedSmoother(ctx, rc, buildRunRealization, "ens-iter", IteratedSmootherConfig{
		NumIterations:     2,
		NumRetriesPerIter: 3,
		Analysis:          analysis,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis.calls != 2 {
		t.Fatalf("expected analysis to be called twice (1 failure + 1 success), got %d", analysis.calls)
	}
}

func TestRunIteratedSmootherAnalysisExhausted(t *testing.T) {
	driver := newFakeDriver()
	analysis := &countingAnalysis{failUntil: 100}

	runPhaseDriver(driver, []int{0})

	rc := RunContext{
		SimFS:              NewMemoryStorage(Experiment{}),
		ActiveRealizations: []bool{true},
		RunPaths:           func(iens, iteration int) string { return "/tmp/real" },
	}

	m := NewRunModel(RunModelConfig{
		Driver:          driver,
		SchedulerOpts:   Options{MaxSubmit: 1},
		MinRealizations: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.RunIteratedSmoother(ctx, rc, buildRunRealization, "ens-iter-2", IteratedSmootherConfig{
		NumIterations:     2,
		NumRetriesPerIter: 2,
		Analysis:          analysis,
	})
	if !errors.Is(err, ErrAnalysisFailed) {
		t.Fatalf("expected ErrAnalysisFailed, got %v", err)
	}
}
