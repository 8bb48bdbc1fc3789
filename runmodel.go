package sched

import (
	"context"
	"fmt"
)

// RunPathCreator materializes the on-disk runpaths for a RunContext's
// active realizations. The real filesystem layout is an external
// concern (the specification calls out "runpath creator is external");
// this interface is the narrow seam RunModel depends on.
type RunPathCreator interface {
	Create(ctx context.Context, rc RunContext) error
}

// AnalysisUpdate is the ensemble-Kalman/smoother update step invoked
// between iterations of an iterated-smoother experiment. The analysis
// mathematics are out of scope; RunModel only needs to invoke it and
// react to success/failure.
type AnalysisUpdate interface {
	Update(ctx context.Context, prior, posterior Storage, iteration int) error
}

// RunModelConfig bundles the collaborators and options a RunModel needs
// to drive one or more evaluate/update phases: a Driver to submit jobs
// through, a RunPathCreator, a HookRunner, and the Scheduler options
// (max_submit, max_running, the result callback).
type RunModelConfig struct {
	Driver         Driver
	RunPaths       RunPathCreator
	Hooks          HookRunner
	SchedulerOpts  Options
	MinRealizations int
}

func (c RunModelConfig) withDefaults() RunModelConfig {
	if c.Hooks == nil {
		c.Hooks = NoopHooks{}
	}
	return c
}

// RunModel drives the phase-level loop on top of a Scheduler: for each
// iteration it builds a RunContext, invokes pre-simulation hooks,
// materializes runpaths, builds Realizations, runs the Scheduler to
// completion, and checks that enough realizations succeeded.
type RunModel struct {
	cfg RunModelConfig
}

// NewRunModel constructs a RunModel from its collaborators.
func NewRunModel(cfg RunModelConfig) *RunModel {
	cfg = cfg.withDefaults()
	return &RunModel{cfg: cfg}
}

// realizationBuilder turns a RunContext's active-realization mask into
// concrete Realizations. It is supplied by the caller since the job
// script path, max runtime, and storage wiring are experiment-specific.
type realizationBuilder func(rc RunContext, iens int, runPath string) Realization

// RunPhase runs a single evaluate phase: one RunContext, one Scheduler
// run, then a success check against MinRealizations. It returns the
// Scheduler's terminal-state summary, or ErrInsufficientRealizations if
// too few realizations completed with HAS_DATA in storage.
func (m *RunModel) RunPhase(ctx context.Context, rc RunContext, build realizationBuilder, ensID string) (Summary, error) {
	if err := m.cfg.Hooks.Run(ctx, HookPreSimulation); err != nil {
		return nil, fmt.Errorf("sched: pre-simulation hooks: %w", err)
	}

	if m.cfg.RunPaths != nil {
		if err := m.cfg.RunPaths.Create(ctx, rc); err != nil {
			return nil, fmt.Errorf("sched: runpath creation: %w", err)
		}
	}

	realizations := m.buildRealizations(rc, build)

	s := NewScheduler(m.cfg.Driver, realizations, m.cfg.SchedulerOpts, ensID)
	summary, err := s.Execute(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.checkSufficient(summary, rc.SimFS); err != nil {
		return summary, err
	}
	return summary, nil
}

func (m *RunModel) buildRealizations(rc RunContext, build realizationBuilder) []Realization {
	var out []Realization
	for iens, active := range rc.ActiveRealizations {
		if !active {
			continue
		}
		runPath := rc.RunPaths(iens, rc.Iteration)
		out = append(out, build(rc, iens, runPath))
	}
	return out
}

// checkSufficient counts realizations that both reached COMPLETED and
// recorded HAS_DATA in storage, and fails the phase if that count is
// below MinRealizations.
func (m *RunModel) checkSufficient(summary Summary, storage Storage) error {
	succeeded := 0
	for iens, state := range summary {
		if state == StateCompleted && storage.State(iens) == StorageHasData {
			succeeded++
		}
	}
	if succeeded < m.cfg.MinRealizations {
		return fmt.Errorf("%w: %d of %d required", ErrInsufficientRealizations, succeeded, m.cfg.MinRealizations)
	}
	return nil
}

// IteratedSmootherConfig configures RunIteratedSmoother on top of a
// RunModelConfig: the number of evaluate/update iterations and the
// retry budget for a failing analysis update.
type IteratedSmootherConfig struct {
	NumIterations      int
	NumRetriesPerIter  int
	Analysis           AnalysisUpdate
}

// RunIteratedSmoother repeats RunPhase for cfg.NumIterations iterations,
// invoking the analysis update between each pair of iterations and
// retrying it up to cfg.NumRetriesPerIter times before failing the
// whole experiment with ErrAnalysisFailed.
func (m *RunModel) RunIteratedSmoother(
	ctx context.Context,
	rc RunContext,
	build realizationBuilder,
	ensID string,
	cfg IteratedSmootherConfig,
) (Summary, error) {
	var last Summary
	prior := rc

	for iter := 0; iter < cfg.NumIterations; iter++ {
		if iter == 0 {
			if err := m.cfg.Hooks.Run(ctx, HookPreFirstUpdate); err != nil {
				return nil, fmt.Errorf("sched: pre-first-update hooks: %w", err)
			}
		}

		summary, err := m.RunPhase(ctx, prior, build, ensID)
		if err != nil {
			return summary, err
		}
		last = summary

		if iter == cfg.NumIterations-1 {
			break
		}

		posterior := RunContext{
			SimFS:              prior.SimFS,
			ActiveRealizations: prior.ActiveRealizations,
			Iteration:          prior.Iteration + 1,
			RunPaths:           prior.RunPaths,
		}

		if err := m.runAnalysisWithRetries(ctx, prior.SimFS, posterior.SimFS, iter, cfg); err != nil {
			return last, err
		}

		prior = posterior
	}

	return last, nil
}

func (m *RunModel) runAnalysisWithRetries(ctx context.Context, priorFS, posteriorFS Storage, iteration int, cfg IteratedSmootherConfig) error {
	if cfg.Analysis == nil {
		return nil
	}

	if err := m.cfg.Hooks.Run(ctx, HookPreUpdate); err != nil {
		return fmt.Errorf("sched: pre-update hooks: %w", err)
	}

	var lastErr error
	retries := cfg.NumRetriesPerIter
	if retries <= 0 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		if err := cfg.Analysis.Update(ctx, priorFS, posteriorFS, iteration); err != nil {
			lastErr = err
			Logger.Warn("analysis update failed, retrying", "iteration", iteration, "attempt", attempt+1, "error", err)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrAnalysisFailed, lastErr)
	}

	return m.cfg.Hooks.Run(ctx, HookPostUpdate)
}
