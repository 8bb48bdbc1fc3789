// Command schedctl is a small CLI front door over the scheduler
// library: it loads an experiment file describing a population of
// realizations and queue options, wires a local process-pool driver,
// runs a single RunModel phase, and prints the terminal state of every
// realization.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	sched "github.com/ert-sched/scheduler"
	"github.com/ert-sched/scheduler/drivers/local"
)

// experimentFile is the YAML shape schedctl reads: a flat list of
// realizations plus the queue options max_running, max_submit and
// min_realizations. The max runtime is set per realization, as
// max_runtime_seconds.
type experimentFile struct {
	EnsembleID      string                 `mapstructure:"ensemble_id"`
	MaxRunning      int                    `mapstructure:"max_running"`
	MaxSubmit       int                    `mapstructure:"max_submit"`
	MinRealizations int                    `mapstructure:"min_realizations"`
	Realizations    []experimentRealization `mapstructure:"realizations"`
}

type experimentRealization struct {
	Iens       int    `mapstructure:"iens"`
	JobScript  string `mapstructure:"job_script"`
	RunPath    string `mapstructure:"run_path"`
	MaxRuntime int    `mapstructure:"max_runtime_seconds"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var maxWorkers int

	root := &cobra.Command{
		Use:   "schedctl",
		Short: "Run one realization-scheduler phase from an experiment file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), configPath, maxWorkers)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "experiment.yaml", "path to the experiment YAML file")
	root.Flags().IntVar(&maxWorkers, "max-workers", 4, "local driver worker-pool size")

	return root
}

func runOnce(ctx context.Context, configPath string, maxWorkers int) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading experiment file: %w", err)
	}

	var exp experimentFile
	if err := v.Unmarshal(&exp); err != nil {
		return fmt.Errorf("decoding experiment file: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	storage := sched.NewMemoryStorage(sched.Experiment{})
	driver := local.New(local.Options{MaxWorkers: maxWorkers})

	byIens := make(map[int]experimentRealization, len(exp.Realizations))
	active := make([]bool, 0, len(exp.Realizations))
	for _, r := range exp.Realizations {
		byIens[r.Iens] = r
		for len(active) <= r.Iens {
			active = append(active, false)
		}
		active[r.Iens] = true
	}

	rc := sched.RunContext{
		SimFS:              storage,
		ActiveRealizations: active,
		RunPaths: func(iens, iteration int) string {
			return byIens[iens].RunPath
		},
	}

	build := func(rc sched.RunContext, iens int, runPath string) sched.Realization {
		r := byIens[iens]
		return sched.Realization{
			Iens:       iens,
			JobScript:  r.JobScript,
			RunPath:    runPath,
			MaxRuntime: time.Duration(r.MaxRuntime) * time.Second,
			RunArg: sched.RunArg{
				Iens:    iens,
				RunPath: runPath,
				Storage: storage,
			},
		}
	}

	m := sched.NewRunModel(sched.RunModelConfig{
		Driver: driver,
		SchedulerOpts: sched.Options{
			MaxSubmit:  exp.MaxSubmit,
			MaxRunning: exp.MaxRunning,
		},
		MinRealizations: exp.MinRealizations,
	})

	summary, err := m.RunPhase(ctx, rc, build, exp.EnsembleID)
	if err != nil {
		return err
	}

	for iens, state := range summary {
		fmt.Printf("realization %d: %s\n", iens, state)
	}
	return nil
}
