package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nadmax/rtsched/internal/config"
	"github.com/nadmax/rtsched/internal/policy"
	"github.com/nadmax/rtsched/internal/scheduler"
	"github.com/nadmax/rtsched/internal/timing"
)

// schedulerFlags are shared by simulate and analyze. Values given on the
// command line win over those in the task-set file.
type schedulerFlags struct {
	file      string
	policy    string
	quantum   time.Duration
	depth     int
	admission string
	arbitrary bool
}

func (f *schedulerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Task-set YAML file (required)")
	cmd.Flags().StringVar(&f.policy, "policy", "rms", "Scheduling policy (rms, edf)")
	cmd.Flags().DurationVar(&f.quantum, "quantum", scheduler.DefaultQuantum, "Tick quantum")
	cmd.Flags().IntVar(&f.depth, "depth", timing.DefaultDepth, "Per-task sample history depth")
	cmd.Flags().StringVar(&f.admission, "admission", "warn", "Admission mode (warn, strict, exact)")
	cmd.Flags().BoolVar(&f.arbitrary, "arbitrary-deadlines", false, "Allow deadlines longer than periods")
	_ = cmd.MarkFlagRequired("file")
}

func (f *schedulerFlags) load(cmd *cobra.Command) (*config.TaskSet, scheduler.Config, error) {
	ts, err := config.LoadTaskSet(f.file)
	if err != nil {
		return nil, scheduler.Config{}, err
	}

	cfg := scheduler.DefaultConfig()
	if cfg, err = ts.Apply(cfg); err != nil {
		return nil, cfg, fmt.Errorf("task set %s: %w", f.file, err)
	}

	flags := cmd.Flags()
	if flags.Changed("policy") || ts.Policy == "" {
		p, err := policy.Parse(f.policy)
		if err != nil {
			return nil, cfg, err
		}
		cfg.Policy = p
	}
	if flags.Changed("quantum") || ts.Quantum == 0 {
		if f.quantum <= 0 {
			return nil, cfg, fmt.Errorf("quantum must be positive, got %s", f.quantum)
		}
		cfg.Quantum = f.quantum
	}
	if flags.Changed("admission") || ts.Admission == "" {
		a, err := scheduler.ParseAdmission(f.admission)
		if err != nil {
			return nil, cfg, err
		}
		cfg.Admission = a
	}
	if f.depth <= 0 {
		return nil, cfg, fmt.Errorf("depth must be positive, got %d", f.depth)
	}
	cfg.HistoryDepth = f.depth
	cfg.AllowArbitraryDeadlines = f.arbitrary

	return ts, cfg, nil
}
