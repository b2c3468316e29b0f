package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nadmax/rtsched/internal/analysis"
	"github.com/nadmax/rtsched/internal/config"
	"github.com/nadmax/rtsched/internal/report"
	"github.com/nadmax/rtsched/internal/scheduler"
	"github.com/nadmax/rtsched/internal/worker"
	"github.com/nadmax/rtsched/internal/worker/handlers"
)

type simulation struct {
	Policy     string                `json:"policy"`
	Quantum    string                `json:"quantum"`
	Ticks      int                   `json:"ticks"`
	Elapsed    string                `json:"elapsed"`
	Analysis   analysis.Report       `json:"analysis"`
	Statistics []report.Statistics   `json:"statistics"`
	Violations []scheduler.Violation `json:"violations"`
}

func newSimulateCmd() *cobra.Command {
	var (
		sf     schedulerFlags
		ticks  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a task set on a logical clock and print per-task statistics",
		Long: "simulate registers every task of the file, then ticks the dispatcher " +
			"once per quantum on a logical clock. Tasks run their bound handler " +
			"(handler field) or consume their whole budget.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ticks <= 0 {
				return fmt.Errorf("ticks must be positive, got %d", ticks)
			}
			if format != "text" && format != "json" {
				return fmt.Errorf("unsupported format %q (text, json)", format)
			}

			ts, cfg, err := sf.load(cmd)
			if err != nil {
				return err
			}

			sim, err := simulate(ts, cfg, ticks)
			if err != nil {
				return err
			}

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sim)
			}

			return printSimulation(cmd.OutOrStdout(), sim)
		},
	}

	sf.register(cmd)
	cmd.Flags().IntVar(&ticks, "ticks", 1000, "Number of quanta to simulate")
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, json)")

	return cmd
}

func newSimulationWorker(quantum time.Duration) (*worker.Worker, error) {
	w := worker.NewWorker("simulate", logger)
	w.RegisterHandler("spin", handlers.Spin)
	w.RegisterHandler("sleep", handlers.Sleep)

	half, err := handlers.Fraction(0.5, quantum)
	if err != nil {
		return nil, err
	}
	w.RegisterHandler("half", half)

	return w, nil
}

func simulate(ts *config.TaskSet, cfg scheduler.Config, ticks int) (*simulation, error) {
	sched := scheduler.New(cfg, logger)
	w, err := newSimulationWorker(sched.Config().Quantum)
	if err != nil {
		return nil, err
	}

	violations := []scheduler.Violation{}
	sched.SetViolationHandler(func(v scheduler.Violation) {
		violations = append(violations, v)
	})

	for _, entry := range ts.Tasks {
		id, err := sched.Register(entry.Spec())
		if err != nil {
			return nil, fmt.Errorf("register %q: %w", entry.Name, err)
		}

		handler := entry.Handler
		if handler == "" && slices.Contains(w.Handlers(), entry.Name) {
			handler = entry.Name
		}
		if handler != "" {
			if err := w.Bind(id, handler); err != nil {
				return nil, fmt.Errorf("task %q: %w", entry.Name, err)
			}
		}
	}

	quantum := sched.Config().Quantum
	for i := range ticks {
		sched.Tick(time.Duration(i)*quantum, w.Execute)
	}

	snapshot := sched.SnapshotAll()
	stats := make([]report.Statistics, 0, len(snapshot))
	for _, s := range snapshot {
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].TaskID < stats[j].TaskID })

	return &simulation{
		Policy:     cfg.Policy.String(),
		Quantum:    quantum.String(),
		Ticks:      ticks,
		Elapsed:    (time.Duration(ticks) * quantum).String(),
		Analysis:   sched.Analysis(),
		Statistics: stats,
		Violations: violations,
	}, nil
}

func printSimulation(out io.Writer, sim *simulation) error {
	fmt.Fprintf(out, "Policy:      %s\n", sim.Policy)
	fmt.Fprintf(out, "Quantum:     %s\n", sim.Quantum)
	fmt.Fprintf(out, "Simulated:   %s (%d ticks)\n", sim.Elapsed, sim.Ticks)
	fmt.Fprintf(out, "Utilization: %.4f (bound %.4f)\n", sim.Analysis.Utilization, sim.Analysis.Bound)
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tJOBS\tMIN\tMEAN\tMAX\tJITTER\tMISSES\tDOUBLE\tVIOLATIONS")
	for _, s := range sim.Statistics {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.TaskID, s.Name, s.Count,
			s.MinLatency, s.MeanLatency, s.MaxLatency, s.JitterStdDev,
			s.DeadlineMisses, s.DoubleReleases, s.Violations,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nViolations: %d\n", len(sim.Violations))
	return nil
}
