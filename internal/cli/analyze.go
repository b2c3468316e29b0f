package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nadmax/rtsched/internal/analysis"
	"github.com/nadmax/rtsched/internal/registry"
	"github.com/nadmax/rtsched/internal/task"
)

// ErrNotAdmitted is returned by analyze when the set fails the check for
// the selected policy and admission mode.
var ErrNotAdmitted = errors.New("task set not admitted")

type analysisResult struct {
	analysis.Report
	Admission string            `json:"admission"`
	TaskSet   []task.Descriptor `json:"task_set"`
	// PriorityOrder is set for static policies, highest priority first.
	PriorityOrder []task.ID `json:"priority_order,omitempty"`
}

func newAnalyzeCmd() *cobra.Command {
	var (
		sf     schedulerFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Check a task set for schedulability without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("unsupported format %q (text, json)", format)
			}

			ts, cfg, err := sf.load(cmd)
			if err != nil {
				return err
			}

			reg := registry.New(registry.Options{AllowArbitraryDeadlines: cfg.AllowArbitraryDeadlines})
			for _, entry := range ts.Tasks {
				d, err := reg.Build(entry.Spec())
				if err != nil {
					return fmt.Errorf("task %q: %w", entry.Name, err)
				}
				if err := reg.Insert(d); err != nil {
					return err
				}
			}

			set := reg.List()
			rep, checkErr := analysis.Check(set, cfg.Policy)
			result := analysisResult{Report: rep, Admission: cfg.Admission.String(), TaskSet: set}
			if cfg.Policy.Static() {
				result.PriorityOrder = reg.PriorityOrder()
			}

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else if err := printAnalysis(cmd.OutOrStdout(), result); err != nil {
				return err
			}

			if !admitted(result, checkErr) {
				return fmt.Errorf("%w: %s", ErrNotAdmitted, reason(rep, checkErr))
			}

			return nil
		},
	}

	sf.register(cmd)
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, json)")

	return cmd
}

// admitted mirrors the scheduler's admission modes: warn accepts anything
// but EDF overload, strict also requires the RMS bound, exact accepts a set
// above the bound when response-time analysis proves it feasible.
func admitted(r analysisResult, checkErr error) bool {
	if errors.Is(checkErr, analysis.ErrUtilizationExceedsOne) {
		return false
	}

	switch r.Admission {
	case "strict":
		return checkErr == nil
	case "exact":
		return checkErr == nil || r.Feasible
	default:
		return true
	}
}

func reason(r analysis.Report, checkErr error) string {
	if checkErr == nil {
		return r.Reason
	}
	if errors.Is(checkErr, analysis.ErrUtilizationBoundExceeded) && !r.Feasible {
		return checkErr.Error() + ", response-time analysis failed"
	}

	return checkErr.Error()
}

func printAnalysis(out io.Writer, r analysisResult) error {
	fmt.Fprintf(out, "Policy:      %s\n", r.Policy)
	fmt.Fprintf(out, "Admission:   %s\n", r.Admission)
	fmt.Fprintf(out, "Tasks:       %d\n", r.Tasks)
	fmt.Fprintf(out, "Utilization: %.4f\n", r.Utilization)
	fmt.Fprintf(out, "Bound:       %.4f\n", r.Bound)
	fmt.Fprintf(out, "Feasible:    %t\n", r.Feasible)
	if r.Reason != "" {
		fmt.Fprintf(out, "Reason:      %s\n", r.Reason)
	}
	if len(r.PriorityOrder) > 0 {
		names := make(map[task.ID]string, len(r.TaskSet))
		for _, d := range r.TaskSet {
			names[d.ID] = d.Name
		}
		order := make([]string, len(r.PriorityOrder))
		for i, id := range r.PriorityOrder {
			order[i] = names[id]
		}
		fmt.Fprintf(out, "Priority:    %s\n", strings.Join(order, " > "))
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tPERIOD\tDEADLINE\tWCET\tU\tRESPONSE")
	for _, d := range r.TaskSet {
		response := "-"
		if rt, ok := r.ResponseTimes[d.ID]; ok {
			response = rt.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.4f\t%s\n",
			d.ID, d.Name, d.Period, d.RelativeDeadline, d.WCET, d.Utilization(), response)
	}

	return tw.Flush()
}
