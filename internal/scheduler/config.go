package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/rtsched/internal/policy"
	"github.com/nadmax/rtsched/internal/timing"
)

// Admission selects how a rate-monotonic task set above the Liu-Layland bound
// is treated. EDF sets above full utilization are always rejected.
type Admission int

const (
	// AdmitWarn admits the task and logs a warning.
	AdmitWarn Admission = iota
	// AdmitStrict rejects the task.
	AdmitStrict
	// AdmitExact rejects the task only if response-time analysis fails.
	AdmitExact
)

func (a Admission) String() string {
	switch a {
	case AdmitWarn:
		return "warn"
	case AdmitStrict:
		return "strict"
	case AdmitExact:
		return "exact"
	default:
		return fmt.Sprintf("admission(%d)", int(a))
	}
}

func ParseAdmission(s string) (Admission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "warn":
		return AdmitWarn, nil
	case "strict":
		return AdmitStrict, nil
	case "exact":
		return AdmitExact, nil
	default:
		return 0, fmt.Errorf("unknown admission mode %q", s)
	}
}

const DefaultQuantum = time.Millisecond

type Config struct {
	Policy policy.Policy
	// Quantum is the largest budget handed to the executor per tick.
	Quantum      time.Duration
	HistoryDepth int
	Admission    Admission
	// AllowArbitraryDeadlines permits relative deadlines longer than the period.
	AllowArbitraryDeadlines bool
	// Debug turns internal invariant violations into panics instead of
	// logging and skipping the offending state.
	Debug bool
}

func DefaultConfig() Config {
	return Config{
		Policy:       policy.RMS,
		Quantum:      DefaultQuantum,
		HistoryDepth: timing.DefaultDepth,
		Admission:    AdmitWarn,
	}
}

func (c Config) withDefaults() Config {
	if c.Quantum <= 0 {
		c.Quantum = DefaultQuantum
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = timing.DefaultDepth
	}

	return c
}
