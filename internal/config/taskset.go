package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nadmax/rtsched/internal/policy"
	"github.com/nadmax/rtsched/internal/scheduler"
	"github.com/nadmax/rtsched/internal/task"
)

// Duration reads Go duration strings ("10ms") or bare integers, which are
// taken as milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}

	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Millisecond)
		return nil
	}

	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type TaskEntry struct {
	Name      string   `yaml:"name"`
	Period    Duration `yaml:"period"`
	Deadline  Duration `yaml:"deadline,omitempty"`
	WCET      Duration `yaml:"wcet"`
	Offset    Duration `yaml:"offset,omitempty"`
	Sporadic  bool     `yaml:"sporadic,omitempty"`
	Threshold Duration `yaml:"threshold,omitempty"`
	// Handler names the executor handler; empty falls back to one named
	// like the task, then to the worker default.
	Handler string `yaml:"handler,omitempty"`
}

func (e TaskEntry) Spec() task.Spec {
	return task.Spec{
		Name:               e.Name,
		Period:             time.Duration(e.Period),
		RelativeDeadline:   time.Duration(e.Deadline),
		WCET:               time.Duration(e.WCET),
		Offset:             time.Duration(e.Offset),
		Sporadic:           e.Sporadic,
		ViolationThreshold: time.Duration(e.Threshold),
	}
}

// TaskSet is the YAML task-set file. Policy, quantum and admission override
// the process configuration when present.
type TaskSet struct {
	Policy    string      `yaml:"policy,omitempty"`
	Quantum   Duration    `yaml:"quantum,omitempty"`
	Admission string      `yaml:"admission,omitempty"`
	Tasks     []TaskEntry `yaml:"tasks"`
}

func LoadTaskSet(path string) (*TaskSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load task set: %w", err)
	}

	ts, err := ParseTaskSet(data)
	if err != nil {
		return nil, fmt.Errorf("parse task set %s: %w", path, err)
	}

	return ts, nil
}

// ParseTaskSet rejects unknown keys so typos in field names do not silently
// fall back to defaults.
func ParseTaskSet(data []byte) (*TaskSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var ts TaskSet
	if err := dec.Decode(&ts); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return &ts, nil
}

// Apply returns cfg with the overrides carried by the task set.
func (ts *TaskSet) Apply(cfg scheduler.Config) (scheduler.Config, error) {
	if ts.Policy != "" {
		p, err := policy.Parse(ts.Policy)
		if err != nil {
			return cfg, err
		}
		cfg.Policy = p
	}
	if ts.Quantum > 0 {
		cfg.Quantum = time.Duration(ts.Quantum)
	}
	if ts.Admission != "" {
		a, err := scheduler.ParseAdmission(ts.Admission)
		if err != nil {
			return cfg, err
		}
		cfg.Admission = a
	}

	return cfg, nil
}

func (ts *TaskSet) Specs() []task.Spec {
	specs := make([]task.Spec, 0, len(ts.Tasks))
	for _, e := range ts.Tasks {
		specs = append(specs, e.Spec())
	}

	return specs
}
