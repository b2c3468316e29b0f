// Package config loads process configuration from the environment and task
// sets from YAML files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nadmax/rtsched/internal/policy"
	"github.com/nadmax/rtsched/internal/scheduler"
)

type Email struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          string
}

// Enabled reports whether violation emails can be sent.
func (e Email) Enabled() bool {
	return e.APIKey != "" && e.FromAddress != "" && e.To != ""
}

type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string
	Scheduler   scheduler.Config
	TaskSetPath string
	RedisAddr   string
	PostgresDSN string
	Email       Email
	// DefaultHandler runs tasks that have no handler binding. Empty means
	// every budget is consumed in full without doing work.
	DefaultHandler string
	// AlertInterval is the minimum spacing between two violation emails.
	AlertInterval time.Duration
}

func Default() Config {
	return Config{
		Port:          "8080",
		LogLevel:      "info",
		LogFormat:     "text",
		Scheduler:     scheduler.DefaultConfig(),
		Email:         Email{FromName: "rtsched"},
		AlertInterval: time.Minute,
	}
}

// FromEnv starts from Default and applies every variable that is set.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if v := os.Getenv("RTSCHED_POLICY"); v != "" {
		p, err := policy.Parse(v)
		if err != nil {
			return cfg, fmt.Errorf("RTSCHED_POLICY: %w", err)
		}
		cfg.Scheduler.Policy = p
	}
	if v := os.Getenv("RTSCHED_QUANTUM"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("RTSCHED_QUANTUM: invalid duration %q", v)
		}
		cfg.Scheduler.Quantum = d
	}
	if v := os.Getenv("RTSCHED_HISTORY_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("RTSCHED_HISTORY_DEPTH: invalid depth %q", v)
		}
		cfg.Scheduler.HistoryDepth = n
	}
	if v := os.Getenv("RTSCHED_ADMISSION"); v != "" {
		a, err := scheduler.ParseAdmission(v)
		if err != nil {
			return cfg, fmt.Errorf("RTSCHED_ADMISSION: %w", err)
		}
		cfg.Scheduler.Admission = a
	}
	cfg.Scheduler.AllowArbitraryDeadlines = os.Getenv("RTSCHED_ARBITRARY_DEADLINES") == "true"
	cfg.Scheduler.Debug = os.Getenv("RTSCHED_DEBUG") == "true"
	cfg.TaskSetPath = os.Getenv("RTSCHED_TASKSET")
	cfg.DefaultHandler = os.Getenv("RTSCHED_DEFAULT_HANDLER")

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")

	cfg.Email.APIKey = os.Getenv("EMAIL_API_KEY")
	if v := os.Getenv("FROM_NAME"); v != "" {
		cfg.Email.FromName = v
	}
	cfg.Email.FromAddress = os.Getenv("FROM_ADDRESS")
	cfg.Email.To = os.Getenv("ALERT_TO")
	if v := os.Getenv("ALERT_RATE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("ALERT_RATE: invalid duration %q", v)
		}
		cfg.AlertInterval = d
	}

	return cfg, nil
}
