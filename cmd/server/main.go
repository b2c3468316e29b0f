package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadmax/rtsched/internal/alert"
	"github.com/nadmax/rtsched/internal/api"
	"github.com/nadmax/rtsched/internal/config"
	"github.com/nadmax/rtsched/internal/logging"
	"github.com/nadmax/rtsched/internal/loop"
	"github.com/nadmax/rtsched/internal/middleware"
	"github.com/nadmax/rtsched/internal/publish"
	"github.com/nadmax/rtsched/internal/repository"
	"github.com/nadmax/rtsched/internal/repository/postgres"
	"github.com/nadmax/rtsched/internal/scheduler"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/nadmax/rtsched/internal/worker"
	"github.com/nadmax/rtsched/internal/worker/handlers"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	var taskSet *config.TaskSet
	if cfg.TaskSetPath != "" {
		ts, err := config.LoadTaskSet(cfg.TaskSetPath)
		if err != nil {
			return err
		}
		if cfg.Scheduler, err = ts.Apply(cfg.Scheduler); err != nil {
			return err
		}
		taskSet = ts
	}

	sched := scheduler.New(cfg.Scheduler, logger)
	w, err := newWorker(cfg.DefaultHandler, sched.Config().Quantum, logger)
	if err != nil {
		return err
	}

	l := loop.New(sched, w.Execute, loop.DefaultConfig(), logger)

	var history repository.HistoryRepository
	if cfg.PostgresDSN != "" {
		repo, err := postgres.NewHistoryRepository(cfg.PostgresDSN, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := repo.Close(); err != nil {
				logger.Warn("failed to close history repository", "error", err)
			}
		}()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = repo.Migrate(migrateCtx)
		cancel()
		if err != nil {
			return err
		}

		history = repo
		l.AddSink("postgres", repo)
		logger.Info("history persistence enabled")
	}

	if cfg.RedisAddr != "" {
		pub, err := publish.NewRedisPublisher(cfg.RedisAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("failed to close redis publisher", "error", err)
			}
		}()

		l.AddPublisher("redis", pub)
		logger.Info("snapshot publication enabled", "redis_addr", cfg.RedisAddr)
	}

	if cfg.Email.Enabled() {
		l.AddSink("email", alert.New(cfg.Email, cfg.AlertInterval, logger))
		logger.Info("violation alerts enabled", "to", cfg.Email.To, "interval", cfg.AlertInterval)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopErr := make(chan error, 1)
	go func() { loopErr <- l.Start(ctx) }()

	if taskSet != nil {
		if err := registerTaskSet(ctx, l, w, taskSet, logger); err != nil {
			stop()
			l.Stop()
			return err
		}
	}

	go startMetricsCollector(ctx, l, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", api.NewAPI(l, w, history, logger))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.MetricsMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "run_id", l.RunID(), "policy", cfg.Scheduler.Policy.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		stop()
		l.Stop()
		return err
	case err := <-loopErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}

	l.Stop()
	return nil
}

func newWorker(defaultHandler string, quantum time.Duration, logger *slog.Logger) (*worker.Worker, error) {
	hostname, _ := os.Hostname()
	w := worker.NewWorker("server-"+hostname, logger)

	w.RegisterHandler("spin", handlers.Spin)
	w.RegisterHandler("sleep", handlers.Sleep)

	half, err := handlers.Fraction(0.5, quantum)
	if err != nil {
		return nil, err
	}
	w.RegisterHandler("half", half)

	if err := w.SetDefault(defaultHandler); err != nil {
		return nil, err
	}

	return w, nil
}

// registerTaskSet admits every entry through the loop and binds its handler.
func registerTaskSet(ctx context.Context, l *loop.Loop, w *worker.Worker, ts *config.TaskSet, logger *slog.Logger) error {
	for _, entry := range ts.Tasks {
		handler := entry.Handler
		if handler == "" && slices.Contains(w.Handlers(), entry.Name) {
			handler = entry.Name
		}

		var setup []func(task.Descriptor) error
		if handler != "" {
			setup = append(setup, func(d task.Descriptor) error { return w.Bind(d.ID, handler) })
		}

		d, err := l.Register(ctx, entry.Spec(), setup...)
		if err != nil {
			return fmt.Errorf("task %q: %w", entry.Name, err)
		}

		logger.Info("task loaded", "id", d.ID, "task", d.Name, "handler", handler)
	}

	return nil
}
