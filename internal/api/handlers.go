// Package api exposes scheduler control and statistics over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/nadmax/rtsched/internal/analysis"
	"github.com/nadmax/rtsched/internal/dashboard"
	"github.com/nadmax/rtsched/internal/httputil"
	"github.com/nadmax/rtsched/internal/logging"
	"github.com/nadmax/rtsched/internal/loop"
	"github.com/nadmax/rtsched/internal/report"
	"github.com/nadmax/rtsched/internal/repository"
	"github.com/nadmax/rtsched/internal/scheduler"
	"github.com/nadmax/rtsched/internal/task"
)

const maxBodyBytes = 1 << 20

// Controller is the subset of *loop.Loop the handlers drive.
type Controller interface {
	RunID() string
	Board() *report.Board
	Register(ctx context.Context, spec task.Spec, setup ...func(task.Descriptor) error) (task.Descriptor, error)
	Deregister(ctx context.Context, id task.ID) error
	Trigger(ctx context.Context, id task.ID) error
	SetThreshold(ctx context.Context, id task.ID, threshold time.Duration) error
	Task(ctx context.Context, id task.ID) (task.Descriptor, bool, error)
	Tasks(ctx context.Context) ([]task.Descriptor, error)
	Analysis(ctx context.Context) (analysis.Report, error)
}

// Binder attaches executor handlers to tasks. *worker.Worker satisfies it.
type Binder interface {
	Handlers() []string
	Bind(id task.ID, name string) error
	Unbind(id task.ID)
	Binding(id task.ID) (string, bool)
}

type API struct {
	ctrl   Controller
	binder Binder
	mux    *http.ServeMux
	logger *slog.Logger
}

type TaskRequest struct {
	Name      string `json:"name"`
	Period    string `json:"period"`
	Deadline  string `json:"deadline,omitempty"`
	WCET      string `json:"wcet"`
	Offset    string `json:"offset,omitempty"`
	Sporadic  bool   `json:"sporadic,omitempty"`
	Threshold string `json:"threshold,omitempty"`
	Handler   string `json:"handler,omitempty"`
}

type ThresholdRequest struct {
	Threshold string `json:"threshold"`
}

type TaskResponse struct {
	task.Descriptor
	Handler string `json:"handler,omitempty"`
}

// NewAPI wires the routes. binder and history may be nil.
func NewAPI(ctrl Controller, binder Binder, history repository.HistoryRepository, logger *slog.Logger) *API {
	api := &API{
		ctrl:   ctrl,
		binder: binder,
		mux:    http.NewServeMux(),
		logger: logging.OrDiscard(logger).With("component", "api"),
	}

	api.setupRoutes(history)
	return api
}

func (a *API) setupRoutes(history repository.HistoryRepository) {
	a.mux.HandleFunc("POST /api/tasks", a.createTask)
	a.mux.HandleFunc("GET /api/tasks", a.listTasks)
	a.mux.HandleFunc("GET /api/tasks/{id}", a.getTask)
	a.mux.HandleFunc("DELETE /api/tasks/{id}", a.deleteTask)
	a.mux.HandleFunc("POST /api/tasks/{id}/trigger", a.triggerTask)
	a.mux.HandleFunc("PUT /api/tasks/{id}/threshold", a.setThreshold)

	a.mux.HandleFunc("GET /api/stats", a.listStats)
	a.mux.HandleFunc("GET /api/stats/{id}", a.getStats)
	a.mux.HandleFunc("GET /api/analysis", a.getAnalysis)

	dash := dashboard.NewDashboard(a.ctrl.Board(), history, a.ctrl.RunID())
	a.mux.HandleFunc("GET /api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("GET /api/dashboard/history", dash.GetHistory)
	a.mux.HandleFunc("GET /api/dashboard/summary", dash.GetSummary)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// statusFor maps scheduler and loop errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrUtilizationExceedsOne),
		errors.Is(err, scheduler.ErrUtilizationBoundExceeded),
		errors.Is(err, scheduler.ErrTaskBusy),
		errors.Is(err, scheduler.ErrNotSporadic):
		return http.StatusConflict
	case errors.Is(err, loop.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}

	httputil.WriteJSONError(w, err.Error(), status)
}

func parseDuration(field, v string, required bool) (time.Duration, error) {
	if v == "" {
		if required {
			return 0, fmt.Errorf("%w: %s is required", scheduler.ErrInvalidParameters, field)
		}
		return 0, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", scheduler.ErrInvalidParameters, field, err)
	}

	return d, nil
}

func (req TaskRequest) spec() (task.Spec, error) {
	var (
		spec task.Spec
		err  error
	)

	spec.Name = req.Name
	spec.Sporadic = req.Sporadic
	if spec.Period, err = parseDuration("period", req.Period, true); err != nil {
		return spec, err
	}
	if spec.WCET, err = parseDuration("wcet", req.WCET, true); err != nil {
		return spec, err
	}
	if spec.RelativeDeadline, err = parseDuration("deadline", req.Deadline, false); err != nil {
		return spec, err
	}
	if spec.Offset, err = parseDuration("offset", req.Offset, false); err != nil {
		return spec, err
	}
	if spec.ViolationThreshold, err = parseDuration("threshold", req.Threshold, false); err != nil {
		return spec, err
	}

	return spec, nil
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read request body", scheduler.ErrInvalidParameters)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON", scheduler.ErrInvalidParameters)
	}

	return nil
}

func pathID(r *http.Request) (task.ID, error) {
	id, err := task.ParseID(r.PathValue("id"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", scheduler.ErrInvalidParameters, err)
	}

	return id, nil
}

// handlerFor picks the executor handler for a new task: the explicit one,
// else a handler named like the task.
func (a *API) handlerFor(req TaskRequest) (string, error) {
	if a.binder == nil {
		if req.Handler != "" {
			return "", fmt.Errorf("%w: no executor handlers are available", scheduler.ErrInvalidParameters)
		}
		return "", nil
	}

	available := a.binder.Handlers()
	if req.Handler != "" {
		if !slices.Contains(available, req.Handler) {
			return "", fmt.Errorf("%w: unknown handler %q (available: %v)", scheduler.ErrInvalidParameters, req.Handler, available)
		}
		return req.Handler, nil
	}

	if slices.Contains(available, req.Name) {
		return req.Name, nil
	}

	return "", nil
}

func (a *API) response(d task.Descriptor) TaskResponse {
	resp := TaskResponse{Descriptor: d}
	if a.binder != nil {
		resp.Handler, _ = a.binder.Binding(d.ID)
	}

	return resp
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Warn("failed to close request body", "error", err)
		}
	}()

	var req TaskRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	spec, err := req.spec()
	if err != nil {
		a.writeError(w, err)
		return
	}

	handler, err := a.handlerFor(req)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var setup []func(task.Descriptor) error
	if handler != "" {
		setup = append(setup, func(d task.Descriptor) error {
			if err := a.binder.Bind(d.ID, handler); err != nil {
				return fmt.Errorf("%w: %w", scheduler.ErrInvalidParameters, err)
			}
			return nil
		})
	}

	d, err := a.ctrl.Register(r.Context(), spec, setup...)
	if err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, a.response(d))
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	list, err := a.ctrl.Tasks(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := make([]TaskResponse, 0, len(list))
	for _, d := range list {
		resp = append(resp, a.response(d))
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	d, ok, err := a.ctrl.Task(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !ok {
		httputil.WriteJSONError(w, "task not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, a.response(d))
}

func (a *API) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	if err := a.ctrl.Deregister(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}

	if a.binder != nil {
		a.binder.Unbind(id)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) triggerTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	if err := a.ctrl.Trigger(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "triggered": true})
}

func (a *API) setThreshold(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var req ThresholdRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	threshold, err := parseDuration("threshold", req.Threshold, true)
	if err != nil {
		a.writeError(w, err)
		return
	}

	if err := a.ctrl.SetThreshold(r.Context(), id, threshold); err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"task_id": id, "threshold": threshold.String()})
}

func (a *API) listStats(w http.ResponseWriter, _ *http.Request) {
	snapshot := a.ctrl.Board().SnapshotAll()

	stats := make([]report.Statistics, 0, len(snapshot))
	for _, s := range snapshot {
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].TaskID < stats[j].TaskID })

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	s, ok := a.ctrl.Board().Snapshot(id)
	if !ok {
		httputil.WriteJSONError(w, "no statistics for task", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, s)
}

func (a *API) getAnalysis(w http.ResponseWriter, r *http.Request) {
	rep, err := a.ctrl.Analysis(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, rep)
}
