package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"appointments/scheduler"
)

// TaskAdmin is the persistence the admin API needs.
type TaskAdmin interface {
	List(ctx context.Context) ([]scheduler.Task, error)
	Get(ctx context.Context, id int64) (scheduler.Task, error)
	Create(ctx context.Context, task scheduler.Task) (scheduler.Task, error)
	CompareAndSwap(ctx context.Context, task scheduler.Task) (scheduler.Task, error)
	ListExecutions(ctx context.Context, taskID int64, limit int) ([]scheduler.Execution, error)
}

// AdminServer exposes a JSON API for viewing and editing appointments and their executions.
type AdminServer struct {
	store  TaskAdmin
	eval   *scheduler.Evaluator
	logger *zap.SugaredLogger
}

func NewAdminServer(store TaskAdmin, eval *scheduler.Evaluator, logger *zap.SugaredLogger) *AdminServer {
	return &AdminServer{store: store, eval: eval, logger: logger}
}

func (s *AdminServer) Start(addr string) error {
	s.logger.Infof("admin api listening on %s", addr)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return server.ListenAndServe()
}

func (s *AdminServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logMiddleware)
	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)
		r.Put("/{id}", s.handleUpdateTask)
		r.Get("/{id}/executions", s.handleListExecutions)
	})
	return r
}

func (s *AdminServer) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Infow("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).String(),
		)
	})
}

func (s *AdminServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.List(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	entries := make([]taskEntry, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, toTaskEntry(t))
	}
	s.writeJSON(w, http.StatusOK, listResponse{Code: 0, Count: len(entries), Data: entries})
}

func (s *AdminServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.Validate(s.eval); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	var task scheduler.Task
	req.apply(&task)
	created, err := s.store.Create(r.Context(), task)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"code": 0,
		"msg":  "task created",
		"data": toTaskEntry(created),
	})
}

func (s *AdminServer) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, errors.New("invalid task id"))
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.Validate(s.eval); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if req.Version <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, errors.New("version is required"))
		return
	}

	current, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if current.Version != req.Version {
		s.writeStoreError(w, scheduler.ErrVersionConflict)
		return
	}
	req.apply(&current)
	updated, err := s.store.CompareAndSwap(r.Context(), current)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"code": 0,
		"msg":  "task updated",
		"data": toTaskEntry(updated),
	})
}

func (s *AdminServer) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, errors.New("invalid task id"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.store.ListExecutions(r.Context(), id, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	entries := make([]executionEntry, 0, len(execs))
	for _, e := range execs {
		entries = append(entries, toExecutionEntry(e))
	}
	s.writeJSON(w, http.StatusOK, listResponse{Code: 0, Count: len(entries), Data: entries})
}

func (s *AdminServer) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		s.writeJSONError(w, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrVersionConflict):
		s.writeJSONError(w, http.StatusConflict, errors.New("task was modified concurrently, reload and retry"))
	default:
		s.writeJSONError(w, http.StatusInternalServerError, err)
	}
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Errorf("write json error: %v", err)
	}
}

func (s *AdminServer) writeJSONError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error(err)
		msg = "internal error"
	}
	s.writeJSON(w, status, map[string]interface{}{
		"code": 1,
		"msg":  msg,
	})
}

type listResponse struct {
	Code  int         `json:"code"`
	Msg   string      `json:"msg"`
	Count int         `json:"count"`
	Data  interface{} `json:"data"`
}

type taskEntry struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Schedule      string   `json:"schedule"`
	Enabled       bool     `json:"enabled"`
	Development   bool     `json:"development"`
	Monitoring    bool     `json:"monitoring"`
	RecipientType string   `json:"recipient_type"`
	Endpoint      string   `json:"endpoint,omitempty"`
	Recipients    []string `json:"recipients,omitempty"`
	Groups        []string `json:"groups,omitempty"`
	Message       string   `json:"message,omitempty"`
	ImageURL      string   `json:"image_url,omitempty"`
	Retries       int      `json:"retries"`
	TimeoutMillis int64    `json:"timeout_ms"`
	LastExecution string   `json:"last_execution"`
	LastStatus    string   `json:"last_status"`
	Version       int64    `json:"version"`
}

func toTaskEntry(t scheduler.Task) taskEntry {
	entry := taskEntry{
		ID:            t.ID,
		Name:          t.Name,
		Description:   t.Description,
		Schedule:      t.Schedule,
		Enabled:       t.Enabled,
		Development:   t.Development,
		Monitoring:    t.Monitoring,
		RecipientType: string(t.RecipientType),
		Endpoint:      t.Endpoint,
		Recipients:    t.Recipients,
		Groups:        t.Groups,
		Message:       t.Message,
		ImageURL:      t.ImageURL,
		Retries:       t.Retries,
		TimeoutMillis: t.Timeout.Milliseconds(),
		LastStatus:    string(t.LastStatus),
		Version:       t.Version,
	}
	if t.LastExecution != nil && !t.LastExecution.IsZero() {
		entry.LastExecution = t.LastExecution.Local().Format("2006-01-02 15:04:05")
	}
	return entry
}

type executionEntry struct {
	ID          string `json:"id"`
	ScheduledAt string `json:"scheduled_at"`
	ExecutedAt  string `json:"executed_at"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	Simulated   bool   `json:"simulated"`
}

func toExecutionEntry(e scheduler.Execution) executionEntry {
	return executionEntry{
		ID:          e.ID,
		ScheduledAt: e.ScheduledAt.Local().Format("2006-01-02 15:04:05"),
		ExecutedAt:  e.ExecutedAt.Local().Format("2006-01-02 15:04:05"),
		Status:      string(e.Status),
		Attempts:    e.Attempts,
		Error:       e.Error,
		Simulated:   e.Simulated,
	}
}

type taskRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Schedule      string   `json:"schedule"`
	Enabled       bool     `json:"enabled"`
	Development   bool     `json:"development"`
	Monitoring    bool     `json:"monitoring"`
	RecipientType string   `json:"recipient_type"`
	Endpoint      string   `json:"endpoint"`
	Recipients    []string `json:"recipients"`
	Groups        []string `json:"groups"`
	Message       string   `json:"message"`
	ImageURL      string   `json:"image_url"`
	Retries       int      `json:"retries"`
	TimeoutMillis int64    `json:"timeout_ms"`
	Version       int64    `json:"version"`
}

func (r *taskRequest) Validate(eval *scheduler.Evaluator) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if _, err := eval.Compile(r.Schedule); err != nil {
		return err
	}
	if r.Retries < 0 || r.TimeoutMillis < 0 {
		return errors.New("retries and timeout_ms must not be negative")
	}
	switch scheduler.RecipientType(r.RecipientType) {
	case scheduler.RecipientAPI:
		if strings.TrimSpace(r.Endpoint) == "" {
			return errors.New("endpoint is required for API tasks")
		}
	case scheduler.RecipientMessage:
		if len(r.Recipients) == 0 && len(r.Groups) == 0 {
			return errors.New("recipients or groups are required for MESSAGE tasks")
		}
	default:
		return errors.New("recipient_type must be API or MESSAGE")
	}
	return nil
}

func (r *taskRequest) apply(t *scheduler.Task) {
	t.Name = strings.TrimSpace(r.Name)
	t.Description = strings.TrimSpace(r.Description)
	t.Schedule = strings.TrimSpace(r.Schedule)
	t.Enabled = r.Enabled
	t.Development = r.Development
	t.Monitoring = r.Monitoring
	t.RecipientType = scheduler.RecipientType(r.RecipientType)
	t.Endpoint = strings.TrimSpace(r.Endpoint)
	t.Recipients = r.Recipients
	t.Groups = r.Groups
	t.Message = r.Message
	t.ImageURL = strings.TrimSpace(r.ImageURL)
	t.Retries = r.Retries
	t.Timeout = time.Duration(r.TimeoutMillis) * time.Millisecond
}
