package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/beflow/beflow/internal/coordinator"
	"github.com/beflow/beflow/internal/version"
	"github.com/beflow/beflow/pkg/models"
	"github.com/beflow/beflow/pkg/storage"
)

// Logger defines the logging interface for the HTTP server.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Server is the coordinator's HTTP surface.
type Server struct {
	svc *coordinator.Service
	srv *http.Server
	log Logger
}

func NewServer(bind string, svc *coordinator.Service, requestTimeout time.Duration, log Logger) *Server {
	server := &Server{svc: svc, log: log}
	server.srv = &http.Server{
		Addr:    bind,
		Handler: server.Router(requestTimeout),
	}
	return server
}

// Router builds the chi handler; exposed separately so tests can drive it
// through httptest.
func (s *Server) Router(requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(chiMiddleware.Timeout(requestTimeout))
	}

	r.Get("/health", s.health)
	r.Route("/submissions", func(r chi.Router) {
		r.Post("/", s.create)
		r.Get("/", s.list)
		r.Get("/{id}", s.get)
		r.Get("/{id}/result", s.result)
		r.Delete("/{id}", s.remove)
	})
	return r
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.log.Infof("Serving bespoke executor API on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Request and response shapes.

type submitRequest struct {
	Workflows []models.Workflow `json:"workflows"`
}

type submitted struct {
	ID   int64  `json:"id"`
	Self string `json:"self"`
}

type submitResponse struct {
	Submissions []submitted `json:"submissions"`
}

type taskView struct {
	ID          string                `json:"id"`
	Fingerprint string                `json:"fingerprint"`
	Status      models.TaskStatus     `json:"status"`
	Error       *models.ErrorDocument `json:"error,omitempty"`
}

type stageView struct {
	Name   models.StageKind      `json:"name"`
	Status models.StageStatus    `json:"status"`
	Tasks  []taskView            `json:"tasks"`
	Result json.RawMessage       `json:"result,omitempty"`
	Error  *models.ErrorDocument `json:"error,omitempty"`
}

type submissionView struct {
	ID     int64                   `json:"id"`
	Status models.SubmissionStatus `json:"status"`
	Stages []stageView             `json:"stages"`
	Result json.RawMessage         `json:"result,omitempty"`
	Error  *models.ErrorDocument   `json:"error,omitempty"`
}

type listResponse struct {
	Items []submissionView `json:"items"`
	Next  string           `json:"next,omitempty"`
}

type healthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

type errorResponse struct {
	Error *models.ErrorDocument `json:"error"`
}

// Handlers.

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, healthResponse{OK: true, Version: version.Version})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var request submitRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, http.StatusBadRequest, &models.ErrorDocument{
			Code:    models.InvalidSchemaError,
			Message: "request body is not valid JSON",
			Detail:  err.Error(),
		})
		return
	}

	submissions, err := s.svc.Submit(r.Context(), request.Workflows)
	if err != nil {
		var doc *models.ErrorDocument
		if errors.As(err, &doc) && doc.Code == models.InvalidSchemaError {
			s.respondWithError(w, http.StatusBadRequest, doc)
			return
		}
		s.internalError(w, err)
		return
	}

	response := submitResponse{Submissions: make([]submitted, 0, len(submissions))}
	for _, submission := range submissions {
		response.Submissions = append(response.Submissions, submitted{
			ID:   submission.ID,
			Self: fmt.Sprintf("/submissions/%d", submission.ID),
		})
	}
	respondWithJSON(w, http.StatusOK, response)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id, ok := s.submissionID(w, r)
	if !ok {
		return
	}
	submission, err := s.svc.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.notFound(w, id)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	view, err := s.view(submission)
	if err != nil {
		s.internalError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	status := models.SubmissionStatus(r.URL.Query().Get("status"))
	if status != "" && !validStatus(status) {
		s.respondWithError(w, http.StatusBadRequest, &models.ErrorDocument{
			Code:    models.InvalidFilterError,
			Message: fmt.Sprintf("unknown status %q", status),
		})
		return
	}

	var cursor int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.respondWithError(w, http.StatusBadRequest, &models.ErrorDocument{
				Code:    models.InvalidFilterError,
				Message: "cursor must be an integer",
			})
			return
		}
		cursor = parsed
	}

	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.respondWithError(w, http.StatusBadRequest, &models.ErrorDocument{
				Code:    models.InvalidFilterError,
				Message: "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	items, next, err := s.svc.List(status, cursor, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}

	response := listResponse{Items: make([]submissionView, 0, len(items))}
	for _, submission := range items {
		response.Items = append(response.Items, submissionView{
			ID:     submission.ID,
			Status: submission.Status,
			Error:  submission.Error,
		})
	}
	if next > 0 {
		response.Next = strconv.FormatInt(next, 10)
	}
	respondWithJSON(w, http.StatusOK, response)
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	id, ok := s.submissionID(w, r)
	if !ok {
		return
	}
	result, err := s.svc.Result(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.notFound(w, id)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := s.submissionID(w, r)
	if !ok {
		return
	}
	err := s.svc.Cancel(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.notFound(w, id)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Helpers.

func (s *Server) view(submission *models.Submission) (submissionView, error) {
	view := submissionView{
		ID:     submission.ID,
		Status: submission.Status,
		Error:  submission.Error,
		Stages: make([]stageView, 0, len(submission.Stages)),
	}
	for i := range submission.Stages {
		stage := &submission.Stages[i]
		tasks, err := s.svc.Tasks(stage)
		if err != nil {
			return submissionView{}, err
		}
		stageV := stageView{
			Name:   stage.Kind,
			Status: stage.Status,
			Result: stage.Result,
			Error:  stage.Error,
			Tasks:  make([]taskView, 0, len(tasks)),
		}
		for _, task := range tasks {
			stageV.Tasks = append(stageV.Tasks, taskView{
				ID:          task.ID,
				Fingerprint: task.Fingerprint,
				Status:      task.Status,
				Error:       task.LastError,
			})
		}
		view.Stages = append(view.Stages, stageV)
		if stage.Kind == models.OptimizationStage && stage.Status == models.SuccessStageStatus {
			view.Result = stage.Result
		}
	}
	return view, nil
}

func (s *Server) submissionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.respondWithError(w, http.StatusNotFound, &models.ErrorDocument{
			Code:    models.NotFoundError,
			Message: fmt.Sprintf("unknown submission %q", raw),
		})
		return 0, false
	}
	return id, true
}

func (s *Server) notFound(w http.ResponseWriter, id int64) {
	s.respondWithError(w, http.StatusNotFound, &models.ErrorDocument{
		Code:    models.NotFoundError,
		Message: fmt.Sprintf("unknown submission %d", id),
	})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Errorf("Request failed: %v", err)
	s.respondWithError(w, http.StatusInternalServerError, &models.ErrorDocument{
		Code:    models.InternalError,
		Message: "internal error",
	})
}

func (s *Server) respondWithError(w http.ResponseWriter, code int, doc *models.ErrorDocument) {
	respondWithJSON(w, code, errorResponse{Error: doc})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"code": "internal", "message": "failed to encode response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func validStatus(status models.SubmissionStatus) bool {
	switch status {
	case models.WaitingSubmissionStatus, models.RunningSubmissionStatus,
		models.SuccessSubmissionStatus, models.ErroredSubmissionStatus,
		models.CancelledSubmissionStatus:
		return true
	}
	return false
}
