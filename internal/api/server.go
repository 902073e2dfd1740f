// Package api is the chi-routed HTTP submission front end: the concrete but
// business-logic-thin realization of the submission front end that
// internal/engine treats as an external collaborator. Grounded in the
// teacher's internal/server package (chi router, request-ID + logging
// middleware, envelope responses), trimmed to the three operations the
// Supervisor exposes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wilke-labs/gowe-engine/internal/engine"
	goweerrors "github.com/wilke-labs/gowe-engine/internal/errors"
	"github.com/wilke-labs/gowe-engine/internal/store"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// Server is the HTTP front end wrapping an engine.Supervisor.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	sup       *engine.Supervisor
	store     store.Store
	startTime time.Time
}

// New builds a Server with all routes registered.
func New(sup *engine.Supervisor, st store.Store, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "api"),
		sup:       sup,
		store:     st,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkflow)
			r.Post("/abort", s.handleAbort)
		})
	})
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Active int    `json:"active_workflows"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	respondOK(w, reqID, healthResponse{
		Status: "healthy",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Active: s.sup.ActiveCount(),
	})
}

// submitRequest is the wire shape of spec.md §6's Submission record.
type submitRequest struct {
	WorkflowSource string            `json:"workflow_source"`
	WorkflowRoot   string            `json:"workflow_root,omitempty"`
	Inputs         map[string]any    `json:"inputs"`
	Options        map[string]any    `json:"options"`
	Labels         map[string]string `json:"labels"`
	Dependencies   string            `json:"dependencies,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}
	if req.WorkflowSource == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "workflow_source", Message: "workflow_source is required"}))
		return
	}

	id, err := s.sup.Submit(r.Context(), engine.Submission{
		WorkflowSource: req.WorkflowSource,
		WorkflowRoot:   req.WorkflowRoot,
		Inputs:         req.Inputs,
		Options:        req.Options,
		Labels:         req.Labels,
		Dependencies:   req.Dependencies,
	})
	if err != nil {
		respondSupervisorError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, submitResponse{ID: id.String()})
}

type workflowResponse struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	SourceRef   string         `json:"source_ref"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	id, err := model.ParseWorkflowID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid workflow id: "+err.Error()))
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if wf == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("workflow", id.String()))
		return
	}
	respondOK(w, reqID, workflowResponse{
		ID:          wf.ID.String(),
		Status:      string(wf.Status),
		SourceRef:   wf.SourceRef,
		Inputs:      wf.Inputs,
		CreatedAt:   wf.CreatedAt,
		StartedAt:   wf.StartedAt,
		CompletedAt: wf.CompletedAt,
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	id, err := model.ParseWorkflowID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid workflow id: "+err.Error()))
		return
	}
	if !s.sup.Abort(id) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("running workflow", id.String()))
		return
	}
	respondOK(w, reqID, map[string]string{"status": "abort requested"})
}

// respondSupervisorError classifies an internal/errors value into an HTTP
// status, matching the teacher's one-error-type-per-handler-branch style.
func respondSupervisorError(w http.ResponseWriter, reqID string, err error) {
	switch err.(type) {
	case *goweerrors.ValidationError:
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
	default:
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{Code: model.ErrInternal, Message: err.Error()})
	}
}
