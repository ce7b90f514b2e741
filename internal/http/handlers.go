package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/session"
	"github.com/fyrsmithlabs/crewd/internal/template"
	"github.com/fyrsmithlabs/crewd/internal/workflow"
)

// CreateWorkflowRequest is the request body for POST /api/v1/workflows.
type CreateWorkflowRequest struct {
	RequestID string `json:"requestId"`
	Template  string `json:"template"`
}

// SatisfyGateRequest is the request body for POST /workflows/:id/gate.
type SatisfyGateRequest struct {
	StageIndex  int    `json:"stageIndex"`
	SatisfiedBy string `json:"satisfiedBy"`
}

// AddMessageRequest is the request body for POST /workflows/:id/messages.
type AddMessageRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// AddFeedbackRequest is the request body for POST /workflows/:id/feedback.
type AddFeedbackRequest struct {
	Author   string `json:"author"`
	Content  string `json:"content"`
	Blocking bool   `json:"blocking"`
}

// DiscardRequest is the request body for POST /workflows/:id/discard.
type DiscardRequest struct {
	Reason string `json:"reason"`
}

// UpdateStatusRequest is the request body for POST /workflows/:id/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateTemplateRequest is the request body for PUT /templates/:name.
type UpdateTemplateRequest struct {
	Template   *template.Template `json:"template"`
	ChangedBy  string             `json:"changedBy"`
	ChangeNote string             `json:"changeNote"`
}

// CreateTemplateRequest is the request body for POST /templates.
type CreateTemplateRequest struct {
	Template  *template.Template `json:"template"`
	ChangedBy string             `json:"changedBy"`
}

// RestoreTemplateRequest is the request body for POST /templates/:name/restore.
type RestoreTemplateRequest struct {
	Version   int    `json:"version"`
	ChangedBy string `json:"changedBy"`
}

// DuplicateTemplateRequest is the request body for POST /templates/:name/duplicate.
type DuplicateTemplateRequest struct {
	NewName   string `json:"newName"`
	ChangedBy string `json:"changedBy"`
}

// ErrorResponse is the JSON body for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`

	// Blockers lists unresolved blocking feedback ids when an advance
	// is held back by feedback.
	Blockers []string `json:"blockers,omitempty"`
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	entries, err := s.workflows.List(c.Request().Context())
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleCreateWorkflow(c echo.Context) error {
	var req CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RequestID == "" || req.Template == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requestId and template fields are required")
	}

	wf, err := s.workflows.Create(c.Request().Context(), req.RequestID, req.Template)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	wf, err := s.workflows.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleAdvanceWorkflow(c echo.Context) error {
	wf, err := s.workflows.Advance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleSatisfyGate(c echo.Context) error {
	var req SatisfyGateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SatisfiedBy == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "satisfiedBy field is required")
	}

	wf, err := s.workflows.SatisfyGate(c.Request().Context(), c.Param("id"), req.StageIndex, req.SatisfiedBy)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleAddMessage(c echo.Context) error {
	var req AddMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	wf, err := s.workflows.AddMessage(c.Request().Context(), c.Param("id"), req.Author, req.Content)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleAddFeedback(c echo.Context) error {
	var req AddFeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	wf, err := s.workflows.AddFeedback(c.Request().Context(), c.Param("id"), req.Author, req.Content, req.Blocking)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleResolveFeedback(c echo.Context) error {
	wf, err := s.workflows.ResolveFeedback(c.Request().Context(), c.Param("id"), c.Param("feedbackId"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleDiscardWorkflow(c echo.Context) error {
	var req DiscardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason field is required")
	}

	wf, err := s.workflows.Discard(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleUpdateStatus(c echo.Context) error {
	var req UpdateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	wf, err := s.workflows.UpdateStatus(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleListTemplates(c echo.Context) error {
	templates, err := s.templates.List()
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(c echo.Context) error {
	tpl, err := s.templates.Get(c.Param("name"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, tpl)
}

func (s *Server) handleCreateTemplate(c echo.Context) error {
	var req CreateTemplateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Template == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "template field is required")
	}

	created, err := s.templates.Create(req.Template, req.ChangedBy)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleUpdateTemplate(c echo.Context) error {
	var req UpdateTemplateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Template == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "template field is required")
	}
	req.Template.Name = c.Param("name")

	updated, err := s.templates.Update(req.Template, req.ChangedBy, req.ChangeNote)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteTemplate(c echo.Context) error {
	if err := s.templates.Delete(c.Param("name")); err != nil {
		return s.mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTemplateVersions(c echo.Context) error {
	versions, err := s.templates.Versions(c.Param("name"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, versions)
}

func (s *Server) handleRestoreTemplate(c echo.Context) error {
	var req RestoreTemplateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	restored, err := s.templates.Restore(c.Param("name"), req.Version, req.ChangedBy)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, restored)
}

func (s *Server) handleDuplicateTemplate(c echo.Context) error {
	var req DuplicateTemplateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.NewName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "newName field is required")
	}

	copy, err := s.templates.Duplicate(c.Param("name"), req.NewName, req.ChangedBy)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, copy)
}

// mapError translates domain errors to HTTP responses. Denials and gate
// holds are expected outcomes and map to conflict, not server error.
func (s *Server) mapError(c echo.Context, err error) error {
	var blocked *workflow.FeedbackBlockedError
	switch {
	case errors.As(err, &blocked):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: blocked.Error(), Blockers: blocked.FeedbackIDs})
	case errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, template.ErrNotFound),
		errors.Is(err, template.ErrVersionNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, workflow.ErrGateNotSatisfied),
		errors.Is(err, workflow.ErrWorkflowFinished),
		errors.Is(err, workflow.ErrStageNotCurrent),
		errors.Is(err, template.ErrAlreadyExists):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, template.ErrTemplateImmutable):
		return c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}
