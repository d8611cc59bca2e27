package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/services"
	"github.com/gin-gonic/gin"
)

type pushRequest struct {
	Changes []models.Change `json:"changes"`
}

type pushResponse struct {
	Outcomes []models.Outcome `json:"outcomes"`
}

type conflictsResponse struct {
	Conflicts []*models.Conflict `json:"conflicts"`
}

type resolveRequest struct {
	ConflictID string            `json:"conflict_id"`
	Resolution models.Resolution `json:"resolution"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg, "status": code})
}

// statusCode maps sync errors to HTTP status codes. Unknown errors are 500.
func statusCode(err error) int {
	switch {
	case errors.Is(err, common.ErrForbidden), errors.Is(err, common.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrConflictAlreadyResolved), errors.Is(err, common.ErrRevisionMismatch):
		return http.StatusConflict
	case errors.Is(err, common.ErrCursorInvalid):
		return http.StatusGone
	case errors.Is(err, common.ErrInvalidChange):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(c.Request.Context(), op+" failed", "error", err)
		abort(c, code, common.ErrInternal.Error())
		return
	}
	abort(c, code, err.Error())
}

func (s *Server) push(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "malformed request body")
		return
	}
	outcomes, err := s.sync.Push(c.Request.Context(), callerOf(c), req.Changes)
	if err != nil {
		s.fail(c, "push", err)
		return
	}
	c.JSON(http.StatusOK, pushResponse{Outcomes: outcomes})
}

func (s *Server) pull(c *gin.Context) {
	req := services.PullRequest{
		Cursor:    c.Query("cursor"),
		BudgetIDs: c.QueryArray("budget_id"),
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		req.Limit = n
	}
	res, err := s.sync.Pull(c.Request.Context(), callerOf(c), req)
	if err != nil {
		s.fail(c, "pull", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) snapshot(c *gin.Context) {
	res, err := s.sync.Snapshot(c.Request.Context(), callerOf(c), c.QueryArray("budget_id"))
	if err != nil {
		s.fail(c, "snapshot", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listConflicts(c *gin.Context) {
	list, err := s.sync.ListConflicts(c.Request.Context(), callerOf(c), c.QueryArray("budget_id"))
	if err != nil {
		s.fail(c, "list conflicts", err)
		return
	}
	c.JSON(http.StatusOK, conflictsResponse{Conflicts: list})
}

func (s *Server) resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "malformed request body")
		return
	}
	res, err := s.sync.Resolve(c.Request.Context(), callerOf(c), services.ResolveRequest{
		ConflictID: req.ConflictID,
		Resolution: req.Resolution,
		Payload:    req.Payload,
	})
	if err != nil {
		s.fail(c, "resolve", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) status(c *gin.Context) {
	res, err := s.sync.Status(c.Request.Context(), callerOf(c))
	if err != nil {
		s.fail(c, "status", err)
		return
	}
	c.JSON(http.StatusOK, res)
}
