package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	gatedomain "github.com/cloudact/quotagate/internal/gate/domain"
)

type reserveRequest struct {
	Resource string `json:"resource"`
}

// ReserveQuota admits or rejects one action against the org's quota. A
// rejection is reported as an HTTP error so callers can rely on the status
// code alone.
func (s *Server) ReserveQuota(c *gin.Context) {
	orgID, ok := orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	decision, err := s.gateSvc.CheckAndReserve(c.Request.Context(), orgID, gatedomain.Resource(strings.TrimSpace(req.Resource)))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !decision.Allowed {
		AbortWithError(c, &gatedomain.RejectionError{Decision: decision})
		return
	}

	c.JSON(http.StatusOK, decision)
}

type releaseRequest struct {
	RunID string `json:"run_id"`
}

// ReleaseQuota returns a pipeline slot. Releasing an already-closed run is a
// no-op, so retries are safe.
func (s *Server) ReleaseQuota(c *gin.Context) {
	orgID, ok := orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	runID, err := snowflake.ParseString(strings.TrimSpace(req.RunID))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.gateSvc.Release(c.Request.Context(), orgID, runID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

// QuotaStatus reports used/limit per resource for dashboards.
func (s *Server) QuotaStatus(c *gin.Context) {
	orgID, ok := orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	status, err := s.gateSvc.GetQuotaStatus(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}
