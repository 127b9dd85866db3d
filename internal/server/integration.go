package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	integrationdomain "github.com/cloudact/quotagate/internal/integration/domain"
)

type registerIntegrationRequest struct {
	Provider string         `json:"provider"`
	Name     string         `json:"name"`
	Config   map[string]any `json:"config"`
}

func (s *Server) RegisterIntegration(c *gin.Context) {
	orgID, ok := orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req registerIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	summary, err := s.integrationSvc.Register(c.Request.Context(), integrationdomain.RegisterRequest{
		OrgID:    orgID,
		Provider: req.Provider,
		Name:     req.Name,
		Config:   req.Config,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) ListIntegrations(c *gin.Context) {
	orgID, ok := orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	summaries, err := s.integrationSvc.List(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summaries})
}

func (s *Server) RemoveIntegration(c *gin.Context) {
	orgID, ok := orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	credentialID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.integrationSvc.Remove(c.Request.Context(), orgID, credentialID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
