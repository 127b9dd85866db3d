package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	orgdomain "github.com/cloudact/quotagate/internal/organization/domain"
	"github.com/cloudact/quotagate/internal/plan"
)

type onboardRequest struct {
	Name        string `json:"name"`
	Timezone    string `json:"timezone"`
	PlanTier    string `json:"plan_tier"`
	OwnerUserID string `json:"owner_user_id"`
}

func (s *Server) OnboardOrganization(c *gin.Context) {
	var req onboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ownerID, err := snowflake.ParseString(strings.TrimSpace(req.OwnerUserID))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.organizationSvc.Onboard(c.Request.Context(), orgdomain.OnboardRequest{
		Name:        strings.TrimSpace(req.Name),
		Timezone:    strings.TrimSpace(req.Timezone),
		Tier:        plan.Tier(strings.ToUpper(strings.TrimSpace(req.PlanTier))),
		OwnerUserID: ownerID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetOrganization(c *gin.Context) {
	orgID, ok := orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.organizationSvc.GetByID(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (s *Server) AddMember(c *gin.Context) {
	orgID, ok := orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	member, err := s.organizationSvc.AddMember(c.Request.Context(), orgID, userID, req.Role)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, member)
}

func (s *Server) ListMembers(c *gin.Context) {
	orgID, ok := orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	members, err := s.organizationSvc.ListMembers(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": members})
}

func (s *Server) RemoveMember(c *gin.Context) {
	orgID, ok := orgIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(c.Param("userId")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.organizationSvc.RemoveMember(c.Request.Context(), orgID, userID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
