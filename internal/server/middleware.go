package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	"github.com/cloudact/quotagate/internal/orgcontext"
)

const HeaderOrg = "X-Org-Id"

// OrgContext resolves the acting organization from the X-Org-Id header and
// injects it into the request context.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		if raw == "" {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID == 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}

		c.Set("org_id", orgID.String())
		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func orgIDFromRequest(c *gin.Context) (snowflake.ID, bool) {
	return orgcontext.OrgIDFromContext(c.Request.Context())
}
