package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	billingsyncdomain "github.com/cloudact/quotagate/internal/billingsync/domain"
)

// HandleBillingWebhook ingests a billing-provider event. Replays of an
// already-applied event are acknowledged with 200 so the provider stops
// retrying.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.billingSyncSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, billingsyncdomain.ErrEventAlreadyApplied) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
