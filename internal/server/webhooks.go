package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBodyBytes = 512 << 10

// HandleBillingWebhook answers 200 for applied, duplicate and deferred
// deliveries. Anything else is an error status so the processor retries.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(payload) > maxWebhookBodyBytes {
		AbortWithError(c, newValidationError("body", "payload_too_large", "payload too large"))
		return
	}
	if eventID := peekEventID(payload); eventID != "" {
		c.Set("external_event_id", eventID)
	}

	if err := s.webhookSvc.Ingest(c.Request.Context(), payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// peekEventID reads the event id for request logs only. The payload is not
// authenticated yet.
func peekEventID(payload []byte) string {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	if len(envelope.ID) > 255 {
		return ""
	}
	return envelope.ID
}
