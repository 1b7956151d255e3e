package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) CheckEntitlement(c *gin.Context) {
	subscriberID, ok := queryID(c, "subscriber_id")
	if !ok {
		return
	}
	creatorID, ok := queryID(c, "creator_id")
	if !ok {
		return
	}

	result, err := s.entitlementSvc.Check(c.Request.Context(), subscriberID, creatorID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
