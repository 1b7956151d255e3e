package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/smallbiznis/patronage/internal/catalog/domain"
	ledgerdomain "github.com/smallbiznis/patronage/internal/ledger/domain"
)

func (s *Server) SetTier(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req catalogdomain.SetTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CreatorID = creatorID
	req.Interval = catalogdomain.Interval(strings.ToLower(strings.TrimSpace(string(req.Interval))))
	req.Currency = strings.TrimSpace(req.Currency)

	tier, err := s.catalogSvc.SetTier(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": tier})
}

func (s *Server) ListTiers(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}

	tiers, err := s.catalogSvc.ListTiers(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": tiers})
}

func (s *Server) DisableTier(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}

	interval := catalogdomain.Interval(strings.ToLower(strings.TrimSpace(c.Param("interval"))))
	if err := s.catalogSvc.DisableTier(c.Request.Context(), creatorID, interval); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetSubscriberCount(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}

	count, err := s.subscriptionSvc.SubscriberCount(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"creator_id":       creatorID,
		"subscriber_count": count,
	}})
}

// GetEarnings summarises the ledger; period is "all" (default) or "month".
func (s *Server) GetEarnings(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}

	period := strings.ToLower(strings.TrimSpace(c.DefaultQuery("period", ledgerdomain.PeriodAll)))
	summary, err := s.ledgerSvc.Summary(c.Request.Context(), creatorID, period)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) ReconcileEarnings(c *gin.Context) {
	creatorID, ok := pathID(c, "id")
	if !ok {
		return
	}

	result, err := s.ledgerSvc.Recompute(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
