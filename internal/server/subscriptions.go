package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/patronage/internal/subscription/domain"
)

// Subscribe returns the pending subscription and the client secret for the
// first payment. Access starts when the processor confirms it.
func (s *Server) Subscribe(c *gin.Context) {
	var req subscriptiondomain.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Interval = strings.ToLower(strings.TrimSpace(req.Interval))

	resp, err := s.subscriptionSvc.Subscribe(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSubscription(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// CancelSubscription accepts an empty body, which cancels at period end.
func (s *Server) CancelSubscription(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req subscriptiondomain.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)

	resp, err := s.subscriptionSvc.Cancel(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSubscriberSubscriptions(c *gin.Context) {
	subscriberID, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.ListBySubscriber(c.Request.Context(), subscriberID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
