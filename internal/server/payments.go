package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/patronage/internal/payment/domain"
)

const headerIdempotencyKey = "Idempotency-Key"

func (s *Server) CreatePayPerViewIntent(c *gin.Context) {
	var req paymentdomain.PayPerViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Currency = strings.TrimSpace(req.Currency)
	req.ContentRef = strings.TrimSpace(req.ContentRef)
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))

	if limit := s.ppvLimiter.Allow(c.Request.Context(), req.BuyerID); !limit.Allowed {
		seconds := int(math.Ceil(limit.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
			Type:    "rate_limited",
			Message: "too many purchase attempts, retry later",
		}})
		return
	}

	intent, err := s.paymentSvc.CreatePayPerViewIntent(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": intent})
}
