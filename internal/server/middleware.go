package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LimitBody caps request bodies so an oversized payload fails to bind
// instead of being buffered whole.
func LimitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
