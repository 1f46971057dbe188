package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/soundscribe/internal/common"
)

const (
	RequestIDHeader = "X-Request-ID"
	RequestIDKey    = "request_id"
)

// RequestID keeps a caller-supplied X-Request-ID or assigns a ULID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 128 {
			if gen, err := common.NewULID(); err == nil {
				id = gen
			}
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
