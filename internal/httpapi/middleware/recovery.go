package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/soundscribe/internal/common"
)

// Recovery turns a handler panic into a 500 error envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Recovery] panic method=%s path=%s request_id=%s err=%v\n%s",
					c.Request.Method, c.Request.URL.Path, c.GetString(RequestIDKey), r, debug.Stack())
				common.AbortFail(c, http.StatusInternalServerError, 50000, "internal server error")
			}
		}()
		c.Next()
	}
}
