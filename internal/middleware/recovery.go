package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/medgw/internal/observability"
)

// Recovery returns a middleware that recovers from panics in later
// handlers. http.ErrAbortHandler is re-raised so net/http can abort the
// connection quietly.
func Recovery(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			logger.WithContext(c.Request.Context()).Error("panic recovered",
				observability.String("path", c.Request.URL.Path),
				observability.String("method", c.Request.Method),
				observability.Any("error", rec),
				observability.String("stack", string(debug.Stack())),
			)

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "Internal Server Error",
				"message": "An unexpected error occurred",
			})
		}()

		c.Next()
	}
}
