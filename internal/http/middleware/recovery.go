package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"basegraph.app/jobagent/common/logger"
)

// Recovery turns a handler panic into a 500. A panic must never take the
// agent down with it, since the broker keeps running jobs behind the API.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			fields := logger.LogFields{Component: "jobagent.http.recovery"}
			if id := c.Param("id"); id != "" {
				fields.JobID = &id
			}
			ctx := logger.WithLogFields(c.Request.Context(), fields)

			slog.ErrorContext(ctx, "handler panicked",
				"panic", fmt.Sprint(rec),
				"route", c.FullPath(),
				"method", c.Request.Method,
				"stack", string(debug.Stack()),
			)

			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "agent failed to handle the request",
			})
		}()
		c.Next()
	}
}
