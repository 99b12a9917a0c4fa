package server

import (
	"bytes"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	apilogdomain "github.com/nexfon/cbg/internal/apilog/domain"
	"github.com/nexfon/cbg/internal/clock"
)

const maxLoggedBodyBytes = 8 << 10

// BearerAuth gates the API behind the shared inbound token.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		header := c.GetHeader("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(provided) != token {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// RequestLog records every inbound call into the api_requests table.
// Bodies are truncated; recording failures never affect the response.
func RequestLog(logs apilogdomain.Service, clk clock.Clock) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := clk.Now()

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBodyBytes))
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), c.Request.Body))
		}

		c.Next()

		var logged datatypes.JSON
		if len(body) > 0 && strings.Contains(c.ContentType(), "application/json") {
			logged = datatypes.JSON(body)
		}
		logs.Record(c.Request.Context(), apilogdomain.APIRequest{
			Method:     c.Request.Method,
			Path:       c.FullPath(),
			Query:      c.Request.URL.RawQuery,
			Body:       logged,
			StatusCode: c.Writer.Status(),
			RemoteAddr: c.ClientIP(),
			DurationMS: clk.Now().Sub(start).Milliseconds(),
			CreatedAt:  start,
		})
	}
}
