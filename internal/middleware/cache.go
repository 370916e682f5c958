package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// PrivateCache lets the candidate's browser reuse a response for maxAgeSeconds
// without any shared cache storing it.
func PrivateCache(maxAgeSeconds int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAgeSeconds))
		c.Next()
	}
}

// NoStore marks live session state as uncacheable.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
