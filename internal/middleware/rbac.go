package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// RequireExamScope checks that the proctor JWT covers the :exam_id path parameter.
func RequireExamScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		if !claims.CanProctor(c.Param("exam_id")) {
			response.AbortFail(c, http.StatusForbidden, response.ErrForbidden)
			return
		}

		c.Next()
	}
}
