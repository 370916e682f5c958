package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// CheckSingleDevice validates the JWT's JTI against the device bound to the
// session in Redis. A mismatch means a proctor reset the binding.
func CheckSingleDevice(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		// Only enforce for candidate tokens.
		if claims.TokenType != service.TokenTypeCandidate {
			c.Next()
			return
		}

		if err := authService.ValidateCandidateDevice(c.Request.Context(), claims.SessionID, claims.ID); err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
			return
		}

		c.Next()
	}
}
