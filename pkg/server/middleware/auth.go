package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openvci/issuer-service/internal/token"
	"github.com/openvci/issuer-service/pkg/server/framework"
)

// RequireAccessToken rejects requests without a parseable bearer token. The
// token's signature is the authorization server's concern; handlers read its
// claims for correlation and scoping.
func RequireAccessToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		accessToken := framework.GetAccessToken(c)
		if accessToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, framework.ErrorResponse{Error: "missing bearer token"})
			return
		}
		if _, err := token.Parse(accessToken); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, framework.ErrorResponse{Error: "malformed bearer token"})
			return
		}
		c.Next()
	}
}
