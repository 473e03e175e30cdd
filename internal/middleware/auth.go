package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stwalsh4118/parcelledger/internal/models"
)

// PrincipalKey is the context key for the authenticated caller.
const PrincipalKey = "principal"

// TokenVerifier resolves a bearer token to the principal it was issued for.
type TokenVerifier interface {
	Verify(token string) (models.Principal, error)
}

// Auth creates a middleware that requires a valid bearer token and stores
// the caller's principal in the context.
func Auth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			abortWithError(c, http.StatusUnauthorized, CodeUnauthorized, "A bearer token is required")
			return
		}

		principal, err := verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			if log := GetLogger(c); log != nil {
				log.Warn("Rejected bearer token", map[string]interface{}{
					"path":  c.Request.URL.Path,
					"error": err.Error(),
				})
			}
			abortWithError(c, http.StatusUnauthorized, CodeUnauthorized, "The bearer token is invalid or expired")
			return
		}

		c.Set(PrincipalKey, principal)
		c.Next()
	}
}

// GetPrincipal retrieves the authenticated principal from the Gin context.
// Returns an empty principal if the request was not authenticated.
func GetPrincipal(c *gin.Context) models.Principal {
	if value, exists := c.Get(PrincipalKey); exists {
		if principal, ok := value.(models.Principal); ok {
			return principal
		}
	}
	return ""
}
