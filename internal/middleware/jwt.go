package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/pkg/response"
)

// ContextIdentity is the key for the caller's models.Identity in gin context.
const ContextIdentity = "identity"

// TokenValidator resolves a bearer token to an identity.
type TokenValidator interface {
	ValidateIdentity(token string) (models.Identity, error)
}

// JWT returns a middleware that requires a valid bearer token and sets the identity in context.
func JWT(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		if !authenticate(c, v, header) {
			return
		}
		c.Next()
	}
}

// OptionalJWT sets the identity when a bearer token is present and lets anonymous requests through.
// A present but invalid token is still rejected.
func OptionalJWT(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header != "" && !authenticate(c, v, header) {
			return
		}
		c.Next()
	}
}

func authenticate(c *gin.Context, v TokenValidator, header string) bool {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		response.Unauthorized(c, "invalid authorization header")
		c.Abort()
		return false
	}
	ident, err := v.ValidateIdentity(parts[1])
	if err != nil {
		response.Unauthorized(c, "invalid or expired token")
		c.Abort()
		return false
	}
	c.Set(ContextIdentity, ident)
	return true
}

// IdentityFrom returns the identity set by JWT or OptionalJWT.
func IdentityFrom(c *gin.Context) (models.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return models.Identity{}, false
	}
	ident, ok := v.(models.Identity)
	return ident, ok
}
