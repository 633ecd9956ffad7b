package middleware

import (
	"net/http"
	"strings"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	apperrors "peercall/pkg/errors"
	plog "peercall/pkg/logger"

	"github.com/gin-gonic/gin"
)

const IdentityContextKey = "identity"

// TokenParser validates bearer tokens.
type TokenParser interface {
	ParseToken(token string) (*services.Claims, error)
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a valid identity token and stores the identity
// under IdentityContextKey. Rejections are rendered by ErrorHandlerMiddleware.
func AuthMiddleware(parser TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.Error(apperrors.NewUnauthorizedError("bearer token required"))
			c.Abort()
			return
		}

		claims, err := parser.ParseToken(token)
		if err != nil {
			c.Error(apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "invalid identity token", http.StatusUnauthorized))
			c.Abort()
			return
		}

		setIdentity(c, claims.Identity)
		c.Next()
	}
}

// OptionalAuthMiddleware records the identity when a valid token is present
// and lets anonymous requests through.
func OptionalAuthMiddleware(parser TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := parser.ParseToken(token); err == nil {
				setIdentity(c, claims.Identity)
			}
		}
		c.Next()
	}
}

func setIdentity(c *gin.Context, id domain.Identity) {
	c.Set(IdentityContextKey, id)
	c.Request = c.Request.WithContext(plog.WithIdentity(c.Request.Context(), string(id)))
}

// IdentityFrom returns the identity set by the auth middleware.
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(IdentityContextKey)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.Identity)
	return id, ok
}
