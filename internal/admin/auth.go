package admin

import (
	"context"
	"net/http"
	"strings"

	"appointment-bot/internal/common/auth"
	apperrors "appointment-bot/internal/common/errors"
	"appointment-bot/internal/common/logger"

	"github.com/gin-gonic/gin"
)

// TokenValidator is implemented by *auth.KeycloakClient.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.TokenInfo, error)
}

// Authenticator checks admin bearer tokens. With no validator every
// request is let through.
type Authenticator struct {
	validator TokenValidator
	role      string
	logger    logger.Logger
}

// NewAuthenticator requires role on every token when role is not empty.
func NewAuthenticator(validator TokenValidator, role string, log logger.Logger) *Authenticator {
	a := &Authenticator{validator: validator, role: role, logger: log}
	if validator == nil {
		log.Warn("admin API authentication is disabled", nil)
	}
	return a
}

const tokenInfoKey = "admin.token"

func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.validator == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": string(apperrors.ErrCodeAuthentication)})
			return
		}

		info, err := a.validator.ValidateToken(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			status := http.StatusUnauthorized
			if apperrors.IsRetryable(err) {
				status = http.StatusServiceUnavailable
			}
			a.logger.Warn("admin token rejected", map[string]interface{}{
				"path":  c.FullPath(),
				"error": err.Error(),
			})
			c.AbortWithStatusJSON(status, gin.H{"error": string(apperrors.ErrCodeAuthentication)})
			return
		}

		if a.role != "" && !info.HasRole(a.role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN"})
			return
		}

		c.Set(tokenInfoKey, info)
		c.Next()
	}
}
