package middleware

import (
	"crypto/subtle"
	"net/http"

	"who_knows_rewards/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const AdminSecretHeader = "X-Admin-Secret"

type Authorization struct {
	secret string
}

func NewAuthorization(secret string) *Authorization {
	return &Authorization{
		secret: secret,
	}
}

// AdminOnly accepts the shared secret from the X-Admin-Secret header or the
// secret query parameter. An empty configured secret disables admin routes.
func (a *Authorization) AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.Logger()

		if a.secret == "" {
			log.Warn("admin endpoint called but no admin secret configured",
				zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		provided := c.GetHeader(AdminSecretHeader)
		if provided == "" {
			provided = c.Query("secret")
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(a.secret)) != 1 {
			log.Info("unauthorized access attempt to admin endpoint",
				zap.String("client_ip", SourceIP(c)),
				zap.String("request_id", RequestID(c)))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		c.Set("is_admin", true)
		c.Next()
	}
}
