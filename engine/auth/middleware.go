package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// Middleware handles API key authentication for all protected routes.
type Middleware struct {
	service *Service
}

// NewMiddleware creates a new authentication middleware instance.
func NewMiddleware(service *Service) *Middleware {
	return &Middleware{service: service}
}

// extractCredential accepts either an X-API-Key header or a Bearer token.
func extractCredential(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("X-API-Key")); key != "" {
		return key
	}
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Authenticate is the Gin middleware handler for API key authentication.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromContext(c.Request.Context())
		credential := extractCredential(c)
		if credential == "" {
			log.Debug("Missing credential header")
			SendUnauthorizedError(c, "Provide an API key via X-API-Key or Authorization: Bearer <key>")
			return
		}
		user, key, err := m.service.ValidateKey(c.Request.Context(), credential)
		if err != nil {
			if errors.Is(err, ErrInvalidAPIKey) {
				log.Debug("API key validation failed")
				SendUnauthorizedError(c, "Invalid API key")
				return
			}
			log.Error("Authentication backend failure", "error", err)
			SendInternalServerError(c, "Authentication service unavailable")
			return
		}
		ctx := WithUser(c.Request.Context(), user)
		c.Request = c.Request.WithContext(ctx)
		log.Debug("Request authenticated",
			"user_id", user.ID,
			"role", user.Role,
			"api_key_id", key.ID)
		c.Next()
	}
}

// GetUser retrieves the authenticated user from the gin context.
func GetUser(c *gin.Context) (*User, bool) {
	return UserFromContext(c.Request.Context())
}

// RequirePermission checks that the authenticated user's role grants the
// given permission.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, exists := GetUser(c)
		if !exists {
			SendUnauthorizedError(c, "Authentication required")
			return
		}
		if !user.Role.HasPermission(permission) {
			log := logger.FromContext(c.Request.Context())
			log.Debug("Permission denied", "role", user.Role, "permission", permission)
			SendForbiddenError(c, "Missing permission: "+permission)
			return
		}
		c.Next()
	}
}
