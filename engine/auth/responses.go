package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SendUnauthorizedError aborts the request with a 401 envelope.
func SendUnauthorizedError(c *gin.Context, details string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Authentication required",
		"details": details,
	})
}

// SendForbiddenError aborts the request with a 403 envelope.
func SendForbiddenError(c *gin.Context, details string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error":   "Insufficient permissions",
		"details": details,
	})
}

// SendInternalServerError aborts the request with a 500 envelope.
func SendInternalServerError(c *gin.Context, details string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "Internal server error",
		"details": details,
	})
}
