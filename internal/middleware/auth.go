package middleware

import (
	"net/http"
	"strings"

	"github.com/deployd/agent/internal/service"
	"github.com/gin-gonic/gin"
)

// AuthServiceInterface validates bearer tokens for the middleware
type AuthServiceInterface interface {
	ValidateToken(tokenString string) (*service.Claims, error)
}

var authService AuthServiceInterface

// SetAuthService sets the auth service for the middleware
func SetAuthService(svc AuthServiceInterface) {
	authService = svc
}

// AuthMiddleware validates the bearer token of a request. Downloads and
// browser websockets cannot set headers, so ?token= is accepted as well.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			HandleAppError(c, NewUnauthorizedError("Invalid authorization format. Use: Bearer <token>"))
			return
		}
		if token == "" {
			HandleAppError(c, NewUnauthorizedError("Missing authorization header"))
			return
		}
		if authService == nil {
			HandleAppError(c, NewUnauthorizedError("Authentication is not configured"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			HandleAppError(c, &AppError{
				StatusCode: http.StatusUnauthorized,
				Code:       "INVALID_TOKEN",
				Message:    "Invalid or expired token",
				Err:        err,
			})
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("is_admin", claims.IsAdmin)
		c.Next()
	}
}

// bearerToken returns the request's token. ok is false for a malformed
// Authorization header.
func bearerToken(c *gin.Context) (token string, ok bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		return strings.TrimSpace(parts[1]), true
	}
	return c.Query("token"), true
}

// GetSubject extracts the authenticated subject from context
func GetSubject(c *gin.Context) string {
	subject, exists := c.Get("subject")
	if !exists {
		return ""
	}
	s, _ := subject.(string)
	return s
}
