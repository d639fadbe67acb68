package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/copyforge/pipeline/internal/metrics"
	"github.com/copyforge/pipeline/pkg/models"
)

const (
	// IdentityContextKey holds the verified *models.AccountIdentity.
	IdentityContextKey = "account_identity"
)

// Verifier validates access tokens against the token authority.
type Verifier interface {
	Verify(ctx context.Context, accessToken string) (*models.AccountIdentity, error)
}

// TokenAuth validates the bearer access token and stores the verified
// identity in the request context.
func TokenAuth(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			metrics.RecordAuthFailure("missing_header")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			metrics.RecordAuthFailure("malformed_header")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
			c.Abort()
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), parts[1])
		if err != nil {
			metrics.RecordAuthFailure(authFailureReason(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": authFailureMessage(err)})
			c.Abort()
			return
		}

		c.Set(IdentityContextKey, identity)
		c.Next()
	}
}

// GetIdentity returns the verified identity from the request context.
func GetIdentity(c *gin.Context) (*models.AccountIdentity, bool) {
	value, exists := c.Get(IdentityContextKey)
	if !exists {
		return nil, false
	}
	identity, ok := value.(*models.AccountIdentity)
	return identity, ok
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrTokenExpired):
		return "expired"
	case errors.Is(err, models.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, models.ErrTokenReused):
		return "reused"
	default:
		return "invalid"
	}
}

func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, models.ErrTokenRevoked):
		return "Token revoked"
	default:
		return "Invalid token"
	}
}
