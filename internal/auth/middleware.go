package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the "role" claim.
const (
	// RoleHolder is the card holder managing cards, users and reviews.
	RoleHolder = "holder"
	// RoleTerminal is an ATM or kiosk submitting captures and withdrawals.
	RoleTerminal = "terminal"
)

type contextKey string

const (
	subjectKey contextKey = "authSubject"
	roleKey    contextKey = "authRole"
)

// Claims is the token payload accepted by the middleware.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Principal returns the authenticated subject and role from context.
func Principal(ctx context.Context) (subject, role string, ok bool) {
	if ctx == nil {
		return "", "", false
	}
	subject, _ = ctx.Value(subjectKey).(string)
	role, _ = ctx.Value(roleKey).(string)
	return subject, role, subject != ""
}

// JWTMiddleware validates bearer tokens and injects the caller identity.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	audience = strings.TrimSpace(audience)

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		if secret == "" {
			unauthorized(c, "missing JWT secret")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		if audience != "" && !containsAudience(claims.Audience, audience) {
			unauthorized(c, "invalid audience")
			return
		}
		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}

		ctx := context.WithValue(c.Request.Context(), subjectKey, claims.Subject)
		ctx = context.WithValue(ctx, roleKey, claims.Role)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(subjectKey), claims.Subject)
		c.Set(string(roleKey), claims.Role)

		c.Next()
	}
}

// RequireRole rejects callers whose role claim is not one of roles. It must
// run after JWTMiddleware.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, role, ok := Principal(c.Request.Context())
		if !ok {
			unauthorized(c, "authentication required")
			return
		}
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
