// Package middleware provides HTTP middleware for the replica's admin
// surface.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the operator a request is acting as. The admin surface
// only distinguishes "can read status" from "can issue operator
// commands" (force-snapshot, propose-override); it has no notion of
// end-user accounts the way the client protocol does.
type Claims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// AuthService validates a bearer token into Claims.
type AuthService interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// jwtAuthService is the default AuthService, backed by one HMAC secret.
type jwtAuthService struct {
	secret []byte
}

// NewJWTAuthService returns an AuthService backed by HMAC-SHA256 token
// verification with the given secret.
func NewJWTAuthService(secret string) AuthService {
	return &jwtAuthService{secret: []byte(secret)}
}

func (s *jwtAuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func errorJSON(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

// Auth validates the request's bearer token and stores its Claims in the
// gin context under "claims". Health and metrics endpoints are exempt.
func Auth(authService AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isPublicPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, errorJSON("MISSING_TOKEN", "Authorization: Bearer <token> is required"))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, errorJSON("INVALID_TOKEN", "token is invalid or expired"))
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

// RequireRole ensures the authenticated caller's role matches required,
// used to gate operator-only endpoints (force snapshot, propose override)
// behind something stronger than "has any valid token".
func RequireRole(required string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get("claims")
		claims, _ := v.(*Claims)
		if !ok || claims == nil || claims.Role != required {
			c.JSON(http.StatusForbidden, errorJSON("INSUFFICIENT_PERMISSIONS", "this operation requires role "+required))
			c.Abort()
			return
		}
		c.Next()
	}
}

func isPublicPath(path string) bool {
	for _, p := range []string{"/health", "/metrics"} {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
