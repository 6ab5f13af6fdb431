package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// UserClaims represents JWT claims for an operator
type UserClaims struct {
	Login string `json:"login"`
	jwt.RegisteredClaims
}

// JWTAuth creates JWT authentication middleware
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		var tokenString string

		if authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				log.Printf("[auth] invalid authorization format for %s", c.Path())
				return fiber.NewError(fiber.StatusUnauthorized, "Invalid authorization format")
			}
		}

		// Fallback: accept _token query param for SSE /stream endpoints
		// (EventSource API does not support custom headers)
		if tokenString == "" && c.Query("_token") != "" && strings.HasSuffix(c.Path(), "/stream") {
			tokenString = c.Query("_token")
		}

		if tokenString == "" {
			log.Printf("[auth] missing authorization for %s", c.Path())
			return fiber.NewError(fiber.StatusUnauthorized, "Missing authorization")
		}

		token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			log.Printf("[auth] invalid token for %s: %v", c.Path(), err)
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
		}

		claims, ok := token.Claims.(*UserClaims)
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token claims")
		}

		c.Locals("login", claims.Login)
		return c.Next()
	}
}

// GetLogin extracts the operator login from context
func GetLogin(c *fiber.Ctx) string {
	login, ok := c.Locals("login").(string)
	if !ok {
		return ""
	}
	return login
}
