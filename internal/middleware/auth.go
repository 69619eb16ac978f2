// Package middleware provides authentication, logging, tracing and rate limiting for the admin API.
package middleware

import (
	"context"
	"strings"

	"warden/internal/config"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

var cfg *config.Config

// InitMiddleware initializes authentication middleware with the given config.
func InitMiddleware(c *config.Config) {
	cfg = c
}

// ModeratorID returns the authenticated moderator stored by AuthRequired.
func ModeratorID(c *fiber.Ctx) (snowflake.ID, bool) {
	id, ok := c.Locals("moderatorID").(snowflake.ID)
	return id, ok
}

// AuthRequired is a middleware that enforces authentication for protected routes.
// The token subject is the moderator's platform snowflake.
func AuthRequired(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authorization header required",
		})
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid authorization header format",
		})
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired token",
		})
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid token structure - missing subject",
		})
	}

	moderatorID, err := snowflake.Parse(sub)
	if err != nil || moderatorID == 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid moderator ID in token",
		})
	}

	c.Locals("moderatorID", moderatorID)
	c.SetUserContext(context.WithValue(c.UserContext(), ModeratorIDKey, moderatorID))

	return c.Next()
}
