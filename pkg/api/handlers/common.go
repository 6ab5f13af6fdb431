// Package handlers implements the REST endpoints of the orchestrator.
package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// ok wraps a successful response in the standard envelope.
func ok(c *fiber.Ctx, data any, message string) error {
	return c.JSON(fiber.Map{
		"success":   true,
		"message":   message,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// fail wraps an error response in the standard envelope.
func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success":   false,
		"message":   message,
		"data":      nil,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
