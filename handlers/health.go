package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/promptpilot/api/database"
	"github.com/promptpilot/api/utils/cache"
)

// HandleCheckHealth reports service, database, and cache health
func HandleCheckHealth(c *fiber.Ctx, store database.Storage, redisCache *cache.RedisCache) error {
	status := fiber.Map{
		"status":   "ok",
		"database": "ok",
		"cache":    "ok",
	}
	healthy := true

	if err := store.HealthCheck(); err != nil {
		status["database"] = "unreachable"
		healthy = false
	}
	if redisCache != nil {
		if err := redisCache.HealthCheck(c.Context()); err != nil {
			status["cache"] = "unreachable"
			healthy = false
		}
	} else {
		status["cache"] = "disabled"
	}

	if !healthy {
		status["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.JSON(status)
}
