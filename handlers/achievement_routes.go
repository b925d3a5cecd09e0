// handlers/achievement_routes.go
package handlers

import (
	"achievement-system/middleware"
	"achievement-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupAchievementRoutes registers the admin and user-facing surface of the
// achievement core. Achievement mutation requires the admin role; user
// routes only need gateway-supplied user context.
func SetupAchievementRoutes(app *fiber.App, admin *services.AdminService) {
	secured := app.Group("/", middleware.UserContextMiddleware())

	// Definitions
	secured.Get("/achievements", admin.ListAchievements)
	secured.Get("/achievements/:id", admin.GetAchievement)

	adminGroup := secured.Group("/admin", middleware.RequireRole("admin"))
	adminGroup.Post("/achievements", admin.CreateAchievement)
	adminGroup.Patch("/achievements/:id", admin.UpdateAchievement)
	adminGroup.Post("/achievements/:id/icon", admin.UploadBadgeIcon)
	adminGroup.Get("/stats", admin.GetStats)

	// Activity events (submitted by the host application's collectors)
	secured.Post("/events", admin.IngestEvent)

	// Per-user progress and earned awards
	secured.Get("/users/:id/progress", admin.GetUserProgress)
	secured.Get("/users/:id/achievements", admin.GetUserAchievements)
}
