package api

import (
	fiber "github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

// NewApp builds the fiber application with all queue routes registered.
func NewApp(h *JobHandler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "modelibr-renderqueue",
	})
	app.Use(logger.New())

	v1 := app.Group("/api/v1")

	jobs := v1.Group("/jobs")
	jobs.Post("/", h.EnqueueJob)
	jobs.Get("/", h.ListJobs)
	jobs.Get("/:id", h.GetJob)
	jobs.Post("/:id/cancel", h.CancelJob)
	jobs.Post("/:id/reset", h.ResetJob)

	v1.Get("/queue/health", h.GetQueueHealth)

	return app
}
