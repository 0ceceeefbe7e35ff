package http

import (
	"github.com/gofiber/fiber/v2"
)

// NewStatusServer wires the status routes into a fiber app.
func NewStatusServer(handler *StatusHandler) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "garmin-bootstrap",
	})

	app.Get("/healthz", handler.Health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	stages := v1.Group("/stages")
	stages.Get("/", handler.ListStages)
	stages.Get("/:name", handler.GetStage)

	return app
}
