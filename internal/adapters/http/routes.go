package http

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// NewApp builds the Fiber application with every API route. metrics may be
// nil, in which case /metrics is not served.
func NewApp(h *IntentHandler, metrics http.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "lighthouse",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics))
	}

	v1 := app.Group("/api/v1")

	intents := v1.Group("/intents")
	intents.Get("/", h.ListIntents)
	intents.Post("/", h.CreateIntent)
	intents.Get("/:id", h.GetIntent)
	intents.Put("/:id", h.UpdateIntent)
	intents.Delete("/:id", h.DeleteIntent)
	intents.Post("/:id/toggle", h.ToggleIntent)
	intents.Get("/:id/preview", h.PreviewMatches)
	intents.Post("/:id/execute", h.ExecuteIntent)
	intents.Get("/:id/executions", h.ListExecutions)

	executions := v1.Group("/executions")
	executions.Get("/:id", h.GetExecution)
	executions.Post("/:id/cancel", h.CancelExecution)

	v1.Get("/containers", h.ListContainers)
	v1.Post("/scans", h.Scan)

	return app
}
