package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/bpmn-engine/cmd/engine/container"
	"github.com/lyzr/bpmn-engine/cmd/engine/handlers"
)

// RegisterModelRoutes registers all model-related routes
func RegisterModelRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewModelHandler(c.Registry, c.Logger)

	models := e.Group("/model")
	{
		models.GET("", h.List)                                // GET /model
		models.GET("/:name", h.GetSource)                     // GET /model/{name}
		models.POST("/:name/instance", h.CreateInstance)      // POST /model/{name}/instance
		models.POST("/:name/task/:tid/receive", h.CreateInstanceWithReceive) // POST /model/{name}/task/{tid}/receive
	}
}
