package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/bpmn-engine/cmd/engine/container"
	"github.com/lyzr/bpmn-engine/cmd/engine/handlers"
)

// RegisterInstanceRoutes registers all instance-related routes
func RegisterInstanceRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewInstanceHandler(c.Registry, c.Logger)
	ws := handlers.NewStateWSHandler(c.Registry, c.Logger)

	instances := e.Group("/instance")
	{
		instances.GET("", h.Search)                          // GET /instance?q=...
		instances.GET("/:iid", h.Get)                        // GET /instance/{iid}
		instances.GET("/:iid/state", h.GetState)             // GET /instance/{iid}/state
		instances.GET("/:iid/statews", ws.Stream)            // GET /instance/{iid}/statews (WebSocket)
		instances.GET("/:iid/task/:tid", h.GetTask)          // GET /instance/{iid}/task/{tid}
		instances.POST("/:iid/task/:tid/form", h.SubmitForm) // POST /instance/{iid}/task/{tid}/form
		instances.POST("/:iid/task/:tid/receive", h.SubmitReceive) // POST /instance/{iid}/task/{tid}/receive
	}
}
