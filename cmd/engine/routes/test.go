package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/bpmn-engine/cmd/engine/container"
	"github.com/lyzr/bpmn-engine/cmd/engine/handlers"
)

// RegisterTestRoutes registers the liveness probe
func RegisterTestRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewTestHandler(c.Registry)

	e.GET("/test", h.Ping) // GET /test
}
