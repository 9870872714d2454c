package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/bpmn-engine/engine"
)

// TestHandler provides a liveness probe for deployment checks
type TestHandler struct {
	registry *engine.Registry
}

// NewTestHandler creates a new test handler
func NewTestHandler(registry *engine.Registry) *TestHandler {
	return &TestHandler{registry: registry}
}

// Ping reports that the engine is up and how many models it has loaded
// GET /test
func (h *TestHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"models": len(h.registry.Models()),
	})
}
