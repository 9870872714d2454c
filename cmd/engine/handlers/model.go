package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/bpmn-engine/common/logger"
	"github.com/lyzr/bpmn-engine/engine"
)

// ModelHandler handles model-related requests
type ModelHandler struct {
	registry *engine.Registry
	log      *logger.Logger
}

// NewModelHandler creates a new model handler
func NewModelHandler(registry *engine.Registry, log *logger.Logger) *ModelHandler {
	return &ModelHandler{registry: registry, log: log}
}

// List lists loaded models
// GET /model
func (h *ModelHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"models": h.registry.Models(),
	})
}

// GetSource returns the raw BPMN source of a model
// GET /model/:name
func (h *ModelHandler) GetSource(c echo.Context) error {
	name := c.Param("name")
	model, ok := h.registry.Model(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "model not found")
	}
	return c.Blob(http.StatusOK, "application/xml", model.Source)
}

type createInstanceRequest struct {
	ID        string         `json:"id"`
	Variables map[string]any `json:"variables"`
}

// CreateInstance creates and starts an instance of a model
// POST /model/:name/instance
func (h *ModelHandler) CreateInstance(c echo.Context) error {
	name := c.Param("name")

	var req createInstanceRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
		}
	}

	inst, err := h.registry.CreateInstance(c.Request().Context(), name, req.ID, req.Variables)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "model not found")
		}
		h.log.Error("failed to create instance", "model", name, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create instance")
	}

	return c.JSON(http.StatusCreated, map[string]string{"id": inst.ID})
}

// CreateInstanceWithReceive creates an instance and immediately enqueues a
// receive message at one of its tasks
// POST /model/:name/task/:tid/receive
func (h *ModelHandler) CreateInstanceWithReceive(c echo.Context) error {
	name := c.Param("name")
	taskID := c.Param("tid")

	payload := make(map[string]any)
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&payload); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
		}
	}

	inst, err := h.registry.CreateInstance(c.Request().Context(), name, "", nil)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "model not found")
		}
		h.log.Error("failed to create instance", "model", name, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create instance")
	}

	if err := inst.Deliver(engine.Message{
		Kind:    engine.MessageReceive,
		TaskID:  taskID,
		Payload: payload,
	}); err != nil {
		h.log.Error("failed to deliver receive message", "instance_id", inst.ID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to deliver message")
	}

	return c.JSON(http.StatusCreated, map[string]string{"id": inst.ID})
}
