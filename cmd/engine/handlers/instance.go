package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/bpmn-engine/common/logger"
	"github.com/lyzr/bpmn-engine/engine"
)

// InstanceHandler handles instance-related requests
type InstanceHandler struct {
	registry *engine.Registry
	log      *logger.Logger
}

// NewInstanceHandler creates a new instance handler
func NewInstanceHandler(registry *engine.Registry, log *logger.Logger) *InstanceHandler {
	return &InstanceHandler{registry: registry, log: log}
}

// Search searches instances by variable clauses
// GET /instance?q=attr:val,attr:val
func (h *InstanceHandler) Search(c echo.Context) error {
	ids, err := h.registry.Search(c.QueryParam("q"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"instances": ids})
}

// Get returns the snapshot of one instance
// GET /instance/:iid
func (h *InstanceHandler) Get(c echo.Context) error {
	inst, err := h.loadInstance(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst.Info())
}

// GetTask returns the descriptor of one task of an instance
// GET /instance/:iid/task/:tid
func (h *InstanceHandler) GetTask(c echo.Context) error {
	inst, err := h.loadInstance(c)
	if err != nil {
		return err
	}
	info, err := inst.TaskInfo(c.Param("tid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, info)
}

// GetState returns the lifecycle state of one instance
// GET /instance/:iid/state
func (h *InstanceHandler) GetState(c echo.Context) error {
	inst, err := h.loadInstance(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"state": string(inst.State())})
}

// SubmitForm enqueues a user-form message at a waiting task
// POST /instance/:iid/task/:tid/form
func (h *InstanceHandler) SubmitForm(c echo.Context) error {
	return h.submitMessage(c, engine.MessageUserForm)
}

// SubmitReceive enqueues a receive message at a waiting task
// POST /instance/:iid/task/:tid/receive
func (h *InstanceHandler) SubmitReceive(c echo.Context) error {
	return h.submitMessage(c, engine.MessageReceive)
}

func (h *InstanceHandler) submitMessage(c echo.Context, kind engine.MessageKind) error {
	payload := make(map[string]any)
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&payload); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
		}
	}

	err := h.registry.Deliver(c.Request().Context(), c.Param("iid"), engine.Message{
		Kind:    kind,
		TaskID:  c.Param("tid"),
		Payload: payload,
	})
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "instance not found")
		}
		h.log.Error("failed to deliver message", "instance_id", c.Param("iid"), "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to deliver message")
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "OK"})
}

func (h *InstanceHandler) loadInstance(c echo.Context) (*engine.Instance, error) {
	inst, err := h.registry.GetOrLoadInstance(c.Request().Context(), c.Param("iid"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "instance not found")
		}
		h.log.Error("failed to load instance", "instance_id", c.Param("iid"), "error", err)
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load instance")
	}
	return inst, nil
}
