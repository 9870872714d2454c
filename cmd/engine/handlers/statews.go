package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/bpmn-engine/common/logger"
	"github.com/lyzr/bpmn-engine/engine"
)

const (
	// Time allowed to write a message to the peer
	stateWriteWait = 10 * time.Second

	// Interval between state pushes
	statePushPeriod = 3 * time.Second
)

var stateUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// State streams carry no sensitive data and the API has no auth layer,
	// so cross-origin dashboards may subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StateWSHandler streams instance lifecycle state over WebSocket
type StateWSHandler struct {
	registry *engine.Registry
	log      *logger.Logger
}

// NewStateWSHandler creates a new state stream handler
func NewStateWSHandler(registry *engine.Registry, log *logger.Logger) *StateWSHandler {
	return &StateWSHandler{registry: registry, log: log}
}

// Stream upgrades the connection and pushes {"state": ...} frames every few
// seconds until the instance reaches a terminal state or the peer disconnects
// GET /instance/:iid/statews
func (h *StateWSHandler) Stream(c echo.Context) error {
	inst, err := h.registry.GetOrLoadInstance(c.Request().Context(), c.Param("iid"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "instance not found")
		}
		h.log.Error("failed to load instance", "instance_id", c.Param("iid"), "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load instance")
	}

	conn, err := stateUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return nil
	}
	go h.pump(conn, inst)
	return nil
}

func (h *StateWSHandler) pump(conn *websocket.Conn, inst *engine.Instance) {
	defer conn.Close()

	// Detect peer disconnects; the client never sends data frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(statePushPeriod)
	defer ticker.Stop()

	for {
		state := inst.State()
		frame, _ := json.Marshal(map[string]string{"state": string(state)})

		conn.SetWriteDeadline(time.Now().Add(stateWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}

		if state.Terminal() {
			conn.SetWriteDeadline(time.Now().Add(stateWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(state)))
			return
		}

		<-ticker.C
	}
}
