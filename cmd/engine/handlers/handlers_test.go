package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/bpmn-engine/bpmn"
	"github.com/lyzr/bpmn-engine/common/logger"
	"github.com/lyzr/bpmn-engine/engine"
	"github.com/lyzr/bpmn-engine/engine/connector"
)

func newTestRegistry(t *testing.T) *engine.Registry {
	t.Helper()
	log := logger.New("error", "json")
	reg := engine.NewRegistry(&engine.RegistryOpts{
		Store:     engine.NewMemoryStore(),
		Connector: connector.NewRunner(log),
		Logger:    log,
	})
	require.NoError(t, reg.LoadDir("../../../bpmn/testdata", bpmn.NewParser(nil, nil)))
	return reg
}

func doRequest(h echo.HandlerFunc, method, body string, params map[string]string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	names := make([]string, 0, len(params))
	values := make([]string, 0, len(params))
	for k, v := range params {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return rec, h(c)
}

func waitForState(t *testing.T, reg *engine.Registry, id string, want engine.State) {
	t.Helper()
	inst, err := reg.GetOrLoadInstance(context.Background(), id)
	require.NoError(t, err)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inst.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s did not reach state %s", id, want)
}

// TestModelList verifies the model listing endpoint.
func TestModelList(t *testing.T) {
	reg := newTestRegistry(t)
	h := NewModelHandler(reg, logger.New("error", "json"))

	rec, err := doRequest(h.List, http.MethodGet, "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"support.bpmn"}, resp["models"])
}

// TestModelGetSource verifies the raw XML endpoint and its 404.
func TestModelGetSource(t *testing.T) {
	reg := newTestRegistry(t)
	h := NewModelHandler(reg, logger.New("error", "json"))

	rec, err := doRequest(h.GetSource, http.MethodGet, "", map[string]string{"name": "support.bpmn"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Body.String(), "support_request")

	_, err = doRequest(h.GetSource, http.MethodGet, "", map[string]string{"name": "ghost.bpmn"})
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

// TestInstanceLifecycle drives an instance through the HTTP surface: create,
// inspect the waiting task, submit the form and observe completion.
func TestInstanceLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	log := logger.New("error", "json")
	mh := NewModelHandler(reg, log)
	ih := NewInstanceHandler(reg, log)

	rec, err := doRequest(mh.CreateInstance, http.MethodPost,
		`{"id": "inst-1", "variables": {"requester": "ada"}}`,
		map[string]string{"name": "support.bpmn"})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "inst-1", created["id"])

	waitForState(t, reg, "inst-1", engine.StateWaiting)

	// The waiting user task exposes its form.
	rec, err = doRequest(ih.GetTask, http.MethodGet, "",
		map[string]string{"iid": "inst-1", "tid": "intake_form"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "form_fields")

	rec, err = doRequest(ih.GetState, http.MethodGet, "", map[string]string{"iid": "inst-1"})
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), string(engine.StateWaiting))

	// Low priority routes to the receive task.
	rec, err = doRequest(ih.SubmitForm, http.MethodPost,
		`{"name": "ada", "priority": 2}`,
		map[string]string{"iid": "inst-1", "tid": "intake_form"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	waitForState(t, reg, "inst-1", engine.StateWaiting)

	rec, err = doRequest(ih.SubmitReceive, http.MethodPost,
		`{"reply": "resolved"}`,
		map[string]string{"iid": "inst-1", "tid": "await_reply"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	waitForState(t, reg, "inst-1", engine.StateFinished)

	rec, err = doRequest(ih.Get, http.MethodGet, "", map[string]string{"iid": "inst-1"})
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	vars := info["variables"].(map[string]any)
	assert.Equal(t, "resolved", vars["reply"])
}

// TestInstanceNotFound verifies the 404 paths of the instance surface.
func TestInstanceNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	ih := NewInstanceHandler(reg, logger.New("error", "json"))

	var httpErr *echo.HTTPError

	_, err := doRequest(ih.Get, http.MethodGet, "", map[string]string{"iid": "ghost"})
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)

	_, err = doRequest(ih.SubmitForm, http.MethodPost, `{}`,
		map[string]string{"iid": "ghost", "tid": "intake_form"})
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

// TestSearchEndpoint verifies query validation and matching.
func TestSearchEndpoint(t *testing.T) {
	reg := newTestRegistry(t)
	log := logger.New("error", "json")
	mh := NewModelHandler(reg, log)
	ih := NewInstanceHandler(reg, log)

	_, err := doRequest(mh.CreateInstance, http.MethodPost,
		`{"id": "inst-a", "variables": {"requester": "ada"}}`,
		map[string]string{"name": "support.bpmn"})
	require.NoError(t, err)
	waitForState(t, reg, "inst-a", engine.StateWaiting)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/instance?q=requester:ada", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, ih.Search(c))

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"inst-a"}, resp["instances"])

	// A malformed query is a client error.
	req = httptest.NewRequest(http.MethodGet, "/instance?q=", nil)
	c = e.NewContext(req, httptest.NewRecorder())
	err = ih.Search(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}
