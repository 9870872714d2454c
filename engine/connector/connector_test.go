package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// TestInvokePost verifies the request carries the JSON body and query
// parameters and the JSON response decodes into a map.
func TestInvokePost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "42", r.URL.Query().Get("limit"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada", body["name"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"ticket_id": "T-1"})
	}))
	defer srv.Close()

	r := NewRunner(nopLogger{})
	resp, err := r.Invoke(context.Background(), http.MethodPost, srv.URL,
		map[string]string{"limit": "42"},
		map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "T-1", resp["ticket_id"])
}

// TestInvokeDefaultsToGet verifies an empty method performs a GET.
func TestInvokeDefaultsToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	r := NewRunner(nopLogger{})
	resp, err := r.Invoke(context.Background(), "", srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp["ok"])
}

// TestInvokeErrorStatus verifies a non-2xx response yields *Error carrying
// the status and body.
func TestInvokeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewRunner(nopLogger{})
	_, err := r.Invoke(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, http.StatusBadGateway, cerr.Status)
	assert.Contains(t, cerr.Body, "boom")
}

// TestInvokeNonJSONResponse verifies a successful non-JSON body is tolerated
// and yields an empty object.
func TestInvokeNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text, not json"))
	}))
	defer srv.Close()

	r := NewRunner(nopLogger{})
	resp, err := r.Invoke(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, resp)
}

// TestInvokeUnsupportedMethod verifies methods outside GET/POST/PATCH are
// rejected before any I/O.
func TestInvokeUnsupportedMethod(t *testing.T) {
	r := NewRunner(nopLogger{})
	_, err := r.Invoke(context.Background(), http.MethodDelete, "http://localhost:0", nil, nil)
	assert.Error(t, err)
}

// TestInvokeContextCancel verifies an in-flight request aborts on context
// cancellation.
func TestInvokeContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	r := NewRunner(nopLogger{})
	_, err := r.Invoke(ctx, http.MethodGet, srv.URL, nil, nil)
	assert.Error(t, err)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://api.local/v1/tickets", JoinURL("http://api.local", "/v1/tickets"))
	assert.Equal(t, "http://api.local/v1/tickets", JoinURL("http://api.local/", "v1/tickets"))
	assert.Equal(t, "http://api.local", JoinURL("http://api.local", ""))
	assert.Equal(t, "v1/tickets", JoinURL("", "/v1/tickets"))
}
