package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Logger interface for connector logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Error carries a non-2xx connector response.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("connector returned status %d: %s", e.Status, e.Body)
}

// Runner performs HTTP I/O for service tasks. The shared client applies a
// 5 second connect timeout; the read phase is unbounded and in-flight
// requests abort when the caller's context is cancelled.
type Runner struct {
	client *http.Client
	logger Logger
}

// NewRunner creates a connector runner with a shared, recycling client pool.
func NewRunner(logger Logger) *Runner {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 5 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Runner{
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

// Invoke performs the HTTP call and decodes the JSON response body.
// Method defaults to GET; only GET, POST and PATCH are accepted. A status
// outside {200, 201} yields *Error with the response body. A non-JSON
// response is tolerated and yields an empty object.
func (r *Runner) Invoke(ctx context.Context, method, rawURL string, query map[string]string, body map[string]any) (map[string]any, error) {
	switch method {
	case "":
		method = http.MethodGet
	case http.MethodGet, http.MethodPost, http.MethodPatch:
	default:
		return nil, fmt.Errorf("unsupported connector method %q", method)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode connector body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build connector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	r.logger.Debug("connector request", "method", method, "url", req.URL.String())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read connector response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &Error{Status: resp.StatusCode, Body: string(raw)}
	}

	result := make(map[string]any)
	if err := json.Unmarshal(raw, &result); err != nil {
		// Non-JSON bodies are tolerated.
		r.logger.Debug("connector response is not JSON", "url", req.URL.String())
		return make(map[string]any), nil
	}

	return result, nil
}

// JoinURL joins the datasource base URL with a task-supplied path.
func JoinURL(base, path string) string {
	path = strings.TrimLeft(path, "/")
	if base == "" {
		return path
	}
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + path
}
