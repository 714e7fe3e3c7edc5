package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// keepAliveInterval is how often an idle SSE connection receives a
// comment line so intermediate proxies do not close it.
const keepAliveInterval = 500 * time.Millisecond

// sseWriter wraps one event-stream response.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// startSSE sets the three SSE headers and commits the response.
func startSSE(c *echo.Context) *sseWriter {
	w := c.Response()
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// Event writes one event:/data: pair and flushes.
func (s *sseWriter) Event(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// KeepAlive writes a timestamped comment line and flushes.
func (s *sseWriter) KeepAlive() error {
	if _, err := fmt.Fprintf(s.w, ": keep-alive %d\n\n", time.Now().UnixMilli()); err != nil {
		return err
	}
	return s.rc.Flush()
}

func newKeepAliveTicker() *time.Ticker {
	return time.NewTicker(keepAliveInterval)
}
