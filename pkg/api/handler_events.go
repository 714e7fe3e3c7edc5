package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

// eventsStream handles GET /events/stream: typed event-log entries plus a
// tail mirror of the telemetry ring, over SSE. A slow client drops
// entries rather than blocking producers.
func (s *Server) eventsStream(c *echo.Context) error {
	sinceSeq := int64(0)
	if v := c.QueryParam("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be an integer")
		}
		sinceSeq = n
	}

	events := make(chan eventlog.Entry, 128)
	unsubEvents := s.events.Subscribe(func(e eventlog.Entry) {
		select {
		case events <- e:
		default:
		}
	})
	defer unsubEvents()

	mirror := make(chan telemetry.Entry, 128)
	unsubTel := s.tel.Subscribe(func(e telemetry.Entry) {
		select {
		case mirror <- e:
		default:
		}
	})
	defer unsubTel()

	sse := startSSE(c)
	for _, e := range s.events.ReplaySince(sinceSeq) {
		if err := sse.Event(e.Type, e); err != nil {
			return nil
		}
	}

	ctx := c.Request().Context()
	keepAlive := newKeepAliveTicker()
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			if err := sse.Event(e.Type, e); err != nil {
				return nil
			}
		case te := <-mirror:
			if err := sse.Event(eventlog.TypeTelemetry, te); err != nil {
				return nil
			}
		case <-keepAlive.C:
			if err := sse.KeepAlive(); err != nil {
				return nil
			}
		}
	}
}

// telemetrySnapshot handles GET /telemetry?cid=&type=&limit=.
func (s *Server) telemetrySnapshot(c *echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	entries := s.tel.Query(telemetry.Filter{
		CID:   c.QueryParam("cid"),
		Type:  c.QueryParam("type"),
		Limit: limit,
	})
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"count":   len(entries),
		"entries": entries,
	})
}

// telemetryStream handles GET /telemetry/stream?cid=&type=&from=: replay
// from `from`, then tail.
func (s *Server) telemetryStream(c *echo.Context) error {
	from := int64(0)
	if v := c.QueryParam("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be an integer")
		}
		from = n
	}
	cid := c.QueryParam("cid")
	typ := c.QueryParam("type")
	match := func(e telemetry.Entry) bool {
		if cid != "" && e.CID != cid {
			return false
		}
		if typ != "" && e.Type != typ {
			return false
		}
		return true
	}

	tail := make(chan telemetry.Entry, 128)
	unsub := s.tel.Subscribe(func(e telemetry.Entry) {
		select {
		case tail <- e:
		default:
		}
	})
	defer unsub()

	sse := startSSE(c)
	lastSeq := from
	for _, e := range s.tel.Query(telemetry.Filter{CID: cid, Type: typ, SinceSeq: from}) {
		if err := sse.Event("telemetry", e); err != nil {
			return nil
		}
		lastSeq = e.Seq
	}

	ctx := c.Request().Context()
	keepAlive := newKeepAliveTicker()
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-tail:
			if e.Seq <= lastSeq || !match(e) {
				continue
			}
			if err := sse.Event("telemetry", e); err != nil {
				return nil
			}
			lastSeq = e.Seq
		case <-keepAlive.C:
			if err := sse.KeepAlive(); err != nil {
				return nil
			}
		}
	}
}
