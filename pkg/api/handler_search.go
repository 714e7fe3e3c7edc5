package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/search"
)

// searchHandler handles GET /search. An empty projected store yields an
// empty result set, never an error.
func (s *Server) searchHandler(c *echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	snap, _ := s.stores.Snapshot()
	results, err := search.Search(snap, search.Query{
		Q:             q,
		Scope:         c.QueryParam("scope"),
		Limit:         limit,
		Fuzzy:         c.QueryParam("fuzzy") == "true",
		CaseSensitive: c.QueryParam("caseSensitive") == "true",
		Regex:         c.QueryParam("regex") == "true",
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if graphID := c.QueryParam("graphId"); graphID != "" {
		filtered := results[:0]
		for _, r := range results {
			if r.GraphID == "" || r.GraphID == graphID {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"count":   len(results),
		"results": results,
	})
}
