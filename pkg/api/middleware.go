package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders sets the standard security response headers on every
// response.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// corsHeaders is permissive on purpose: the UI runs on a different local
// port during development and the bridge is not internet-facing.
func corsHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// requestLogger logs method, path, client IP, status, and latency per
// request. The IP comes from c.RealIP, which honors the configured
// extractor when the bridge sits behind a trusted proxy.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			status := 0
			if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				status = resp.Status
			}
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			s.logger.Debug("HTTP request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"remote", c.RealIP(),
				"status", status,
				"duration", time.Since(start))
			return err
		}
	}
}

// recovery converts handler panics into a 500 {error} response instead of
// tearing down the connection.
func (s *Server) recovery() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Handler panicked",
						"path", c.Request().URL.Path, "panic", r)
					err = c.JSON(http.StatusInternalServerError, map[string]any{
						"error": "internal server error",
					})
				}
			}()
			return next(c)
		}
	}
}
