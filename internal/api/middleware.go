package api

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

const ctxKeyLogger = "logger"

// logFor returns the request-scoped logger, falling back to the default logger.
func logFor(c echo.Context) *slog.Logger {
	if l, ok := c.Get(ctxKeyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestLogger attaches a logger carrying the request ID and logs each
// request with method, path, status, and duration. It runs after
// middleware.RequestID.
func requestLogger(m *Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			l := slog.Default().With("rid", rid)
			c.Set(ctxKeyLogger, l)

			err := next(c)
			if err != nil {
				// Let the error handler write the response so the status is final.
				c.Error(err)
			}
			status := c.Response().Status
			m.RecordStatus(status)
			l.Info("req",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"dur", time.Since(start).String(),
			)
			return nil
		}
	}
}
