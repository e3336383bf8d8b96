package server

import (
	"time"

	"github.com/labstack/echo/v4"
)

var startedAt = time.Now()

// HealthCheckHandler 健康检查
func HealthCheckHandler(c echo.Context) error {
	return respond(c, map[string]interface{}{
		"status":  "healthy",
		"service": ServiceName,
		"version": Version,
		"uptime":  time.Since(startedAt).Round(time.Second).String(),
	})
}
