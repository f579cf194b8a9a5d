package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The proxy
// is path-agnostic: apart from the local operational endpoints, every path
// and method is forwarded to the upstream verbatim.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}
