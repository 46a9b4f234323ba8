// Package routes registers all HTTP routes for the engine API.
// This keeps route definitions in the infrastructure layer, not in main.
package routes

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reconpoint/engine/internal/config"
	infrahttp "github.com/reconpoint/engine/internal/infra/http"
	"github.com/reconpoint/engine/internal/infra/http/handler"
	"github.com/reconpoint/engine/internal/infra/http/middleware"
	"github.com/reconpoint/engine/internal/infra/websocket"
)

// Middleware is an alias to the http package's Middleware type.
type Middleware = infrahttp.Middleware

// Router is an alias to the http package's Router interface.
type Router = infrahttp.Router

// Handlers holds all HTTP handlers for route registration.
type Handlers struct {
	Health *handler.HealthHandler
	Scan   *handler.ScanHandler
	Stage  *handler.StageHandler

	// WebSocket handler for live run progress and job output.
	WebSocket *websocket.Handler
}

// Register registers all application routes. Health probes and metrics
// are public; everything under /api and the WebSocket endpoint sit
// behind API key auth.
func Register(router Router, h Handlers, cfg *config.Config) {
	registerHealthRoutes(router, h.Health)

	auth := Middleware(middleware.APIKey(&cfg.Auth))

	router.Group("/api/v1", func(r Router) {
		r.POST("/scans", h.Scan.CreateScan)
		r.GET("/scans", h.Scan.ListRuns)
		r.GET("/scans/{id}", h.Scan.GetRun)
		r.DELETE("/scans/{id}", h.Scan.AbortRun)
		r.GET("/scans/{id}/jobs/{jobID}/output", h.Scan.ReplayOutput)

		r.POST("/subscans", h.Scan.CreateSubscan)

		r.GET("/stages", h.Stage.ListStages)
	}, auth)

	if h.WebSocket != nil {
		router.GET("/ws", h.WebSocket.ServeWS, auth)
	}
}

// registerHealthRoutes registers health check and metrics endpoints.
func registerHealthRoutes(router Router, h *handler.HealthHandler) {
	router.GET("/healthz", h.Health)
	router.GET("/readyz", h.Ready)
	router.GET("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})
}
