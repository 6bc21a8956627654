// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/toolforge/components-api/internal/config"
	"github.com/toolforge/components-api/internal/configgen"
	"github.com/toolforge/components-api/internal/engine"
	"github.com/toolforge/components-api/internal/server/middleware/logger"
	"github.com/toolforge/components-api/internal/server/middleware/metrics"
	"github.com/toolforge/components-api/internal/storage"
)

// Handler holds the wired dependencies and provides the HTTP handlers.
type Handler struct {
	store     storage.Interface
	engine    *engine.Engine
	pool      *engine.Pool
	generator *configgen.Generator
	metrics   *metrics.Instrumentator
	logger    *slog.Logger

	tokenLifetime        time.Duration
	maxActiveDeployments int

	// fetch retrieves external source_url configs, injectable for tests.
	fetch *http.Client
	now   func() time.Time
}

// Dependencies wires a Handler.
type Dependencies struct {
	Store     storage.Interface
	Engine    *engine.Engine
	Pool      *engine.Pool
	Generator *configgen.Generator
	Metrics   *metrics.Instrumentator
	Settings  *config.Settings
	Logger    *slog.Logger

	// Fetch overrides the HTTP client used for source_url configs.
	Fetch *http.Client
	// Now overrides the clock.
	Now func() time.Time
}

// New creates a Handler instance.
func New(deps Dependencies) *Handler {
	fetch := deps.Fetch
	if fetch == nil {
		fetch = &http.Client{Timeout: 30 * time.Second}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		store:                deps.Store,
		engine:               deps.Engine,
		pool:                 deps.Pool,
		generator:            deps.Generator,
		metrics:              deps.Metrics,
		logger:               deps.Logger,
		tokenLifetime:        deps.Settings.TokenLifetime,
		maxActiveDeployments: deps.Settings.MaxActiveDeployments,
		fetch:                fetch,
		now:                  now,
	}
}

// Routes sets up all HTTP routes and returns the configured handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	v1 := "/v1"

	mux.HandleFunc("GET "+v1+"/healthz", h.Healthz)
	mux.Handle("GET /metrics", h.metrics.Handler())

	// Config management
	mux.HandleFunc("GET "+v1+"/tool/{tool}/config", h.requireTool(h.GetToolConfig))
	mux.HandleFunc("POST "+v1+"/tool/{tool}/config", h.requireTool(h.UpdateToolConfig))
	mux.HandleFunc("DELETE "+v1+"/tool/{tool}/config", h.requireTool(h.DeleteToolConfig))
	mux.HandleFunc("GET "+v1+"/tool/{tool}/config/generate", h.requireTool(h.GenerateToolConfig))

	// Deploy tokens. These patterns are more specific than the deployment
	// id wildcard below, so "token" never matches as a deploy id.
	mux.HandleFunc("GET "+v1+"/tool/{tool}/deployment/token", h.requireTool(h.GetDeployToken))
	mux.HandleFunc("POST "+v1+"/tool/{tool}/deployment/token", h.requireTool(h.CreateDeployToken))
	mux.HandleFunc("PUT "+v1+"/tool/{tool}/deployment/token", h.requireTool(h.RefreshDeployToken))
	mux.HandleFunc("DELETE "+v1+"/tool/{tool}/deployment/token", h.requireTool(h.DeleteDeployToken))

	// Deployments
	mux.HandleFunc("GET "+v1+"/tool/{tool}/deployment", h.requireTool(h.ListDeployments))
	mux.HandleFunc("GET "+v1+"/tool/{tool}/deployment/latest", h.requireTool(h.GetLatestDeployment))
	mux.HandleFunc("GET "+v1+"/tool/{tool}/deployment/{deployID}", h.requireTool(h.GetDeployment))
	mux.HandleFunc("POST "+v1+"/tool/{tool}/deployment", h.requireTokenOrTool(h.CreateDeployment))
	mux.HandleFunc("PUT "+v1+"/tool/{tool}/deployment/{deployID}/cancel", h.requireTool(h.CancelDeployment))
	mux.HandleFunc("DELETE "+v1+"/tool/{tool}/deployment/{deployID}", h.requireTool(h.DeleteDeployment))

	var handler http.Handler = mux
	handler = h.metrics.Middleware(handler)
	handler = logger.Middleware(h.logger)(handler)
	return handler
}

// Healthz handles liveness checks.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeSuccessResponse(w, http.StatusOK, HealthStatus{Status: "OK"}, ResponseMessages{})
}
