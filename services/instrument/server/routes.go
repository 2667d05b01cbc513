// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName is the otel service name of the HTTP server.
const ServiceName = "bugpilot-instrument"

// RegisterRoutes registers all /bugpilot routes with the router group.
//
// Endpoints:
//
//	POST /v1/bugpilot/transform - Instrument one module
//	POST /v1/bugpilot/classify - Classify a path
//	POST /v1/bugpilot/capture - Relay a runtime error
//	GET  /v1/bugpilot/health - Health check
//
// Example:
//
//	v1 := router.Group("/v1")
//	server.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	bp := rg.Group("/bugpilot")
	{
		bp.POST("/transform", handlers.HandleTransform)
		bp.POST("/classify", handlers.HandleClassify)
		bp.POST("/capture", handlers.HandleCapture)
		bp.GET("/health", handlers.HandleHealth)
	}
}

// NewRouter builds the gin engine with recovery, tracing and the
// Prometheus endpoint at /metrics.
func NewRouter(handlers *Handlers, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	if debug {
		router.Use(gin.Logger())
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}
