// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaniya-v/CalOmr/services/solver/handlers"
	"github.com/shaniya-v/CalOmr/services/solver/observability"
)

// SetupRoutes registers the solver API on router.
//
// # Inputs
//
//   - svc: The pipeline.
//   - store: Checked by /health. May be nil.
//   - metrics: Request counters. May be nil.
//   - gatherer: Served at /metrics. Nil serves the default registry.
func SetupRoutes(router *gin.Engine, svc handlers.Solver, store handlers.Pinger,
	metrics *observability.Metrics, gatherer prometheus.Gatherer) {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Use(countRequests(metrics))

	router.GET("/health", handlers.HandleHealth(store))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.POST("/solve", handlers.HandleSolve(svc))
		v1.POST("/solve/batch", handlers.HandleSolveBatch(svc))
		v1.GET("/stats", handlers.HandleStats(svc))
		v1.GET("/questions/:id", handlers.HandleGetQuestion(svc))
	}
}

func countRequests(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordRequest(endpoint, c.Writer.Status())
	}
}
