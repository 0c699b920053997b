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

	"github.com/AleutianAI/statesync/services/statesync/app"
	"github.com/AleutianAI/statesync/services/statesync/handlers"
)

// Paths served by SetupRoutes.
const (
	EventPath  = "/_event"
	UploadPath = "/upload"
)

// Options carries the handler settings and the metrics source.
type Options struct {
	Socket   handlers.SocketConfig
	Upload   handlers.UploadConfig
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers every endpoint of the service on router.
func SetupRoutes(router *gin.Engine, a *app.App, opts Options) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ping", handlers.Ping)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	router.GET(EventPath, handlers.HandleEvents(a, opts.Socket))
	router.POST(UploadPath, handlers.HandleUpload(a, opts.Upload))
}
