// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers the serving surface.
func SetupRoutes(router *gin.Engine, s *Server) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": s.registry.Count(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleWS)
	router.GET("/blocks/:name/*resource", s.handleBlockResource)
}

// handleBlockResource serves one block asset. Locally mounted
// developer directories win over everything and are marked
// non-cacheable; otherwise the built bundle is served from disk.
func (s *Server) handleBlockResource(c *gin.Context) {
	name := c.Param("name")
	resource := strings.TrimPrefix(c.Param("resource"), "/")

	if local, ok := s.cache.ResolveLocal(name, resource); ok {
		c.Header("Cache-Control", "no-store")
		c.File(local.Path)
		return
	}

	path := filepath.Join(s.cfg.BlocksDir, name, filepath.Clean(resource))
	if !strings.HasPrefix(path, filepath.Clean(s.cfg.BlocksDir)+string(os.PathSeparator)) {
		c.Status(http.StatusBadRequest)
		return
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		c.Status(http.StatusNotFound)
		return
	}
	c.File(path)
}
