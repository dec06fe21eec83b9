// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command blocksync starts the block synchronization server.
//
// The server maintains an in-memory entity graph built from watched
// project files, serves block bundles with a durable resource cache,
// and pushes live block notifications to editor clients over
// WebSocket.
//
// Usage:
//
//	blocksync serve
//	blocksync serve --port 4173 --watch ./project
//	blocksync serve --config blocksync.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:4173/health
//
//	# Prometheus metrics
//	curl http://localhost:4173/metrics
//
//	# Block asset
//	curl http://localhost:4173/blocks/task-board/dist/main.js
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
