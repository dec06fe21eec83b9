// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blocksync_cache_hits_total",
		Help: "Resource requests served from the in-memory index.",
	})

	missesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blocksync_cache_misses_total",
		Help: "Resource requests that required a rebuild from disk.",
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blocksync_cache_evictions_total",
		Help: "Cache entries removed by eviction or sweep.",
	})
)
