// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blocksync_broadcast_envelopes_total",
		Help: "Envelopes delivered via broadcast, by envelope type.",
	}, []string{"type"})

	dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blocksync_dispatches_total",
		Help: "Inbound envelopes dispatched, by envelope type and outcome.",
	}, []string{"type", "outcome"})
)
