// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transport routes client envelopes to entity store
// operations and broadcasts the resulting changes to every other
// live connection.
//
// The Registry is an owned object with explicit register/unregister
// lifecycle rather than a module-level global, so a host can run
// several independent instances and shut them down cleanly.
package transport

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// Adapter delivers envelopes to one connected client. Implementations
// must be safe to call from multiple goroutines.
type Adapter interface {
	Send(env datatypes.Envelope) error
}

// Registry tracks live transport adapters by id.
//
// Thread Safety: safe for concurrent use. Broadcast snapshots the
// adapter set under the read lock and sends outside it, so only
// transports live at broadcast time receive the envelope.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Adapter
	log        *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		transports: make(map[string]Adapter),
		log:        log,
	}
}

// Register adds an adapter and returns its transport id.
func (r *Registry) Register(a Adapter) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.transports[id] = a
	r.mu.Unlock()
	r.log.Debug("transport registered", "transport_id", id)
	return id
}

// Unregister removes an adapter. It must run before any pending
// broadcast can target the connection again; removal under the write
// lock guarantees later Broadcast snapshots exclude it.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
	r.log.Debug("transport unregistered", "transport_id", id)
}

// Send delivers an envelope to one transport. Unknown ids are
// ignored (the connection raced a disconnect).
func (r *Registry) Send(id string, env datatypes.Envelope) {
	r.mu.RLock()
	a, ok := r.transports[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := a.Send(env); err != nil {
		r.log.Warn("transport send failed", "transport_id", id, "type", env.Type, "error", err)
	}
}

// Broadcast delivers an envelope to every live transport except
// senderID. It returns the number of transports reached. An empty
// senderID broadcasts to everyone.
func (r *Registry) Broadcast(senderID string, env datatypes.Envelope) int {
	r.mu.RLock()
	targets := make(map[string]Adapter, len(r.transports))
	for id, a := range r.transports {
		if id != senderID {
			targets[id] = a
		}
	}
	r.mu.RUnlock()

	for id, a := range targets {
		if err := a.Send(env); err != nil {
			r.log.Warn("broadcast send failed", "transport_id", id, "type", env.Type, "error", err)
		}
	}
	broadcastsTotal.WithLabelValues(env.Type).Add(float64(len(targets)))
	return len(targets)
}

// Count returns the number of live transports.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transports)
}
