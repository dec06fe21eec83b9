// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// emitter fans store events out to subscribers, keyed by event kind.
//
// Thread Safety: safe for concurrent use. Handlers are invoked
// outside the lock, from the emitting goroutine, so a subscriber may
// call back into the store without deadlocking.
type emitter struct {
	mu       sync.RWMutex
	handlers map[EventKind]map[string]Handler
	log      *slog.Logger
}

func newEmitter(log *slog.Logger) *emitter {
	return &emitter{
		handlers: make(map[EventKind]map[string]Handler),
		log:      log,
	}
}

// subscribe registers a handler and returns its listener id.
func (e *emitter) subscribe(kind EventKind, h Handler) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := uuid.NewString()
	if e.handlers[kind] == nil {
		e.handlers[kind] = make(map[string]Handler)
	}
	e.handlers[kind][id] = h
	return id
}

// unsubscribe removes a handler; unknown ids are ignored.
func (e *emitter) unsubscribe(kind EventKind, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers[kind], id)
}

// emit delivers the event to every handler subscribed to its kind.
// A panicking handler is recovered and logged; remaining handlers
// still run.
func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	snapshot := make([]Handler, 0, len(e.handlers[ev.Kind]))
	for _, h := range e.handlers[ev.Kind] {
		snapshot = append(snapshot, h)
	}
	e.mu.RUnlock()

	for _, h := range snapshot {
		e.safeCall(h, ev)
	}
}

func (e *emitter) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("store event handler panicked",
				"kind", ev.Kind, "entity_id", ev.EntityID, "panic", r)
		}
	}()
	h(ev)
}
