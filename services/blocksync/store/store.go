// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store defines the entity store capability interface and the
// in-process reference implementation backing it.
//
// The store owns the canonical entity graph. It is internally
// serialized: concurrent callers are safe, and the store's own
// locking is the only consistency boundary — concurrent updates to
// the same entity resolve last-write-wins by arrival order.
//
// Mutations can originate from client requests (via the transport
// dispatcher), from watched files (via FileWatcher), or from
// language-server discovery (via HandleVivafolioBlockNotification).
// All of them surface on the store's event stream.
package store

import (
	"time"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// EventKind identifies one kind of store event.
type EventKind string

const (
	EventEntityCreated EventKind = "entity-created"
	EventEntityUpdated EventKind = "entity-updated"
	EventEntityDeleted EventKind = "entity-deleted"
	EventFileChanged   EventKind = "file-changed"
)

// File-changed event types.
const (
	FileEventCreate = "create"
	FileEventUpdate = "update"
	FileEventDelete = "delete"
)

// Event is one store event delivered to subscribers.
type Event struct {
	Kind       EventKind
	EntityID   string
	SourcePath string
	SourceType datatypes.SourceType

	// EventType is set for file-changed events: "create", "update"
	// or "delete".
	EventType string

	// Properties is a snapshot of the entity's properties at emit
	// time, when the event concerns a single entity.
	Properties map[string]any

	Time time.Time
}

// Handler consumes store events. Handlers run synchronously on the
// emitting goroutine; a panicking handler is isolated and logged.
type Handler func(Event)

// EntityStore is the capability interface consumed by the transport
// dispatcher, the sidecar bridge and the notification engine.
type EntityStore interface {
	GetAllEntities() []datatypes.Entity
	GetEntityMetadata(id string) (datatypes.EntityMetadata, bool)
	GetEntitiesByBasename(name string, filter func(datatypes.Entity) bool) []datatypes.Entity

	CreateEntity(id string, props map[string]any, meta datatypes.SourceMetadata) bool
	UpdateEntity(id string, props map[string]any) bool
	DeleteEntity(id string) bool

	AggregateEntities(args map[string]any) (map[string]any, error)

	HandleVivafolioBlockNotification(n datatypes.BlockNotification)

	// On subscribes a handler to one event kind and returns an opaque
	// listener id. Off removes it; removing an unknown id is a no-op.
	On(kind EventKind, h Handler) string
	Off(kind EventKind, listenerID string)
}
