// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// MemoryStore is the in-process EntityStore implementation.
//
// Entities are kept in insertion order so snapshots and renders are
// deterministic. All methods are safe for concurrent use; the
// internal mutex serializes mutations, which makes concurrent updates
// to the same entity last-write-wins by arrival order.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*datatypes.Entity
	order    []string
	links    []datatypes.LinkEntity
	revision uint64

	// latest block notification per block id, kept only to answer
	// liveness pings.
	notifications map[string]datatypes.BlockNotification

	events *emitter
	log    *slog.Logger
}

// NewMemoryStore creates an empty store. A nil logger falls back to
// slog.Default().
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryStore{
		entities:      make(map[string]*datatypes.Entity),
		notifications: make(map[string]datatypes.BlockNotification),
		events:        newEmitter(log),
		log:           log,
	}
}

// GetAllEntities returns a snapshot of every entity, in insertion
// order.
func (s *MemoryStore) GetAllEntities() []datatypes.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]datatypes.Entity, 0, len(s.order))
	for _, id := range s.order {
		if e, ok := s.entities[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out
}

// GetLinks returns a snapshot of the link entities.
func (s *MemoryStore) GetLinks() []datatypes.LinkEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]datatypes.LinkEntity, 0, len(s.links))
	for _, l := range s.links {
		c := l
		c.Entity = l.Entity.Clone()
		out = append(out, c)
	}
	return out
}

// GetEntityMetadata returns the id-level view of one entity.
func (s *MemoryStore) GetEntityMetadata(id string) (datatypes.EntityMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return datatypes.EntityMetadata{}, false
	}
	return datatypes.EntityMetadata{
		EntityID:     e.EntityID,
		EntityTypeID: e.EntityTypeID,
		EditionID:    e.EditionID,
		SourcePath:   e.SourcePath,
		SourceType:   e.SourceType,
	}, true
}

// GetEntitiesByBasename returns entities whose source file basename
// matches name, optionally narrowed by filter.
func (s *MemoryStore) GetEntitiesByBasename(name string, filter func(datatypes.Entity) bool) []datatypes.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []datatypes.Entity
	for _, id := range s.order {
		e, ok := s.entities[id]
		if !ok || filepath.Base(e.SourcePath) != name {
			continue
		}
		c := e.Clone()
		if filter != nil && !filter(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// GetEntitiesBySourcePath returns entities originating from one
// source file, in insertion order.
func (s *MemoryStore) GetEntitiesBySourcePath(path string) []datatypes.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []datatypes.Entity
	for _, id := range s.order {
		if e, ok := s.entities[id]; ok && e.SourcePath == path {
			out = append(out, e.Clone())
		}
	}
	return out
}

// CreateEntity inserts a new entity. It returns false when the id is
// empty or already taken.
func (s *MemoryStore) CreateEntity(id string, props map[string]any, meta datatypes.SourceMetadata) bool {
	if id == "" {
		return false
	}

	s.mu.Lock()
	if _, exists := s.entities[id]; exists {
		s.mu.Unlock()
		return false
	}
	e := &datatypes.Entity{
		EntityID:     id,
		EntityTypeID: meta.EntityTypeID,
		EditionID:    s.nextEditionLocked(),
		Properties:   datatypes.CloneProperties(props),
		SourceType:   meta.SourceType,
		SourcePath:   meta.SourcePath,
	}
	s.entities[id] = e
	s.order = append(s.order, id)
	ev := s.eventLocked(EventEntityCreated, e)
	s.mu.Unlock()

	s.events.emit(ev)
	return true
}

// UpdateEntity shallow-merges props into an existing entity and bumps
// its edition. It returns false when the entity does not exist.
func (s *MemoryStore) UpdateEntity(id string, props map[string]any) bool {
	s.mu.Lock()
	e, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if e.Properties == nil {
		e.Properties = make(map[string]any, len(props))
	}
	for k, v := range props {
		e.Properties[k] = v
	}
	e.EditionID = s.nextEditionLocked()
	ev := s.eventLocked(EventEntityUpdated, e)
	s.mu.Unlock()

	s.events.emit(ev)
	return true
}

// DeleteEntity removes an entity. It returns false when the entity
// does not exist.
func (s *MemoryStore) DeleteEntity(id string) bool {
	s.mu.Lock()
	e, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entities, id)
	s.removeFromOrderLocked(id)
	ev := s.eventLocked(EventEntityDeleted, e)
	s.mu.Unlock()

	s.events.emit(ev)
	return true
}

// RemoveEntitiesBySourcePath deletes every entity originating from
// path and returns their ids. Each removal emits entity-deleted.
func (s *MemoryStore) RemoveEntitiesBySourcePath(path string) []string {
	s.mu.Lock()
	var removed []string
	var evs []Event
	for _, id := range append([]string(nil), s.order...) {
		e, ok := s.entities[id]
		if !ok || e.SourcePath != path {
			continue
		}
		delete(s.entities, id)
		s.removeFromOrderLocked(id)
		removed = append(removed, id)
		evs = append(evs, s.eventLocked(EventEntityDeleted, e))
	}
	s.mu.Unlock()

	for _, ev := range evs {
		s.events.emit(ev)
	}
	return removed
}

// AggregateEntities runs a query/aggregate operation. Supported
// operations:
//
//   - "count": number of entities, optionally per distinct value of
//     args["property"].
//   - "group-by": entity ids grouped by the value of
//     args["property"].
func (s *MemoryStore) AggregateEntities(args map[string]any) (map[string]any, error) {
	op, _ := args["operation"].(string)
	prop, _ := args["property"].(string)

	entities := s.GetAllEntities()

	switch op {
	case "count":
		if prop == "" {
			return map[string]any{"count": len(entities)}, nil
		}
		counts := make(map[string]any)
		for _, e := range entities {
			key := fmt.Sprintf("%v", e.Properties[prop])
			n, _ := counts[key].(int)
			counts[key] = n + 1
		}
		return map[string]any{"counts": counts}, nil

	case "group-by":
		if prop == "" {
			return nil, fmt.Errorf("group-by requires a property")
		}
		groups := make(map[string]any)
		for _, e := range entities {
			key := fmt.Sprintf("%v", e.Properties[prop])
			ids, _ := groups[key].([]string)
			groups[key] = append(ids, e.EntityID)
		}
		return map[string]any{"groups": groups}, nil

	default:
		return nil, fmt.Errorf("unknown aggregate operation %q", op)
	}
}

// HandleVivafolioBlockNotification ingests a block notification, as
// produced by the sidecar's discovery path: every entity in its graph
// is upserted and the notification is retained as the latest value
// for its block id.
func (s *MemoryStore) HandleVivafolioBlockNotification(n datatypes.BlockNotification) {
	s.mu.Lock()
	s.notifications[n.BlockID] = n
	var evs []Event
	for _, in := range n.EntityGraph.Entities {
		if in.EntityID == "" {
			continue
		}
		if e, exists := s.entities[in.EntityID]; exists {
			for k, v := range in.Properties {
				if e.Properties == nil {
					e.Properties = make(map[string]any)
				}
				e.Properties[k] = v
			}
			e.EditionID = s.nextEditionLocked()
			evs = append(evs, s.eventLocked(EventEntityUpdated, e))
			continue
		}
		e := &datatypes.Entity{
			EntityID:     in.EntityID,
			EntityTypeID: in.EntityTypeID,
			EditionID:    s.nextEditionLocked(),
			Properties:   datatypes.CloneProperties(in.Properties),
			SourceType:   pickSourceType(in.SourceType),
			SourcePath:   in.SourcePath,
		}
		s.entities[in.EntityID] = e
		s.order = append(s.order, in.EntityID)
		evs = append(evs, s.eventLocked(EventEntityCreated, e))
	}
	s.mu.Unlock()

	for _, ev := range evs {
		s.events.emit(ev)
	}
}

// LatestNotification answers a liveness ping for one block id.
func (s *MemoryStore) LatestNotification(blockID string) (datatypes.BlockNotification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[blockID]
	return n, ok
}

// DropNotificationsBySourcePath forgets retained notifications whose
// graph entities came from path, returning the dropped block ids.
func (s *MemoryStore) DropNotificationsBySourcePath(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []string
	for id, n := range s.notifications {
		for _, e := range n.EntityGraph.Entities {
			if e.SourcePath == path {
				delete(s.notifications, id)
				dropped = append(dropped, id)
				break
			}
		}
	}
	return dropped
}

// On subscribes a handler to one event kind.
func (s *MemoryStore) On(kind EventKind, h Handler) string {
	return s.events.subscribe(kind, h)
}

// Off removes a subscription; unknown ids are ignored.
func (s *MemoryStore) Off(kind EventKind, listenerID string) {
	s.events.unsubscribe(kind, listenerID)
}

// EmitFileChanged publishes a file-changed event. The file watcher
// calls this after applying a change; the sidecar bridge also uses it
// for synthetic re-walks.
func (s *MemoryStore) EmitFileChanged(path, eventType string, sourceType datatypes.SourceType) {
	s.events.emit(Event{
		Kind:       EventFileChanged,
		SourcePath: path,
		SourceType: sourceType,
		EventType:  eventType,
		Time:       time.Now(),
	})
}

func (s *MemoryStore) nextEditionLocked() string {
	s.revision++
	return fmt.Sprintf("rev-%d", s.revision)
}

func (s *MemoryStore) removeFromOrderLocked(id string) {
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) eventLocked(kind EventKind, e *datatypes.Entity) Event {
	return Event{
		Kind:       kind,
		EntityID:   e.EntityID,
		SourcePath: e.SourcePath,
		SourceType: e.SourceType,
		Properties: datatypes.CloneProperties(e.Properties),
		Time:       time.Now(),
	}
}

func pickSourceType(st datatypes.SourceType) datatypes.SourceType {
	if st == "" {
		return datatypes.SourceConstructDerived
	}
	return st
}
