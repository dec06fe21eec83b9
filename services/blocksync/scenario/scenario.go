// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scenario implements the per-connection notification
// engine: each live connection owns one (scenario, graph state) pair
// that renders the current entity graph into block notifications and
// applies the scenario's update strategy to client mutations.
package scenario

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
	"github.com/AleutianAI/blocksync/services/blocksync/store"
)

// GraphState is a connection's mutable graph snapshot. It holds only
// entities that are not otherwise sourced from the entity store
// (scenario-local and derived aggregate entities). It is owned by a
// single connection goroutine and needs no locking.
type GraphState struct {
	Entities []datatypes.Entity
	Links    []datatypes.LinkEntity
}

// Find returns a pointer to the entity with the given id, or nil.
func (g *GraphState) Find(id string) *datatypes.Entity {
	for i := range g.Entities {
		if g.Entities[i].EntityID == id {
			return &g.Entities[i]
		}
	}
	return nil
}

// Upsert replaces or appends an entity, preserving position on
// replace so renders stay deterministic.
func (g *GraphState) Upsert(e datatypes.Entity) {
	for i := range g.Entities {
		if g.Entities[i].EntityID == e.EntityID {
			g.Entities[i] = e
			return
		}
	}
	g.Entities = append(g.Entities, e)
}

// Remove drops an entity by id.
func (g *GraphState) Remove(id string) {
	for i := range g.Entities {
		if g.Entities[i].EntityID == id {
			g.Entities = append(g.Entities[:i], g.Entities[i+1:]...)
			return
		}
	}
}

// StrategyKind selects how a scenario applies client mutations. The
// set is closed: strategies dispatch by tag rather than open-ended
// dynamic lookup, with StrategyCustom as the extension point.
type StrategyKind int

const (
	// StrategyDefaultMerge shallow-merges the request properties into
	// the target entity.
	StrategyDefaultMerge StrategyKind = iota

	// StrategyBoardRecompute merges, then recomputes the derived
	// grouped-by-status column entities.
	StrategyBoardRecompute

	// StrategyCustom runs a scenario-supplied apply function. If it
	// fails, the engine falls back to the default merge.
	StrategyCustom
)

// UpdateContext is what a custom apply function sees.
type UpdateContext struct {
	State      *GraphState
	Store      store.EntityStore
	EntityID   string
	Properties map[string]any
}

// UpdateStrategy is the tagged strategy variant.
type UpdateStrategy struct {
	Kind  StrategyKind
	Apply func(ctx *UpdateContext) error // used only by StrategyCustom
}

// ResourceBuilder resolves a block name to its resource descriptors.
// Satisfied by the resource cache.
type ResourceBuilder interface {
	BuildResources(name string) ([]datatypes.ResourceDescriptor, error)
}

// RenderContext is passed to a scenario's render function.
type RenderContext struct {
	Store     store.EntityStore
	State     *GraphState
	Resources ResourceBuilder
	Log       *slog.Logger
}

// Scenario bundles initial-state construction, notification
// rendering and update application under one name.
type Scenario struct {
	Name     string
	Strategy UpdateStrategy

	// InitialState builds the connection's local graph state. Nil
	// means an empty state.
	InitialState func(st store.EntityStore) *GraphState

	// Render produces the scenario's full set of block notifications
	// for the current graph. Must be deterministic for unchanged
	// input, caching tags aside.
	Render func(rc *RenderContext) []datatypes.BlockNotification
}

// Registry holds the scenarios known at startup. Lookups for unknown
// names resolve to the fallback scenario so a connection is never
// refused for a bad scenario name.
type Registry struct {
	mu        sync.RWMutex
	scenarios map[string]*Scenario
	fallback  string
}

// NewRegistry creates a registry with the given fallback scenario
// name. The fallback must be registered before the first Get.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		scenarios: make(map[string]*Scenario),
		fallback:  fallback,
	}
}

// Register adds a scenario. Registering a duplicate name is a
// programming error.
func (r *Registry) Register(s *Scenario) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scenarios[s.Name]; exists {
		return fmt.Errorf("scenario %q already registered", s.Name)
	}
	r.scenarios[s.Name] = s
	return nil
}

// Get resolves a scenario name, falling back for unknown or empty
// names.
func (r *Registry) Get(name string) *Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.scenarios[name]; ok {
		return s
	}
	return r.scenarios[r.fallback]
}

// Names lists the registered scenario names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scenarios))
	for name := range r.scenarios {
		names = append(names, name)
	}
	return names
}
