// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scenario

import (
	"log/slog"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
	"github.com/AleutianAI/blocksync/services/blocksync/store"
)

// Engine is one connection's notification state machine. It is
// driven from the connection's read loop, strictly sequentially, and
// is destroyed on disconnect.
//
// Engine satisfies the transport.Mutator interface: mutations
// dispatched for its connection go through the scenario's update
// strategy, and entities living only in the connection's local graph
// state are resolved here instead of the store.
type Engine struct {
	scenario  *Scenario
	state     *GraphState
	store     store.EntityStore
	resources ResourceBuilder
	log       *slog.Logger
}

// NewEngine builds the engine for one connection.
func NewEngine(sc *Scenario, st store.EntityStore, resources ResourceBuilder, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	state := &GraphState{}
	if sc.InitialState != nil {
		state = sc.InitialState(st)
	}
	return &Engine{
		scenario:  sc,
		state:     state,
		store:     st,
		resources: resources,
		log:       log,
	}
}

// ScenarioName returns the scenario bound at connection time.
func (e *Engine) ScenarioName() string {
	return e.scenario.Name
}

// ConnectionAck builds the connection-acknowledgment envelope: the
// full graph snapshot (store entities plus scenario-local state) and
// the scenario identity.
func (e *Engine) ConnectionAck() datatypes.Envelope {
	entities := e.store.GetAllEntities()
	entities = append(entities, e.state.Entities...)
	graph := datatypes.NewEntityGraph(entities, e.state.Links)
	return datatypes.Envelope{
		Type: datatypes.MsgConnectionAck,
		Payload: map[string]any{
			"scenario":  e.scenario.Name,
			"graph":     graph,
			"timestamp": datatypes.Timestamp(),
		},
	}
}

// RenderAll produces the scenario's current set of block
// notifications. Rendering twice with no intervening mutation yields
// identical payloads except for caching tags, which are monotonic by
// design.
func (e *Engine) RenderAll() []datatypes.BlockNotification {
	if e.scenario.Render == nil {
		return nil
	}
	return e.scenario.Render(&RenderContext{
		Store:     e.store,
		State:     e.state,
		Resources: e.resources,
		Log:       e.log,
	})
}

// Update applies a client mutation: store-backed entities go through
// the entity store (the dominant path), scenario-local entities are
// merged in place. Either way the scenario's update strategy runs
// afterwards so derived aggregate entities stay consistent.
func (e *Engine) Update(entityID string, props map[string]any) bool {
	if _, ok := e.store.GetEntityMetadata(entityID); ok {
		if !e.store.UpdateEntity(entityID, props) {
			return false
		}
		e.applyStrategy(entityID, props, false)
		return true
	}

	if e.state.Find(entityID) == nil {
		return false
	}
	e.applyStrategy(entityID, props, true)
	return true
}

// Create delegates to the store.
func (e *Engine) Create(entityID string, props map[string]any, meta datatypes.SourceMetadata) bool {
	return e.store.CreateEntity(entityID, props, meta)
}

// Delete removes a store entity, or a scenario-local one.
func (e *Engine) Delete(entityID string) bool {
	if e.store.DeleteEntity(entityID) {
		return true
	}
	if e.state.Find(entityID) == nil {
		return false
	}
	e.state.Remove(entityID)
	return true
}

// applyStrategy dispatches on the strategy tag. A failing custom
// strategy falls back to the default shallow merge rather than
// aborting the connection.
func (e *Engine) applyStrategy(entityID string, props map[string]any, mergeLocal bool) {
	switch e.scenario.Strategy.Kind {
	case StrategyDefaultMerge:
		if mergeLocal {
			e.mergeLocal(entityID, props)
		}

	case StrategyBoardRecompute:
		if mergeLocal {
			e.mergeLocal(entityID, props)
		}
		RecomputeBoardColumns(e.state, e.store)

	case StrategyCustom:
		if err := e.runCustom(entityID, props); err != nil {
			e.log.Warn("custom update strategy failed, using default merge",
				"scenario", e.scenario.Name, "entity_id", entityID, "error", err)
			if mergeLocal {
				e.mergeLocal(entityID, props)
			}
		}
	}
}

func (e *Engine) runCustom(entityID string, props map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	if e.scenario.Strategy.Apply == nil {
		return nil
	}
	return e.scenario.Strategy.Apply(&UpdateContext{
		State:      e.state,
		Store:      e.store,
		EntityID:   entityID,
		Properties: props,
	})
}

func (e *Engine) mergeLocal(entityID string, props map[string]any) {
	ent := e.state.Find(entityID)
	if ent == nil {
		return
	}
	if ent.Properties == nil {
		ent.Properties = make(map[string]any, len(props))
	}
	for k, v := range props {
		ent.Properties[k] = v
	}
}

type panicError struct{ value any }

func (p panicError) Error() string { return "strategy panicked" }
