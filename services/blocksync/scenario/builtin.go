// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scenario

import (
	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
	"github.com/AleutianAI/blocksync/services/blocksync/store"
)

// FallbackScenario is the scenario bound when a connection names an
// unknown scenario, or none at all.
const FallbackScenario = "basic"

// NewDefaultRegistry builds the registry of built-in scenarios.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(FallbackScenario)
	// Registration of the built-ins cannot collide.
	_ = r.Register(basicScenario())
	_ = r.Register(taskBoardScenario())
	_ = r.Register(colorPickerScenario())
	return r
}

// basicScenario renders the whole entity graph into a single
// graph-view block. No scenario-local entities, default merge.
func basicScenario() *Scenario {
	return &Scenario{
		Name:     FallbackScenario,
		Strategy: UpdateStrategy{Kind: StrategyDefaultMerge},
		Render: func(rc *RenderContext) []datatypes.BlockNotification {
			entities := rc.Store.GetAllEntities()
			entities = append(entities, rc.State.Entities...)
			return []datatypes.BlockNotification{{
				BlockID:           datatypes.StableBlockID("graph-view", FallbackScenario),
				BlockType:         datatypes.BlockTypeURI("graph-view"),
				DisplayMode:       datatypes.DisplayModeMultiLine,
				EntityGraph:       datatypes.NewEntityGraph(entities, rc.State.Links),
				Resources:         buildResources(rc, "graph-view"),
				SupportsHotReload: true,
				InitialHeight:     300,
			}}
		},
	}
}

// taskBoardScenario groups task entities into status columns and
// recomputes the grouping after every mutation.
func taskBoardScenario() *Scenario {
	return &Scenario{
		Name:     "task-board",
		Strategy: UpdateStrategy{Kind: StrategyBoardRecompute},
		InitialState: func(st store.EntityStore) *GraphState {
			state := &GraphState{}
			RecomputeBoardColumns(state, st)
			return state
		},
		Render: renderBoard,
	}
}

// colorPickerScenario owns one scenario-local gui-state entity and
// renders a single picker block for it.
func colorPickerScenario() *Scenario {
	entityID := datatypes.StableBlockID("color-entity", "color-picker")
	return &Scenario{
		Name:     "color-picker",
		Strategy: UpdateStrategy{Kind: StrategyDefaultMerge},
		InitialState: func(store.EntityStore) *GraphState {
			return &GraphState{
				Entities: []datatypes.Entity{{
					EntityID:     entityID,
					EntityTypeID: datatypes.BlockTypeURI("color-picker"),
					Properties:   map[string]any{"color": "#3377ff"},
					SourceType:   datatypes.SourceSynthetic,
				}},
			}
		},
		Render: func(rc *RenderContext) []datatypes.BlockNotification {
			return []datatypes.BlockNotification{{
				BlockID:           datatypes.StableBlockID("color-picker", entityID),
				BlockType:         datatypes.BlockTypeURI("color-picker"),
				EntityID:          entityID,
				DisplayMode:       datatypes.DisplayModeInline,
				EntityGraph:       datatypes.NewEntityGraph(rc.State.Entities, nil),
				Resources:         buildResources(rc, "color-picker"),
				SupportsHotReload: false,
				InitialHeight:     200,
			}}
		},
	}
}
